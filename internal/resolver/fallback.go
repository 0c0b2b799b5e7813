package resolver

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// FillFromDonors fills keys still unresolved after the source passes by
// copying values from sibling products in the same ingredient group. Donors
// are ranked by most non-inferred resolved keys, ties broken by ascending
// product id. Donor snapshots are taken before any fill, so copies never
// chain within a pass. Returns the number of keys filled.
func (r *Resolver) FillFromDonors(group []*Profile) int {
	if len(group) < 2 {
		return 0
	}

	type donor struct {
		productID string
		winners   map[nutrient.Key]SourceValue
		rank      int
	}
	donors := make([]donor, 0, len(group))
	for _, p := range group {
		w := make(map[nutrient.Key]SourceValue, len(p.Resolutions))
		for k, res := range p.Resolutions {
			if res.Winner != nil {
				w[k] = *res.Winner
			}
		}
		donors = append(donors, donor{
			productID: p.ProductID,
			winners:   w,
			rank:      p.NonInferredCount(),
		})
	}
	sort.SliceStable(donors, func(i, j int) bool {
		if donors[i].rank != donors[j].rank {
			return donors[i].rank > donors[j].rank
		}
		return donors[i].productID < donors[j].productID
	})

	filled := 0
	for _, p := range group {
		for _, key := range nutrient.AllKeys() {
			if p.Resolved(key) {
				continue
			}
			for _, d := range donors {
				if d.productID == p.ProductID {
					continue
				}
				w, ok := d.winners[key]
				if !ok {
					continue
				}
				p.force(key, SourceValue{
					Provider:   ProviderDonor,
					Value:      w.Value,
					SourceType: nutrient.SourceDerived,
					SourceRef:  DonorRef(d.productID),
					Grade:      nutrient.GradeInferredSimilar,
					Confidence: r.policy.DonorConfidence,
				})
				filled++
				break
			}
		}
	}
	if filled > 0 {
		zap.L().Debug("donor fallback filled keys",
			zap.Int("filled", filled),
			zap.Int("group_size", len(group)),
		)
	}
	return filled
}

// BatchMedians computes the per-key median over every resolved winner in the
// batch. Callers compute it once, after the donor pass and before any global
// fill, so the fills themselves never feed the statistic.
func BatchMedians(profiles []*Profile) map[nutrient.Key]float64 {
	byKey := make(map[nutrient.Key][]float64)
	for _, p := range profiles {
		for k, res := range p.Resolutions {
			if res.Winner != nil {
				byKey[k] = append(byKey[k], res.Winner.Value)
			}
		}
	}
	out := make(map[nutrient.Key]float64, len(byKey))
	for k, vals := range byKey {
		out[k] = median(vals)
	}
	return out
}

// FillFromGlobal resolves every remaining key from the batch median, then
// the store-wide historical median, then the policy default table. Keys
// absent from all three stay unresolved. Returns the number of keys filled.
func (r *Resolver) FillFromGlobal(ctx context.Context, prof *Profile, batch map[nutrient.Key]float64) (int, error) {
	filled := 0
	for _, key := range nutrient.AllKeys() {
		if prof.Resolved(key) {
			continue
		}
		value, ref, ok, err := r.globalValue(ctx, key, batch)
		if err != nil {
			return filled, err
		}
		if !ok {
			continue
		}
		prof.force(key, SourceValue{
			Provider:            ProviderGlobal,
			Value:               value,
			SourceType:          nutrient.SourceDerived,
			SourceRef:           ref,
			Grade:               nutrient.GradeInferredSimilar,
			Confidence:          r.policy.FloorConfidence,
			HistoricalException: r.backfill,
		})
		filled++
	}
	return filled, nil
}

// globalValue picks the fallback value and its provenance ref for one key.
func (r *Resolver) globalValue(ctx context.Context, key nutrient.Key, batch map[nutrient.Key]float64) (float64, string, bool, error) {
	if v, ok := batch[key]; ok {
		return v, RefBatchMedian, true, nil
	}
	v, ok, err := r.storedMedian(ctx, key)
	if err != nil {
		return 0, "", false, err
	}
	if ok {
		return v, RefStoreMedian, true, nil
	}
	if v, ok := r.policy.DefaultFor(key); ok {
		return v, RefDefaultTable, true, nil
	}
	return 0, "", false, nil
}

// storedMedian returns the median of the organization's non-inferred stored
// values for key, memoized for the run. A nil memo entry records an empty
// store so the query is not repeated.
func (r *Resolver) storedMedian(ctx context.Context, key nutrient.Key) (float64, bool, error) {
	if r.store == nil {
		return 0, false, nil
	}
	if m, seen := r.medians[key]; seen {
		if m == nil {
			return 0, false, nil
		}
		return *m, true, nil
	}
	vals, err := r.store.StoredKeyValues(ctx, r.org, key, true)
	if err != nil {
		return 0, false, eris.Wrapf(err, "resolver: stored values for %s", key)
	}
	if len(vals) == 0 {
		r.medians[key] = nil
		return 0, false, nil
	}
	m := median(vals)
	r.medians[key] = &m
	return m, true, nil
}

// median returns the middle value, averaging the two middles for even
// counts. The input is copied before sorting.
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
