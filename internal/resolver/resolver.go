// Package resolver merges per-key source candidates into product nutrient
// profiles through a strictly ordered confidence cascade, then fills the
// remaining gaps from ingredient-group donors and batch or store medians.
// The cascade order is the provider slice handed to New; nothing here
// reorders it.
package resolver

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/source"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// Provider names recorded on attempts written by the resolver's own passes,
// as opposed to the source providers handed to New.
const (
	ProviderSanity = "sanity-override"
	ProviderDonor  = "donor-fallback"
	ProviderGlobal = "global-fallback"
)

// Source-ref markers written by the override and fallback passes. The verify
// sweep keys its repair scan on these.
const (
	RefSanityOverride = "agent:sanity-override"
	RefBatchMedian    = "agent:global-fallback:batch-median"
	RefStoreMedian    = "agent:global-fallback:store-median"
	RefDefaultTable   = "agent:global-fallback:default-table"
)

// DonorRef returns the provenance pointer for a value copied from a donor
// product in the same ingredient group.
func DonorRef(donorID string) string {
	return "product:" + donorID
}

// SourceValue is one candidate observed while resolving a key.
type SourceValue struct {
	Provider            string                 `json:"provider"`
	Value               float64                `json:"value"`
	SourceType          nutrient.SourceType    `json:"source_type"`
	SourceRef           string                 `json:"source_ref,omitempty"`
	Grade               nutrient.EvidenceGrade `json:"grade"`
	Confidence          float64                `json:"confidence"`
	HistoricalException bool                   `json:"historical_exception,omitempty"`
}

// Resolution is the outcome of the cascade for a single key. Attempts holds
// every candidate that passed validation, in pass order; Winner points at
// the one that holds the key.
type Resolution struct {
	Key      nutrient.Key  `json:"key"`
	Winner   *SourceValue  `json:"winner,omitempty"`
	Attempts []SourceValue `json:"attempts,omitempty"`
}

// Profile is the resolved nutrient view of one product. Keys with no
// resolution entry were never offered a candidate.
type Profile struct {
	ProductID   string                      `json:"product_id"`
	Resolutions map[nutrient.Key]Resolution `json:"resolutions"`
}

// NewProfile returns an empty profile for the product.
func NewProfile(productID string) *Profile {
	return &Profile{
		ProductID:   productID,
		Resolutions: make(map[nutrient.Key]Resolution),
	}
}

// offer runs the merge rule for one candidate: it wins iff the key is
// unresolved or its confidence strictly exceeds the current winner's; ties
// keep the incumbent. Candidates with negative, NaN or infinite values are
// rejected without being recorded. Returns whether the candidate won.
func (p *Profile) offer(provider string, c source.Candidate) bool {
	if c.Value < 0 || math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return false
	}
	sv := SourceValue{
		Provider:   provider,
		Value:      c.Value,
		SourceType: c.SourceType,
		SourceRef:  c.SourceRef,
		Grade:      c.Grade,
		Confidence: c.Confidence,
	}
	res := p.Resolutions[c.Key]
	res.Key = c.Key
	res.Attempts = append(res.Attempts, sv)
	won := res.Winner == nil || sv.Confidence > res.Winner.Confidence
	if won {
		res.Winner = &sv
	}
	p.Resolutions[c.Key] = res
	return won
}

// force records sv as an attempt and makes it the winner regardless of the
// incumbent's confidence. Override and fallback passes use it.
func (p *Profile) force(key nutrient.Key, sv SourceValue) {
	res := p.Resolutions[key]
	res.Key = key
	res.Attempts = append(res.Attempts, sv)
	res.Winner = &sv
	p.Resolutions[key] = res
}

// Resolved reports whether key has a winner.
func (p *Profile) Resolved(key nutrient.Key) bool {
	res, ok := p.Resolutions[key]
	return ok && res.Winner != nil
}

// Winner returns a copy of the winning value for key.
func (p *Profile) Winner(key nutrient.Key) (SourceValue, bool) {
	res, ok := p.Resolutions[key]
	if !ok || res.Winner == nil {
		return SourceValue{}, false
	}
	return *res.Winner, true
}

// Values returns the winning value per resolved key.
func (p *Profile) Values() map[nutrient.Key]float64 {
	out := make(map[nutrient.Key]float64, len(p.Resolutions))
	for k, res := range p.Resolutions {
		if res.Winner != nil {
			out[k] = res.Winner.Value
		}
	}
	return out
}

// ResolvedCount returns how many keys currently have a winner.
func (p *Profile) ResolvedCount() int {
	n := 0
	for _, res := range p.Resolutions {
		if res.Winner != nil {
			n++
		}
	}
	return n
}

// NonInferredCount returns how many winners carry a non-inferred grade.
// Donor ranking prefers products with the most directly observed keys.
func (p *Profile) NonInferredCount() int {
	n := 0
	for _, res := range p.Resolutions {
		if res.Winner != nil && !res.Winner.Grade.Inferred() {
			n++
		}
	}
	return n
}

// MissingCore returns the core keys that no source pass resolved. Donor and
// global fills carry INFERRED_FROM_SIMILAR_PRODUCT and do not count; a
// product with any missing core key gets a source-retrieval task.
func (p *Profile) MissingCore() []nutrient.Key {
	var out []nutrient.Key
	for _, k := range nutrient.CoreKeys() {
		res, ok := p.Resolutions[k]
		if !ok || res.Winner == nil || res.Winner.Grade == nutrient.GradeInferredSimilar {
			out = append(out, k)
		}
	}
	return out
}

// Resolver runs the source cascade and the fallback passes for one batch.
// It memoizes store-wide medians, so a Resolver must not outlive its run.
type Resolver struct {
	providers []source.Provider
	policy    *policy.Policy
	store     store.Store
	org       string
	backfill  bool
	medians   map[nutrient.Key]*float64
}

// New builds a resolver over an ordered provider slice. The slice is the
// cascade: earlier providers are offered first and win ties.
func New(providers []source.Provider, pol *policy.Policy) *Resolver {
	return &Resolver{
		providers: providers,
		policy:    pol,
		medians:   make(map[nutrient.Key]*float64),
	}
}

// WithStore enables the store-wide historical median in the global fallback.
func (r *Resolver) WithStore(st store.Store, org string) *Resolver {
	r.store = st
	r.org = org
	return r
}

// WithBackfill marks this run as a historical backfill: global-fallback
// values it writes carry historicalException.
func (r *Resolver) WithBackfill(on bool) *Resolver {
	r.backfill = on
	return r
}

// Resolve runs the provider cascade and the sanity override for one product.
// Provider errors are infrastructure failures and abort the batch; upstream
// misses surfaced as empty candidate lists simply leave keys unresolved.
func (r *Resolver) Resolve(ctx context.Context, id model.Identity) (*Profile, error) {
	prof := NewProfile(id.ProductID)
	for _, prov := range r.providers {
		cands, err := prov.Fetch(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: %s pass for product %s", prov.Name(), id.ProductID)
		}
		for _, c := range cands {
			prof.offer(prov.Name(), c)
		}
	}
	r.applySanity(prof, id)
	return prof, nil
}

// applySanity zeroes the carbohydrate family for plain single-animal-protein
// products, overriding whatever the source passes resolved for those keys.
func (r *Resolver) applySanity(prof *Profile, id model.Identity) {
	if !r.sanityTarget(id) {
		return
	}
	for _, key := range nutrient.CarbFamily() {
		prof.force(key, SourceValue{
			Provider:   ProviderSanity,
			Value:      0,
			SourceType: nutrient.SourceDerived,
			SourceRef:  RefSanityOverride,
			Grade:      nutrient.GradeInferredIngred,
			Confidence: r.policy.Sanity.Confidence,
		})
	}
	zap.L().Debug("sanity override zeroed carb family",
		zap.String("product_id", id.ProductID),
		zap.String("ingredient", id.IngredientKey),
	)
}

// sanityTarget reports whether the product's name and ingredient tokens name
// a plain animal protein. Matching is on whole tokens, so "breast" never
// trips the "BREAD" exclusion.
func (r *Resolver) sanityTarget(id model.Identity) bool {
	toks := source.Tokens(id.Name + " " + id.IngredientName)
	found := false
	for _, t := range r.policy.Sanity.ProteinTokens {
		if _, ok := toks[strings.ToLower(t)]; ok {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, t := range r.policy.Sanity.ExclusionTokens {
		if _, ok := toks[strings.ToLower(t)]; ok {
			return false
		}
	}
	return true
}
