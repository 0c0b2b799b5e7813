// Package verify hosts the verification sweeps: the auto-verify pass that
// repairs trace and placeholder rows, promotes trusted rows to VERIFIED and
// settles open tasks, and the floor-imputation cleanup that exports and
// clears legacy imputed rows.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// Source-ref markers for rows the sweep repairs, by repair tier.
const (
	RefIngredientMedian = "agent:auto-verify:ingredient-median"
	RefGlobalMedian     = "agent:auto-verify:global-median"
	RefDefaultFallback  = "agent:auto-verify:default-fallback"
)

const (
	ingredientMedianConfidence = 0.65
	globalMedianConfidence     = 0.45
	autoVerifyMinConfidence    = 0.8

	// repairDefault is the value used when even the policy default table has
	// no entry for a key.
	repairDefault = 0.1

	sweepReviewer = "agent:auto-verify"
)

// AutoVerifyGrades are the evidence grades trusted enough to promote to
// VERIFIED without a human, given sufficient confidence.
func AutoVerifyGrades() []nutrient.EvidenceGrade {
	return []nutrient.EvidenceGrade{
		nutrient.GradeVerifiedManual,
		nutrient.GradeOpenFoodFacts,
		nutrient.GradeUSDABranded,
	}
}

// SweepOptions scope one verification sweep. Month is "YYYY-MM" and, when
// set, restricts the sweep to products consumed in that month.
type SweepOptions struct {
	Org    string
	Month  string
	DryRun bool
}

// SweepSummary is the machine-readable outcome of one sweep.
type SweepSummary struct {
	RunID          string            `json:"runId"`
	Kind           model.RunKind     `json:"kind"`
	Org            string            `json:"organizationSlug"`
	Month          string            `json:"monthFilter,omitempty"`
	DryRun         bool              `json:"dryRun"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     time.Time         `json:"finishedAt"`
	TargetProducts int               `json:"targetProducts,omitempty"`
	RepairsFound   int               `json:"traceRowsFound"`
	RepairsApplied int               `json:"traceRowsRepaired"`
	RowsVerified   int               `json:"rowsVerified"`
	TasksOpen      int               `json:"tasksOpen"`
	TasksOpened    int               `json:"tasksOpened"`
	TasksApproved  int               `json:"tasksApproved"`
	TasksSkipped   int               `json:"tasksSkipped"`
	Errors         []model.ItemError `json:"errors,omitempty"`
}

// Sweeper runs verification sweeps against one store.
type Sweeper struct {
	store  store.Store
	policy *policy.Policy
}

// NewSweeper builds a sweeper.
func NewSweeper(st store.Store, pol *policy.Policy) *Sweeper {
	return &Sweeper{store: st, policy: pol}
}

// Run executes the sweep inside one transaction: repair, promote, open and
// approve. The returned summary is non-nil even when the run fails partway.
func (s *Sweeper) Run(ctx context.Context, opts SweepOptions) (*SweepSummary, error) {
	sum := &SweepSummary{
		RunID:     uuid.NewString(),
		Kind:      model.RunVerify,
		Org:       opts.Org,
		Month:     opts.Month,
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
	}
	log := zap.L().With(
		zap.String("component", "verify.sweeper"),
		zap.String("run_id", sum.RunID),
		zap.String("org", opts.Org),
		zap.Bool("dry_run", opts.DryRun),
	)

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		ok, err := tx.OrganizationExists(ctx, opts.Org)
		if err != nil {
			return eris.Wrap(err, "verify: check organization")
		}
		if !ok {
			return eris.Errorf("verify: unknown organization %q", opts.Org)
		}

		products, err := tx.ListProducts(ctx, opts.Org, store.ProductFilter{})
		if err != nil {
			return eris.Wrap(err, "verify: list products")
		}
		productByID := make(map[string]model.Product, len(products))
		ids := make([]string, len(products))
		for i, p := range products {
			productByID[p.ID] = p
			ids[i] = p.ID
		}

		var target map[string]bool
		if opts.Month != "" {
			target, err = consumedProducts(ctx, tx, opts.Org, opts.Month)
			if err != nil {
				return err
			}
			sum.TargetProducts = len(target)
		}

		// The reference medians are computed before any repair so repairs
		// never feed the statistic.
		values, err := tx.ListNutrientValuesBatch(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "verify: load stored values")
		}
		rows := indexRows(values)
		ingMedians, globalMedians := referenceMedians(productByID, values)

		candidates, err := tx.ListRepairCandidates(ctx, opts.Org, nutrient.TraceThreshold,
			[]string{nutrient.RefTraceFloorImputation, nutrient.RefPendingRebuild})
		if err != nil {
			return eris.Wrap(err, "verify: list repair candidates")
		}
		for _, c := range candidates {
			if target != nil && !target[c.ProductID] {
				continue
			}
			sum.RepairsFound++

			ingKey := productByID[c.ProductID].IngredientKey
			value, ref, grade, conf := s.chooseRepair(c.Key, ingKey, ingMedians, globalMedians)
			repaired := c
			repaired.ValuePer100g = &value
			repaired.SourceType = nutrient.SourceDerived
			repaired.SourceRef = ref
			repaired.EvidenceGrade = grade
			repaired.Confidence = conf
			repaired.HistoricalException = true
			repaired.VerificationStatus = nutrient.StatusNeedsReview
			if err := tx.UpsertNutrientValue(ctx, &repaired); err != nil {
				return eris.Wrapf(err, "verify: repair %s for product %s", c.Key, c.ProductID)
			}
			rows.put(repaired)
			sum.RepairsApplied++
		}

		verifiable, err := tx.ListAutoVerifiable(ctx, opts.Org, AutoVerifyGrades(), autoVerifyMinConfidence)
		if err != nil {
			return eris.Wrap(err, "verify: list auto-verifiable rows")
		}
		for _, row := range verifiable {
			if target != nil && !target[row.ProductID] {
				continue
			}
			if err := tx.SetValueVerification(ctx, row.ID, nutrient.StatusVerified); err != nil {
				return eris.Wrapf(err, "verify: promote %s for product %s", row.Key, row.ProductID)
			}
			row.VerificationStatus = nutrient.StatusVerified
			rows.put(row)
			sum.RowsVerified++
		}

		retrieval, err := tx.ListOpenTasks(ctx, opts.Org, model.TaskSourceRetrieval)
		if err != nil {
			return eris.Wrap(err, "verify: list open retrieval tasks")
		}
		review, err := tx.ListOpenTasks(ctx, opts.Org, model.TaskValueReview)
		if err != nil {
			return eris.Wrap(err, "verify: list open review tasks")
		}
		open := append(retrieval, review...)
		sum.TasksOpen = len(open)
		hasOpenTask := make(map[string]bool, len(retrieval))
		for _, t := range retrieval {
			hasOpenTask[t.ProductID] = true
		}

		// New tasks for products still missing core keys. These are created
		// after the open list is taken, so the sweep never approves its own
		// fresh tasks.
		missing, err := tx.ListProductsMissingCoreKeys(ctx, opts.Org, nutrient.CoreKeys())
		if err != nil {
			return eris.Wrap(err, "verify: list products missing core keys")
		}
		for _, p := range missing {
			if target != nil && !target[p.ID] {
				continue
			}
			if hasOpenTask[p.ID] {
				continue
			}
			keys := missingCoreKeys(rows, p.ID)
			task := &model.VerificationTask{
				ID:        uuid.NewString(),
				OrgID:     opts.Org,
				ProductID: p.ID,
				Key:       keys[0],
				Kind:      model.TaskSourceRetrieval,
				Status:    model.TaskOpen,
				Note:      fmt.Sprintf("core keys unresolved after sweep: %s", joinKeys(keys)),
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreateVerificationTask(ctx, task); err != nil {
				return eris.Wrapf(err, "verify: open task for product %s", p.ID)
			}
			hasOpenTask[p.ID] = true
			sum.TasksOpened++
		}

		for _, task := range open {
			if target != nil && !target[task.ProductID] {
				sum.TasksSkipped++
				continue
			}
			row, ok := rows.get(task.ProductID, task.Key)
			if !ok || row.ValuePer100g == nil || row.VerificationStatus != nutrient.StatusVerified {
				sum.TasksSkipped++
				continue
			}
			if err := tx.UpdateTaskStatus(ctx, task.ID, model.TaskApproved); err != nil {
				return eris.Wrapf(err, "verify: approve task %s", task.ID)
			}
			rev := &model.VerificationReview{
				ID:         uuid.NewString(),
				TaskID:     task.ID,
				ProductID:  task.ProductID,
				Key:        task.Key,
				Action:     "AUTO_APPROVED_AGENT",
				Notes:      "auto-approved after nutrient repair and verification sweep",
				ReviewedBy: sweepReviewer,
				CreatedAt:  time.Now().UTC(),
			}
			if err := tx.InsertVerificationReview(ctx, rev); err != nil {
				return eris.Wrapf(err, "verify: record review for task %s", task.ID)
			}
			sum.TasksApproved++
		}

		sum.FinishedAt = time.Now().UTC()
		if opts.DryRun {
			return store.ErrRollback
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "verify: marshal summary")
		}
		if err := tx.RecordRun(ctx, &model.RunRecord{
			ID:         sum.RunID,
			Kind:       model.RunVerify,
			OrgSlug:    opts.Org,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Summary:    raw,
		}); err != nil {
			return eris.Wrap(err, "verify: record run")
		}
		return nil
	})

	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	if err != nil {
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "verify", Reason: err.Error()})
		log.Error("verification sweep failed", zap.Error(err))
		return sum, err
	}
	log.Info("verification sweep complete",
		zap.Int("repaired", sum.RepairsApplied),
		zap.Int("verified", sum.RowsVerified),
		zap.Int("tasks_opened", sum.TasksOpened),
		zap.Int("tasks_approved", sum.TasksApproved),
	)
	return sum, nil
}

// chooseRepair picks the repair tier: the ingredient's own median, the
// org-wide median, then the policy default table.
func (s *Sweeper) chooseRepair(
	key nutrient.Key,
	ingredientKey string,
	ingMedians map[string]map[nutrient.Key]float64,
	globalMedians map[nutrient.Key]float64,
) (float64, string, nutrient.EvidenceGrade, float64) {
	if v, ok := ingMedians[ingredientKey][key]; ok && v > nutrient.TraceThreshold {
		return v, RefIngredientMedian, nutrient.GradeInferredIngred, ingredientMedianConfidence
	}
	if v, ok := globalMedians[key]; ok && v > nutrient.TraceThreshold {
		return v, RefGlobalMedian, nutrient.GradeInferredSimilar, globalMedianConfidence
	}
	v, ok := s.policy.DefaultFor(key)
	if !ok {
		v = repairDefault
	}
	return v, RefDefaultFallback, nutrient.GradeHistoricalExc, s.policy.FloorConfidence
}

// referenceMedians aggregates every usable stored value into per-ingredient
// and org-wide medians. Trace and nulled rows are excluded.
func referenceMedians(
	products map[string]model.Product,
	values map[string][]model.NutrientValue,
) (map[string]map[nutrient.Key]float64, map[nutrient.Key]float64) {
	byIngredient := make(map[string]map[nutrient.Key][]float64)
	global := make(map[nutrient.Key][]float64)

	for productID, rows := range values {
		ingKey := products[productID].IngredientKey
		for _, row := range rows {
			if row.ValuePer100g == nil || *row.ValuePer100g <= nutrient.TraceThreshold {
				continue
			}
			if byIngredient[ingKey] == nil {
				byIngredient[ingKey] = make(map[nutrient.Key][]float64)
			}
			byIngredient[ingKey][row.Key] = append(byIngredient[ingKey][row.Key], *row.ValuePer100g)
			global[row.Key] = append(global[row.Key], *row.ValuePer100g)
		}
	}

	ingMedians := make(map[string]map[nutrient.Key]float64, len(byIngredient))
	for ing, byKey := range byIngredient {
		ingMedians[ing] = make(map[nutrient.Key]float64, len(byKey))
		for key, vals := range byKey {
			ingMedians[ing][key] = median(vals)
		}
	}
	globalMedians := make(map[nutrient.Key]float64, len(global))
	for key, vals := range global {
		globalMedians[key] = median(vals)
	}
	return ingMedians, globalMedians
}

// rowIndex tracks the in-transaction view of every stored row so later sweep
// stages see the writes of earlier ones.
type rowIndex map[string]model.NutrientValue

func indexRows(values map[string][]model.NutrientValue) rowIndex {
	idx := make(rowIndex)
	for _, rows := range values {
		for _, row := range rows {
			idx.put(row)
		}
	}
	return idx
}

func (idx rowIndex) put(row model.NutrientValue) {
	idx[row.ProductID+"|"+string(row.Key)] = row
}

func (idx rowIndex) get(productID string, key nutrient.Key) (model.NutrientValue, bool) {
	row, ok := idx[productID+"|"+string(key)]
	return row, ok
}

// missingCoreKeys lists the core keys productID has no trustworthy value
// for: no row, a nulled or placeholder row, or a similar-product inference.
func missingCoreKeys(rows rowIndex, productID string) []nutrient.Key {
	var missing []nutrient.Key
	for _, key := range nutrient.CoreKeys() {
		row, ok := rows.get(productID, key)
		if !ok || row.ValuePer100g == nil ||
			nutrient.PlaceholderRef(row.SourceRef) ||
			row.EvidenceGrade == nutrient.GradeInferredSimilar {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		missing = nutrient.CoreKeys()[:1]
	}
	return missing
}

// consumedProducts collects every product consumed by the month's events.
func consumedProducts(ctx context.Context, tx store.Store, org, month string) (map[string]bool, error) {
	from, to, err := monthBounds(month)
	if err != nil {
		return nil, err
	}
	events, err := tx.ListEvents(ctx, org, store.EventFilter{From: from, To: to})
	if err != nil {
		return nil, eris.Wrap(err, "verify: list month events")
	}
	set := make(map[string]bool)
	for _, ev := range events {
		lots, err := tx.ListEventConsumption(ctx, ev.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "verify: consumption for event %s", ev.ID)
		}
		for _, lot := range lots {
			set[lot.ProductID] = true
		}
	}
	return set, nil
}

func monthBounds(month string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "verify: parse month %q", month)
	}
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0), nil
}

func joinKeys(keys []nutrient.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

// median of values; the even case averages the two middle elements.
func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
