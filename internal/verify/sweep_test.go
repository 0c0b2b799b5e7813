package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// fakeStore covers the store calls both sweep engines make. The embedded
// interface panics on anything else.
type fakeStore struct {
	store.Store

	orgOK       bool
	products    []model.Product
	existing    map[string][]model.NutrientValue
	repairCands []model.NutrientValue
	verifiable  []model.NutrientValue
	missingCore []model.Product
	openTasks   []model.VerificationTask
	bySourceRef []model.NutrientValue
	events      []model.MealServiceEvent
	consumption map[string][]model.ConsumedLot

	lastMarkers     []string
	lastGrades      []nutrient.EvidenceGrade
	lastMinConf     float64
	lastEventFilter store.EventFilter
	lastRef         string

	upserts    []model.NutrientValue
	statusByID map[string]nutrient.VerificationStatus
	taskStatus map[string]model.TaskStatus
	reviews    []model.VerificationReview
	tasks      []model.VerificationTask
	run        *model.RunRecord
	committed  bool
	rolledBack bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgOK:       true,
		existing:    make(map[string][]model.NutrientValue),
		consumption: make(map[string][]model.ConsumedLot),
		statusByID:  make(map[string]nutrient.VerificationStatus),
		taskStatus:  make(map[string]model.TaskStatus),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	err := fn(ctx, f)
	if errors.Is(err, store.ErrRollback) {
		f.rolledBack = true
		return nil
	}
	if err != nil {
		f.rolledBack = true
		return err
	}
	f.committed = true
	return nil
}

func (f *fakeStore) OrganizationExists(_ context.Context, _ string) (bool, error) {
	return f.orgOK, nil
}

func (f *fakeStore) ListProducts(_ context.Context, _ string, _ store.ProductFilter) ([]model.Product, error) {
	return f.products, nil
}

func (f *fakeStore) ListNutrientValuesBatch(_ context.Context, productIDs []string) (map[string][]model.NutrientValue, error) {
	out := make(map[string][]model.NutrientValue, len(productIDs))
	for _, id := range productIDs {
		out[id] = f.existing[id]
	}
	return out, nil
}

func (f *fakeStore) ListRepairCandidates(_ context.Context, _ string, _ float64, markers []string) ([]model.NutrientValue, error) {
	f.lastMarkers = markers
	return f.repairCands, nil
}

func (f *fakeStore) ListAutoVerifiable(_ context.Context, _ string, grades []nutrient.EvidenceGrade, minConfidence float64) ([]model.NutrientValue, error) {
	f.lastGrades = grades
	f.lastMinConf = minConfidence
	return f.verifiable, nil
}

func (f *fakeStore) SetValueVerification(_ context.Context, id string, status nutrient.VerificationStatus) error {
	f.statusByID[id] = status
	return nil
}

func (f *fakeStore) ListOpenTasks(_ context.Context, _ string, kind model.TaskKind) ([]model.VerificationTask, error) {
	var out []model.VerificationTask
	for _, t := range f.openTasks {
		if t.Kind == kind && t.Status == model.TaskOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListProductsMissingCoreKeys(_ context.Context, _ string, _ []nutrient.Key) ([]model.Product, error) {
	return f.missingCore, nil
}

func (f *fakeStore) CreateVerificationTask(_ context.Context, task *model.VerificationTask) error {
	f.tasks = append(f.tasks, *task)
	return nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, id string, status model.TaskStatus) error {
	f.taskStatus[id] = status
	return nil
}

func (f *fakeStore) InsertVerificationReview(_ context.Context, rev *model.VerificationReview) error {
	f.reviews = append(f.reviews, *rev)
	return nil
}

func (f *fakeStore) UpsertNutrientValue(_ context.Context, v *model.NutrientValue) error {
	if v.ID == "" {
		v.ID = fmt.Sprintf("nv-%d", len(f.upserts)+1)
	}
	f.upserts = append(f.upserts, *v)
	return nil
}

func (f *fakeStore) ListValuesBySourceRef(_ context.Context, _ string, ref string) ([]model.NutrientValue, error) {
	f.lastRef = ref
	return f.bySourceRef, nil
}

func (f *fakeStore) ListEvents(_ context.Context, _ string, filter store.EventFilter) ([]model.MealServiceEvent, error) {
	f.lastEventFilter = filter
	return f.events, nil
}

func (f *fakeStore) ListEventConsumption(_ context.Context, eventID string) ([]model.ConsumedLot, error) {
	return f.consumption[eventID], nil
}

func (f *fakeStore) RecordRun(_ context.Context, run *model.RunRecord) error {
	f.run = run
	return nil
}

func (f *fakeStore) upserted(productID string, key nutrient.Key) *model.NutrientValue {
	for i := range f.upserts {
		if f.upserts[i].ProductID == productID && f.upserts[i].Key == key {
			return &f.upserts[i]
		}
	}
	return nil
}

func f64(v float64) *float64 { return &v }

func product(id, ingredientKey string) model.Product {
	return model.Product{
		ID:             id,
		OrganizationID: "acme",
		IngredientKey:  ingredientKey,
		IngredientName: ingredientKey,
		Name:           id,
	}
}

func storedRow(id, productID string, key nutrient.Key, value *float64) model.NutrientValue {
	return model.NutrientValue{
		ID:                 id,
		ProductID:          productID,
		Key:                key,
		ValuePer100g:       value,
		Unit:               key.Unit(),
		SourceType:         nutrient.SourceUSDA,
		SourceRef:          "fdc:12345",
		EvidenceGrade:      nutrient.GradeUSDABranded,
		Confidence:         0.9,
		VerificationStatus: nutrient.StatusUnverified,
	}
}

func TestSweeper_RepairsByTier(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{
		product("p-oats", "rolled_oats"),
		product("p-oats2", "rolled_oats"),
		product("p-lone", "saffron"),
	}
	f.existing["p-oats"] = []model.NutrientValue{
		storedRow("nv-oats-kcal", "p-oats", nutrient.Kcal, f64(389)),
		storedRow("nv-oats-fiber", "p-oats", nutrient.FiberG, f64(0.0001)),
	}
	f.existing["p-oats2"] = []model.NutrientValue{
		storedRow("nv-oats2-kcal", "p-oats2", nutrient.Kcal, f64(380)),
		storedRow("nv-oats2-fiber", "p-oats2", nutrient.FiberG, f64(10)),
	}
	f.repairCands = []model.NutrientValue{
		storedRow("nv-oats-fiber", "p-oats", nutrient.FiberG, f64(0.0001)),
		storedRow("nv-lone-kcal", "p-lone", nutrient.Kcal, nil),
		storedRow("nv-lone-omega", "p-lone", nutrient.Omega3G, nil),
	}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{Org: "acme"})
	require.NoError(t, err)
	assert.True(t, f.committed)

	assert.Equal(t, 3, sum.RepairsFound)
	assert.Equal(t, 3, sum.RepairsApplied)
	assert.Equal(t,
		[]string{nutrient.RefTraceFloorImputation, nutrient.RefPendingRebuild},
		f.lastMarkers,
	)

	// Tier 1: the sibling product's fiber median.
	fiber := f.upserted("p-oats", nutrient.FiberG)
	require.NotNil(t, fiber)
	assert.Equal(t, 10.0, *fiber.ValuePer100g)
	assert.Equal(t, RefIngredientMedian, fiber.SourceRef)
	assert.Equal(t, nutrient.GradeInferredIngred, fiber.EvidenceGrade)
	assert.Equal(t, 0.65, fiber.Confidence)
	assert.Equal(t, nutrient.SourceDerived, fiber.SourceType)
	assert.True(t, fiber.HistoricalException)
	assert.Equal(t, nutrient.StatusNeedsReview, fiber.VerificationStatus)

	// Tier 2: the org-wide kcal median of 389 and 380.
	kcal := f.upserted("p-lone", nutrient.Kcal)
	require.NotNil(t, kcal)
	assert.Equal(t, 384.5, *kcal.ValuePer100g)
	assert.Equal(t, RefGlobalMedian, kcal.SourceRef)
	assert.Equal(t, nutrient.GradeInferredSimilar, kcal.EvidenceGrade)
	assert.Equal(t, 0.45, kcal.Confidence)

	// Tier 3: the policy default table.
	omega := f.upserted("p-lone", nutrient.Omega3G)
	require.NotNil(t, omega)
	assert.Equal(t, 0.06, *omega.ValuePer100g)
	assert.Equal(t, RefDefaultFallback, omega.SourceRef)
	assert.Equal(t, nutrient.GradeHistoricalExc, omega.EvidenceGrade)
	assert.Equal(t, 0.25, omega.Confidence)

	require.NotNil(t, f.run)
	assert.Equal(t, model.RunVerify, f.run.Kind)
	var recorded SweepSummary
	require.NoError(t, json.Unmarshal(f.run.Summary, &recorded))
	assert.Equal(t, 3, recorded.RepairsApplied)
}

func TestSweeper_PromotesTrustedRows(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{product("p-1", "chicken_breast")}
	f.verifiable = []model.NutrientValue{
		storedRow("nv-10", "p-1", nutrient.Kcal, f64(165)),
	}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{Org: "acme"})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.RowsVerified)
	assert.Equal(t, nutrient.StatusVerified, f.statusByID["nv-10"])
	assert.Equal(t, AutoVerifyGrades(), f.lastGrades)
	assert.Equal(t, 0.8, f.lastMinConf)
}

func TestSweeper_OpensAndApprovesTasks(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{
		product("p-gap", "quinoa"),
		product("p-done", "chicken_breast"),
		product("p-stuck", "lentils"),
	}
	// p-gap: kcal good, protein absent, carb nulled, fat donor-inferred.
	gapFat := storedRow("nv-gap-fat", "p-gap", nutrient.FatG, f64(2))
	gapFat.EvidenceGrade = nutrient.GradeInferredSimilar
	f.existing["p-gap"] = []model.NutrientValue{
		storedRow("nv-gap-kcal", "p-gap", nutrient.Kcal, f64(120)),
		storedRow("nv-gap-carb", "p-gap", nutrient.CarbG, nil),
		gapFat,
	}
	doneKcal := storedRow("nv-done-kcal", "p-done", nutrient.Kcal, f64(165))
	doneKcal.VerificationStatus = nutrient.StatusVerified
	f.existing["p-done"] = []model.NutrientValue{doneKcal}

	f.missingCore = []model.Product{product("p-gap", "quinoa")}
	f.openTasks = []model.VerificationTask{
		{
			ID: "task-a", OrgID: "acme", ProductID: "p-done", Key: nutrient.Kcal,
			Kind: model.TaskSourceRetrieval, Status: model.TaskOpen,
		},
		{
			ID: "task-b", OrgID: "acme", ProductID: "p-stuck", Key: nutrient.ProteinG,
			Kind: model.TaskValueReview, Status: model.TaskOpen,
		},
	}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{Org: "acme"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.TasksOpen)
	assert.Equal(t, 1, sum.TasksOpened)
	assert.Equal(t, 1, sum.TasksApproved)
	assert.Equal(t, 1, sum.TasksSkipped)

	require.Len(t, f.tasks, 1)
	created := f.tasks[0]
	assert.Equal(t, "p-gap", created.ProductID)
	assert.Equal(t, nutrient.ProteinG, created.Key)
	assert.Equal(t, model.TaskSourceRetrieval, created.Kind)
	assert.Contains(t, created.Note, "protein_g")
	assert.Contains(t, created.Note, "carb_g")
	assert.Contains(t, created.Note, "fat_g")

	assert.Equal(t, model.TaskApproved, f.taskStatus["task-a"])
	_, touched := f.taskStatus["task-b"]
	assert.False(t, touched)

	require.Len(t, f.reviews, 1)
	rev := f.reviews[0]
	assert.Equal(t, "task-a", rev.TaskID)
	assert.Equal(t, "AUTO_APPROVED_AGENT", rev.Action)
	assert.Equal(t, sweepReviewer, rev.ReviewedBy)
}

func TestSweeper_ApprovesAfterOwnPromotion(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{product("p-1", "chicken_breast")}
	row := storedRow("nv-1", "p-1", nutrient.Kcal, f64(165))
	f.existing["p-1"] = []model.NutrientValue{row}
	f.verifiable = []model.NutrientValue{row}
	f.openTasks = []model.VerificationTask{{
		ID: "task-1", OrgID: "acme", ProductID: "p-1", Key: nutrient.Kcal,
		Kind: model.TaskSourceRetrieval, Status: model.TaskOpen,
	}}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{Org: "acme"})
	require.NoError(t, err)

	// The promotion this run made the task approvable.
	assert.Equal(t, 1, sum.RowsVerified)
	assert.Equal(t, 1, sum.TasksApproved)
	assert.Equal(t, model.TaskApproved, f.taskStatus["task-1"])
}

func TestSweeper_MonthScopesToConsumedProducts(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{
		product("p-in", "chicken_breast"),
		product("p-out", "chicken_breast"),
	}
	f.events = []model.MealServiceEvent{{ID: "evt-jul", OrganizationID: "acme"}}
	f.consumption["evt-jul"] = []model.ConsumedLot{{ProductID: "p-in"}}
	f.repairCands = []model.NutrientValue{
		storedRow("nv-in", "p-in", nutrient.Kcal, nil),
		storedRow("nv-out", "p-out", nutrient.Kcal, nil),
	}
	f.verifiable = []model.NutrientValue{
		storedRow("nv-in-2", "p-in", nutrient.ProteinG, f64(31)),
		storedRow("nv-out-2", "p-out", nutrient.ProteinG, f64(30)),
	}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{
		Org:   "acme",
		Month: "2025-07",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.TargetProducts)
	assert.Equal(t, 1, sum.RepairsFound)
	assert.Equal(t, 1, sum.RowsVerified)
	assert.NotNil(t, f.upserted("p-in", nutrient.Kcal))
	assert.Nil(t, f.upserted("p-out", nutrient.Kcal))
	assert.Contains(t, f.statusByID, "nv-in-2")
	assert.NotContains(t, f.statusByID, "nv-out-2")

	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), f.lastEventFilter.From)
	assert.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), f.lastEventFilter.To)
}

func TestSweeper_DryRunRollsBack(t *testing.T) {
	f := newFakeStore()
	f.products = []model.Product{product("p-1", "chicken_breast")}
	f.repairCands = []model.NutrientValue{
		storedRow("nv-1", "p-1", nutrient.Kcal, nil),
	}

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{
		Org:    "acme",
		DryRun: true,
	})
	require.NoError(t, err)
	assert.True(t, f.rolledBack)
	assert.False(t, f.committed)
	assert.Nil(t, f.run)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.RepairsApplied)
}

func TestSweeper_UnknownOrganization(t *testing.T) {
	f := newFakeStore()
	f.orgOK = false

	sum, err := NewSweeper(f, policy.Default()).Run(context.Background(), SweepOptions{Org: "ghost"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown organization")
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "verify", sum.Errors[0].Stage)
}

func TestMissingCoreKeys(t *testing.T) {
	rows := make(rowIndex)
	rows.put(storedRow("a", "p", nutrient.Kcal, f64(100)))
	rows.put(storedRow("b", "p", nutrient.CarbG, nil))
	inferred := storedRow("c", "p", nutrient.FatG, f64(3))
	inferred.EvidenceGrade = nutrient.GradeInferredSimilar
	rows.put(inferred)

	assert.Equal(t,
		[]nutrient.Key{nutrient.ProteinG, nutrient.CarbG, nutrient.FatG},
		missingCoreKeys(rows, "p"),
	)

	// A store disagreement still yields a usable task key.
	full := make(rowIndex)
	for _, key := range nutrient.CoreKeys() {
		full.put(storedRow("x"+string(key), "p", key, f64(1)))
	}
	assert.Equal(t, []nutrient.Key{nutrient.Kcal}, missingCoreKeys(full, "p"))
}
