package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// medianStore stubs only the stored-median query; every other Store method
// panics through the embedded nil interface.
type medianStore struct {
	store.Store
	mu          sync.Mutex
	calls       map[nutrient.Key]int
	values      map[nutrient.Key][]float64
	err         error
	lastExclude bool
}

func (m *medianStore) StoredKeyValues(_ context.Context, _ string, key nutrient.Key, excludeInferred bool) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[nutrient.Key]int)
	}
	m.calls[key]++
	m.lastExclude = excludeInferred
	if m.err != nil {
		return nil, m.err
	}
	return m.values[key], nil
}

func observed(key nutrient.Key, value float64, grade nutrient.EvidenceGrade) func(*Profile) {
	return func(p *Profile) {
		p.force(key, SourceValue{
			Provider:   "existing",
			Value:      value,
			SourceType: nutrient.SourceManual,
			Grade:      grade,
			Confidence: 0.9,
		})
	}
}

func profileWith(id string, mods ...func(*Profile)) *Profile {
	p := NewProfile(id)
	for _, mod := range mods {
		mod(p)
	}
	return p
}

func TestResolver_FillFromDonors_PrefersMostObservedDonor(t *testing.T) {
	rich := profileWith("p-rich",
		observed(nutrient.Kcal, 100, nutrient.GradeOpenFoodFacts),
		observed(nutrient.ProteinG, 20, nutrient.GradeOpenFoodFacts),
	)
	thin := profileWith("p-thin",
		observed(nutrient.Kcal, 220, nutrient.GradeUSDAGeneric),
	)
	needy := profileWith("p-needy")

	r := New(nil, policy.Default())
	filled := r.FillFromDonors([]*Profile{rich, thin, needy})

	// needy gains kcal and protein, thin gains protein: three fills.
	assert.Equal(t, 3, filled)

	w, ok := needy.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.InDelta(t, 100.0, w.Value, 1e-9)
	assert.Equal(t, ProviderDonor, w.Provider)
	assert.Equal(t, nutrient.SourceDerived, w.SourceType)
	assert.Equal(t, nutrient.GradeInferredSimilar, w.Grade)
	assert.Equal(t, "product:p-rich", w.SourceRef)
	assert.InDelta(t, 0.4, w.Confidence, 1e-9)

	w, ok = thin.Winner(nutrient.ProteinG)
	require.True(t, ok)
	assert.Equal(t, "product:p-rich", w.SourceRef)

	// The donor's own directly observed value is untouched.
	w, ok = thin.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.InDelta(t, 220.0, w.Value, 1e-9)
	assert.Equal(t, "existing", w.Provider)
}

func TestResolver_FillFromDonors_TieBreaksByProductID(t *testing.T) {
	second := profileWith("p-2", observed(nutrient.Kcal, 200, nutrient.GradeOpenFoodFacts))
	first := profileWith("p-1", observed(nutrient.Kcal, 100, nutrient.GradeOpenFoodFacts))
	needy := profileWith("p-9")

	r := New(nil, policy.Default())
	r.FillFromDonors([]*Profile{second, first, needy})

	w, ok := needy.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.Equal(t, "product:p-1", w.SourceRef)
	assert.InDelta(t, 100.0, w.Value, 1e-9)
}

func TestResolver_FillFromDonors_CopiesDoNotChain(t *testing.T) {
	// top outranks bottom but lacks kcal until the pass itself fills it;
	// needy must still take kcal from bottom, the pre-pass holder.
	top := profileWith("p-top",
		observed(nutrient.ProteinG, 20, nutrient.GradeOpenFoodFacts),
		observed(nutrient.FatG, 4, nutrient.GradeOpenFoodFacts),
	)
	bottom := profileWith("p-bottom",
		observed(nutrient.Kcal, 140, nutrient.GradeUSDAGeneric),
	)
	needy := profileWith("p-needy")

	r := New(nil, policy.Default())
	r.FillFromDonors([]*Profile{top, needy, bottom})

	w, ok := top.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.Equal(t, "product:p-bottom", w.SourceRef)

	w, ok = needy.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.Equal(t, "product:p-bottom", w.SourceRef)
}

func TestResolver_FillFromDonors_SingleProfileNoop(t *testing.T) {
	only := profileWith("p-1")
	r := New(nil, policy.Default())
	assert.Zero(t, r.FillFromDonors([]*Profile{only}))
	assert.Zero(t, only.ResolvedCount())
}

func TestBatchMedians(t *testing.T) {
	profiles := []*Profile{
		profileWith("p-1", observed(nutrient.Kcal, 300, nutrient.GradeOpenFoodFacts)),
		profileWith("p-2", observed(nutrient.Kcal, 100, nutrient.GradeOpenFoodFacts), observed(nutrient.ProteinG, 10, nutrient.GradeUSDAGeneric)),
		profileWith("p-3", observed(nutrient.Kcal, 200, nutrient.GradeOpenFoodFacts), observed(nutrient.ProteinG, 20, nutrient.GradeUSDAGeneric)),
	}

	medians := BatchMedians(profiles)
	assert.InDelta(t, 200.0, medians[nutrient.Kcal], 1e-9)
	assert.InDelta(t, 15.0, medians[nutrient.ProteinG], 1e-9)
	assert.NotContains(t, medians, nutrient.FatG)
}

func TestResolver_FillFromGlobal_CascadeOrder(t *testing.T) {
	st := &medianStore{values: map[nutrient.Key][]float64{
		nutrient.ProteinG: {10, 30, 20},
	}}
	pol := policy.Default()
	pol.Defaults = map[nutrient.Key]float64{nutrient.CarbG: 15}

	r := New(nil, pol).WithStore(st, "org-1")
	prof := NewProfile("p-1")
	batch := map[nutrient.Key]float64{nutrient.Kcal: 150}

	filled, err := r.FillFromGlobal(context.Background(), prof, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, filled)

	w, ok := prof.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.InDelta(t, 150.0, w.Value, 1e-9)
	assert.Equal(t, RefBatchMedian, w.SourceRef)

	w, ok = prof.Winner(nutrient.ProteinG)
	require.True(t, ok)
	assert.InDelta(t, 20.0, w.Value, 1e-9)
	assert.Equal(t, RefStoreMedian, w.SourceRef)
	assert.True(t, st.lastExclude)

	w, ok = prof.Winner(nutrient.CarbG)
	require.True(t, ok)
	assert.InDelta(t, 15.0, w.Value, 1e-9)
	assert.Equal(t, RefDefaultTable, w.SourceRef)

	for _, w := range []nutrient.Key{nutrient.Kcal, nutrient.ProteinG, nutrient.CarbG} {
		win, _ := prof.Winner(w)
		assert.Equal(t, ProviderGlobal, win.Provider)
		assert.Equal(t, nutrient.GradeInferredSimilar, win.Grade)
		assert.InDelta(t, 0.25, win.Confidence, 1e-9)
		assert.False(t, win.HistoricalException)
	}

	// Nothing covers fat_g: no batch value, empty store, no default.
	assert.False(t, prof.Resolved(nutrient.FatG))
}

func TestResolver_FillFromGlobal_SkipsResolvedKeys(t *testing.T) {
	pol := policy.Default()
	r := New(nil, pol)
	prof := profileWith("p-1", observed(nutrient.Kcal, 120, nutrient.GradeOpenFoodFacts))

	filled, err := r.FillFromGlobal(context.Background(), prof, map[nutrient.Key]float64{nutrient.Kcal: 999})
	require.NoError(t, err)

	w, ok := prof.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.InDelta(t, 120.0, w.Value, 1e-9)
	assert.Equal(t, "existing", w.Provider)

	// Every other key lands on the default table.
	assert.Equal(t, len(nutrient.AllKeys())-1, filled)
}

func TestResolver_FillFromGlobal_BackfillMarksHistorical(t *testing.T) {
	pol := policy.Default()
	pol.Defaults = map[nutrient.Key]float64{nutrient.Kcal: 120}

	r := New(nil, pol).WithBackfill(true)
	prof := NewProfile("p-1")
	_, err := r.FillFromGlobal(context.Background(), prof, nil)
	require.NoError(t, err)

	w, ok := prof.Winner(nutrient.Kcal)
	require.True(t, ok)
	assert.True(t, w.HistoricalException)
}

func TestResolver_FillFromGlobal_MemoizesStoreMedians(t *testing.T) {
	st := &medianStore{values: map[nutrient.Key][]float64{
		nutrient.Kcal: {100, 200},
	}}
	pol := policy.Default()
	pol.Defaults = nil

	r := New(nil, pol).WithStore(st, "org-1")
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		prof := NewProfile(id)
		_, err := r.FillFromGlobal(context.Background(), prof, nil)
		require.NoError(t, err)
		w, ok := prof.Winner(nutrient.Kcal)
		require.True(t, ok)
		assert.InDelta(t, 150.0, w.Value, 1e-9)
	}

	// One query per key for the whole run, hits and empties alike.
	assert.Equal(t, 1, st.calls[nutrient.Kcal])
	assert.Equal(t, 1, st.calls[nutrient.ProteinG])
}

func TestResolver_FillFromGlobal_StoreErrorAborts(t *testing.T) {
	st := &medianStore{err: eris.New("store: connection reset")}
	pol := policy.Default()

	r := New(nil, pol).WithStore(st, "org-1")
	_, err := r.FillFromGlobal(context.Background(), NewProfile("p-1"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored values")
}
