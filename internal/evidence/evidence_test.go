package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

func TestAggregate_Empty(t *testing.T) {
	s := Aggregate(nil)

	assert.Equal(t, 0, s.TotalRows)
	assert.False(t, s.Provisional)
	assert.Empty(t, s.ReasonCodes)
	assert.Empty(t, s.SourceRefs)
	assert.Nil(t, s.GradeBreakdown)
}

func TestAggregate_AllVerified(t *testing.T) {
	rows := []model.EvidenceRow{
		{Grade: nutrient.GradeVerifiedManual, Status: nutrient.StatusVerified, SourceRef: "manual:qa-team"},
		{Grade: nutrient.GradeOpenFoodFacts, Status: nutrient.StatusVerified, SourceRef: "https://world.openfoodfacts.org/product/123"},
	}

	s := Aggregate(rows)

	assert.Equal(t, 2, s.TotalRows)
	assert.Equal(t, 2, s.VerifiedCount)
	assert.Equal(t, 0, s.UnverifiedCount)
	assert.Equal(t, 0, s.InferredCount)
	assert.Equal(t, 0, s.ExceptionCount)
	assert.False(t, s.Provisional)
	assert.Empty(t, s.ReasonCodes)
	assert.Equal(t, 1, s.GradeBreakdown[nutrient.GradeVerifiedManual])
	assert.Equal(t, 1, s.GradeBreakdown[nutrient.GradeOpenFoodFacts])
}

func TestAggregate_Counting(t *testing.T) {
	tests := []struct {
		name        string
		row         model.EvidenceRow
		inferred    int
		exception   int
		unverified  int
		provisional bool
		reasons     []string
	}{
		{
			name:        "unverified status",
			row:         model.EvidenceRow{Grade: nutrient.GradeUSDABranded, Status: nutrient.StatusUnverified},
			unverified:  1,
			provisional: true,
			reasons:     []string{ReasonUnverifiedSource},
		},
		{
			name:        "needs review counts as unverified",
			row:         model.EvidenceRow{Grade: nutrient.GradeUSDAGeneric, Status: nutrient.StatusNeedsReview},
			unverified:  1,
			provisional: true,
			reasons:     []string{ReasonUnverifiedSource},
		},
		{
			name:        "inferred grade",
			row:         model.EvidenceRow{Grade: nutrient.GradeInferredIngred, Status: nutrient.StatusVerified},
			inferred:    1,
			provisional: true,
		},
		{
			name:        "historical exception flag",
			row:         model.EvidenceRow{Grade: nutrient.GradeUSDABranded, Status: nutrient.StatusVerified, HistoricalException: true},
			exception:   1,
			provisional: true,
			reasons:     []string{ReasonHistoricalException},
		},
		{
			name:        "exception grade without flag",
			row:         model.EvidenceRow{Grade: nutrient.GradeHistoricalExc, Status: nutrient.StatusVerified},
			exception:   1,
			provisional: true,
			reasons:     []string{ReasonHistoricalException},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate([]model.EvidenceRow{tt.row})

			assert.Equal(t, tt.inferred, s.InferredCount, "inferred")
			assert.Equal(t, tt.exception, s.ExceptionCount, "exception")
			assert.Equal(t, tt.unverified, s.UnverifiedCount, "unverified")
			assert.Equal(t, tt.provisional, s.Provisional, "provisional")
			if tt.reasons == nil {
				assert.Empty(t, s.ReasonCodes)
			} else {
				assert.Equal(t, tt.reasons, s.ReasonCodes)
			}
		})
	}
}

func TestAggregate_SyntheticRowForcesReasonCodes(t *testing.T) {
	rows := []model.EvidenceRow{
		{Grade: nutrient.GradeVerifiedManual, Status: nutrient.StatusVerified, SyntheticLot: true},
	}

	s := Aggregate(rows)

	assert.True(t, s.Provisional)
	assert.Contains(t, s.ReasonCodes, ReasonSyntheticLotUsage)
	assert.Contains(t, s.ReasonCodes, ReasonHistoricalException)
	// The row itself is verified and non-exception; only the codes change.
	assert.Equal(t, 1, s.VerifiedCount)
	assert.Equal(t, 0, s.ExceptionCount)
}

func TestAggregate_SourceRefsDeduplicatedSorted(t *testing.T) {
	rows := []model.EvidenceRow{
		{Status: nutrient.StatusVerified, SourceRef: "b"},
		{Status: nutrient.StatusVerified, SourceRef: "a"},
		{Status: nutrient.StatusVerified, SourceRef: "b"},
	}

	s := Aggregate(rows)

	assert.Equal(t, []string{"a", "b"}, s.SourceRefs)
	assert.Equal(t, 3, s.TotalRows)
}

func TestFromLots_SyntheticLotStampsRows(t *testing.T) {
	lots := []model.ConsumedLot{
		{
			Synthetic: true,
			Evidence: []model.EvidenceRow{
				{Grade: nutrient.GradeVerifiedManual, Status: nutrient.StatusVerified},
			},
		},
		{
			Evidence: []model.EvidenceRow{
				{Grade: nutrient.GradeUSDABranded, Status: nutrient.StatusVerified},
			},
		},
	}

	s := FromLots(lots)

	assert.Equal(t, 2, s.TotalRows)
	assert.True(t, s.Provisional)
	assert.Contains(t, s.ReasonCodes, ReasonSyntheticLotUsage)
}

func TestFromLots_SyntheticLotWithoutRowsStillTaints(t *testing.T) {
	lots := []model.ConsumedLot{
		{Synthetic: true},
		{Evidence: []model.EvidenceRow{{Grade: nutrient.GradeVerifiedManual, Status: nutrient.StatusVerified}}},
	}

	s := FromLots(lots)

	assert.Equal(t, 1, s.TotalRows)
	assert.Equal(t, 1, s.VerifiedCount)
	assert.True(t, s.Provisional)
	assert.Equal(t, []string{ReasonHistoricalException, ReasonSyntheticLotUsage}, s.ReasonCodes)
}

func TestFromLots_ProvisionalPropagation(t *testing.T) {
	// One provisional lot among verified ones makes the rollup provisional.
	lots := []model.ConsumedLot{
		{Evidence: []model.EvidenceRow{{Grade: nutrient.GradeVerifiedManual, Status: nutrient.StatusVerified}}},
		{Evidence: []model.EvidenceRow{{Grade: nutrient.GradeInferredSimilar, Status: nutrient.StatusNeedsReview}}},
	}

	s := FromLots(lots)

	assert.True(t, s.Provisional)
	assert.Equal(t, 1, s.VerifiedCount)
	assert.Equal(t, 1, s.UnverifiedCount)
	assert.Equal(t, 1, s.InferredCount)
}
