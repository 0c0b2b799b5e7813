package label

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

func TestRoundCalories(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{4.9, 0},
		{5.0, 5},
		{7.4, 5},
		{7.5, 10},
		{50, 50},
		{51, 50},       // nearest-10 band starts above 50
		{55, 60},
		{162.5, 160},
		{167, 170},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundCalories(tt.in), "roundCalories(%v)", tt.in)
	}
}

func TestRoundFatLike(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{0.49, 0},
		{0.5, 0.5},
		{1.3, 1.5},
		{1.2, 1},
		{4.9, 5},
		{5.0, 5},
		{5.4, 5},
		{5.6, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundFatLike(tt.in), "roundFatLike(%v)", tt.in)
	}
}

func TestRoundGeneralG(t *testing.T) {
	assert.Equal(t, 0, roundGeneralG(0.49))
	assert.Equal(t, 1, roundGeneralG(0.5))
	assert.Equal(t, 23, roundGeneralG(23.4))
	assert.Equal(t, 24, roundGeneralG(23.6))
}

func TestRoundSodiumMg(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{4.9, 0},
		{5, 5},
		{137, 135},
		{140, 140},
		{141, 140}, // nearest-10 band starts above 140
		{146, 150},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundSodiumMg(tt.in), "roundSodiumMg(%v)", tt.in)
	}
}

func TestRoundCholesterolMg(t *testing.T) {
	assert.Equal(t, 0, roundCholesterolMg(1.9))
	assert.Equal(t, 0, roundCholesterolMg(2)) // 2/5 rounds down
	assert.Equal(t, 5, roundCholesterolMg(3))
	assert.Equal(t, 75, roundCholesterolMg(73))
}

func TestCompute_WeightedTotalsAndServings(t *testing.T) {
	// Two lots: 150g at 200 kcal/100g and 50g at 50 kcal/100g over two
	// servings: total 325 kcal, per serving 162.5, labeled 160.
	lots := []model.ConsumedLot{
		{Grams: 150, Per100g: map[nutrient.Key]float64{nutrient.Kcal: 200}},
		{Grams: 50, Per100g: map[nutrient.Key]float64{nutrient.Kcal: 50}},
	}

	p := Compute(nil, lots, 2, 0)

	assert.InDelta(t, 162.5, p.PerServing[nutrient.Kcal], 1e-9)
	assert.Equal(t, 160, p.RoundedFDA.Calories)
	assert.InDelta(t, 100.0, p.ServingWeightG, 1e-9)
}

func TestCompute_ZeroServingsFallsBackToOne(t *testing.T) {
	lots := []model.ConsumedLot{
		{Grams: 100, Per100g: map[nutrient.Key]float64{nutrient.Kcal: 80}},
	}

	p := Compute(nil, lots, 0, 0)

	assert.InDelta(t, 80.0, p.PerServing[nutrient.Kcal], 1e-9)
	assert.Equal(t, 80, p.RoundedFDA.Calories)
}

func TestCompute_PanelKeysZeroFilled(t *testing.T) {
	p := Compute(nil, nil, 1, 0)

	for _, key := range panelKeys {
		v, ok := p.PerServing[key]
		assert.True(t, ok, "panel key %s missing", key)
		assert.Zero(t, v)
	}
	assert.Equal(t, 0, p.RoundedFDA.Calories)
}

func TestCompute_QACrossCheck(t *testing.T) {
	// 10g protein + 20g carb + 10g fat per serving = 210 macro kcal.
	lots := []model.ConsumedLot{
		{Grams: 100, Per100g: map[nutrient.Key]float64{
			nutrient.Kcal:     205,
			nutrient.ProteinG: 10,
			nutrient.CarbG:    20,
			nutrient.FatG:     10,
		}},
	}

	p := Compute(nil, lots, 1, 0)

	assert.InDelta(t, 210.0, p.QA.MacroKcal, 1e-9)
	assert.Equal(t, 210, p.QA.LabeledCalories)
	assert.InDelta(t, 0.0, p.QA.Delta, 1e-9)
	assert.True(t, p.QA.Pass)
}

func TestCompute_QAFailsOutsideTolerance(t *testing.T) {
	// Labeled 100 kcal but macros imply 210: delta 110, well past 20.
	lots := []model.ConsumedLot{
		{Grams: 100, Per100g: map[nutrient.Key]float64{
			nutrient.Kcal:     100,
			nutrient.ProteinG: 10,
			nutrient.CarbG:    20,
			nutrient.FatG:     10,
		}},
	}

	p := Compute(nil, lots, 1, 0)

	assert.False(t, p.QA.Pass)
	assert.InDelta(t, 110.0, p.QA.Delta, 1e-9)
}

func TestCompute_IngredientDeclarationByDescendingGrams(t *testing.T) {
	lines := []model.RecipeLine{
		{IngredientName: "Brown Rice", TargetGrams: 80},
		{IngredientName: "Chicken Breast", TargetGrams: 150},
		{IngredientName: "Olive Oil", TargetGrams: 10},
	}

	p := Compute(lines, nil, 1, 0)

	assert.Equal(t, "Ingredients: Chicken Breast, Brown Rice, Olive Oil", p.IngredientDeclaration)
}

func TestCompute_AllergenStatement(t *testing.T) {
	lines := []model.RecipeLine{
		{IngredientName: "Noodles", TargetGrams: 100, Allergens: []string{"wheat", "egg"}},
		{IngredientName: "Satay Sauce", TargetGrams: 40, Allergens: []string{"peanuts", "tree_nuts", "spicy"}},
	}

	p := Compute(lines, nil, 1, 0)

	// Non-major tags are dropped; underscores display as spaces.
	assert.Equal(t, "Contains: egg, peanuts, tree nuts, wheat", p.AllergenStatement)
}

func TestCompute_AllergenStatementNoneOfNine(t *testing.T) {
	lines := []model.RecipeLine{
		{IngredientName: "Chicken Breast", TargetGrams: 150, Allergens: []string{"spicy"}},
	}

	p := Compute(lines, nil, 1, 0)

	assert.Equal(t, "Contains: None of the 9 major allergens", p.AllergenStatement)
}
