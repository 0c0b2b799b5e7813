package source

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
)

func detailRow(number, name, unit string, amount float64) fdc.FoodNutrient {
	return fdc.FoodNutrient{
		Nutrient: fdc.NutrientRef{Number: number, Name: name, UnitName: unit},
		Amount:   f64(amount),
	}
}

func flatRow(name, unit string, value float64) fdc.FoodNutrient {
	return fdc.FoodNutrient{NutrientName: name, UnitName: unit, Value: f64(value)}
}

func TestMapFoodNutrients_NumberMapping(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		detailRow("203", "Protein", "G", 31),
		detailRow("208", "Energy", "KCAL", 165),
		detailRow("601", "Cholesterol", "MG", 85),
	})

	assert.InDelta(t, 31.0, out[nutrient.ProteinG], 1e-9)
	assert.InDelta(t, 165.0, out[nutrient.Kcal], 1e-9)
	assert.InDelta(t, 85.0, out[nutrient.CholesterolMg], 1e-9)
}

func TestMapFoodNutrients_NameFallback(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		flatRow("Protein", "G", 25),
		flatRow("Carbohydrate, by difference", "G", 12),
		flatRow("Total lipid (fat)", "G", 8),
		flatRow("Sodium, Na", "MG", 430),
		flatRow("Starch", "G", 4),
	})

	assert.InDelta(t, 25.0, out[nutrient.ProteinG], 1e-9)
	assert.InDelta(t, 12.0, out[nutrient.CarbG], 1e-9)
	assert.InDelta(t, 8.0, out[nutrient.FatG], 1e-9)
	assert.InDelta(t, 430.0, out[nutrient.SodiumMg], 1e-9)
	assert.Len(t, out, 4, "unknown names contribute nothing")
}

func TestMapFoodNutrients_ExplicitKcalBeatsKilojoules(t *testing.T) {
	kj := detailRow("208", "Energy", "kJ", 418.4)
	kcal := detailRow("1008", "Energy", "KCAL", 170)

	out := mapFoodNutrients([]fdc.FoodNutrient{kj, kcal})
	assert.InDelta(t, 170.0, out[nutrient.Kcal], 1e-9)

	out = mapFoodNutrients([]fdc.FoodNutrient{kcal, kj})
	assert.InDelta(t, 170.0, out[nutrient.Kcal], 1e-9)
}

func TestMapFoodNutrients_FirstRowWinsPerKey(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		detailRow("203", "Protein", "G", 31),
		detailRow("203", "Protein", "G", 29),
	})
	assert.InDelta(t, 31.0, out[nutrient.ProteinG], 1e-9)
}

func TestMapFoodNutrients_DropsNegativeAndUnconvertible(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		detailRow("203", "Protein", "G", -3),
		detailRow("307", "Sodium, Na", "IU", 100),
	})
	assert.Empty(t, out)
}

func TestMapFoodNutrients_ConvertsMassUnits(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		detailRow("301", "Calcium, Ca", "G", 0.12),
	})
	assert.InDelta(t, 120.0, out[nutrient.CalciumMg], 1e-9)
}

func TestMapFoodNutrients_OmegaComponentsSummed(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		flatRow("PUFA 18:3 n-3 c,c,c (ALA)", "G", 0.5),
		flatRow("PUFA 22:6 n-3 (DHA)", "G", 0.2),
		flatRow("PUFA 18:2 n-6 c,c", "G", 1.1),
	})

	assert.InDelta(t, 0.7, out[nutrient.Omega3G], 1e-9)
	assert.InDelta(t, 1.1, out[nutrient.Omega6G], 1e-9)
}

func TestMapFoodNutrients_DirectOmegaRowWinsOverSum(t *testing.T) {
	out := mapFoodNutrients([]fdc.FoodNutrient{
		flatRow("Omega-3 fatty acids", "G", 1.5),
		flatRow("PUFA 18:3 n-3 c,c,c (ALA)", "G", 0.5),
	})
	assert.InDelta(t, 1.5, out[nutrient.Omega3G], 1e-9)
}
