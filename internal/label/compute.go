// Package label computes nutrition-facts payloads from consumed lots.
package label

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// DefaultQAToleranceKcal is the allowed gap between the labeled calories and
// the calories implied by the macro split before the QA check fails.
const DefaultQAToleranceKcal = 20.0

// panelKeys are the nutrition-facts panel rows. They are zero-filled in the
// per-serving map even when no consumed lot supplied a value, so downstream
// renderers never have to handle a missing panel row.
var panelKeys = []nutrient.Key{
	nutrient.Kcal,
	nutrient.FatG,
	nutrient.SatFatG,
	nutrient.TransFatG,
	nutrient.CholesterolMg,
	nutrient.SodiumMg,
	nutrient.CarbG,
	nutrient.FiberG,
	nutrient.SugarsG,
	nutrient.AddedSugarsG,
	nutrient.ProteinG,
}

// RoundedFDA is the panel after stepped rounding. Fat rows keep a half-gram
// resolution; everything else declares whole units.
type RoundedFDA struct {
	Calories      int     `json:"calories"`
	FatG          float64 `json:"fatG"`
	SatFatG       float64 `json:"satFatG"`
	TransFatG     float64 `json:"transFatG"`
	CholesterolMg int     `json:"cholesterolMg"`
	SodiumMg      int     `json:"sodiumMg"`
	CarbG         int     `json:"carbG"`
	FiberG        int     `json:"fiberG"`
	SugarsG       int     `json:"sugarsG"`
	AddedSugarsG  int     `json:"addedSugarsG"`
	ProteinG      int     `json:"proteinG"`
}

// QA is the macro-energy cross-check: calories implied by 4/4/9 against the
// labeled (rounded) calories. Diagnostic only; a failing check never blocks
// a label from freezing.
type QA struct {
	MacroKcal       float64 `json:"macroKcal"`
	LabeledCalories int     `json:"labeledCalories"`
	Delta           float64 `json:"delta"`
	Pass            bool    `json:"pass"`
}

// Payload is the frozen label body for one serving of a SKU.
type Payload struct {
	ServingWeightG        float64                  `json:"servingWeightG"`
	PerServing            map[nutrient.Key]float64 `json:"perServing"`
	RoundedFDA            RoundedFDA               `json:"roundedFda"`
	IngredientDeclaration string                   `json:"ingredientDeclaration"`
	AllergenStatement     string                   `json:"allergenStatement"`
	QA                    QA                       `json:"qa"`
}

// Compute builds the label payload for an event: weighted per-100g totals
// across consumed lots, normalized per serving, rounded per the stepped
// panel rules, plus declarations and the macro-energy QA block. servings
// values of zero or below fall back to 1 so a misconfigured event still
// yields a usable label. A tolerance of zero or below uses
// DefaultQAToleranceKcal.
func Compute(lines []model.RecipeLine, lots []model.ConsumedLot, servings, qaToleranceKcal float64) Payload {
	if servings <= 0 {
		servings = 1
	}
	if qaToleranceKcal <= 0 {
		qaToleranceKcal = DefaultQAToleranceKcal
	}

	totals := make(map[nutrient.Key]float64)
	totalWeight := 0.0
	for _, lot := range lots {
		totalWeight += lot.Grams
		for key, per100 := range lot.Per100g {
			totals[key] += per100 * lot.Grams / 100
		}
	}

	perServing := make(map[nutrient.Key]float64, len(totals))
	for key, total := range totals {
		perServing[key] = total / servings
	}
	for _, key := range panelKeys {
		if _, ok := perServing[key]; !ok {
			perServing[key] = 0
		}
	}

	rounded := RoundedFDA{
		Calories:      roundCalories(perServing[nutrient.Kcal]),
		FatG:          roundFatLike(perServing[nutrient.FatG]),
		SatFatG:       roundFatLike(perServing[nutrient.SatFatG]),
		TransFatG:     roundFatLike(perServing[nutrient.TransFatG]),
		CholesterolMg: roundCholesterolMg(perServing[nutrient.CholesterolMg]),
		SodiumMg:      roundSodiumMg(perServing[nutrient.SodiumMg]),
		CarbG:         roundGeneralG(perServing[nutrient.CarbG]),
		FiberG:        roundGeneralG(perServing[nutrient.FiberG]),
		SugarsG:       roundGeneralG(perServing[nutrient.SugarsG]),
		AddedSugarsG:  roundGeneralG(perServing[nutrient.AddedSugarsG]),
		ProteinG:      roundGeneralG(perServing[nutrient.ProteinG]),
	}

	macroKcal := perServing[nutrient.ProteinG]*4 + perServing[nutrient.CarbG]*4 + perServing[nutrient.FatG]*9
	delta := macroKcal - float64(rounded.Calories)

	return Payload{
		ServingWeightG:        totalWeight / servings,
		PerServing:            perServing,
		RoundedFDA:            rounded,
		IngredientDeclaration: ingredientDeclaration(lines),
		AllergenStatement:     allergenStatement(lines),
		QA: QA{
			MacroKcal:       macroKcal,
			LabeledCalories: rounded.Calories,
			Delta:           delta,
			Pass:            delta <= qaToleranceKcal && delta >= -qaToleranceKcal,
		},
	}
}

// ingredientDeclaration lists ingredient names by descending target grams
// per serving. Ties keep recipe-line order.
func ingredientDeclaration(lines []model.RecipeLine) string {
	sorted := make([]model.RecipeLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TargetGrams > sorted[j].TargetGrams
	})

	names := make([]string, 0, len(sorted))
	for _, l := range sorted {
		names = append(names, l.IngredientName)
	}
	return "Ingredients: " + strings.Join(names, ", ")
}

// allergenStatement declares the subset of the 9 major allergens present on
// any contributing ingredient, or the explicit none-of-9 sentence.
func allergenStatement(lines []model.RecipeLine) string {
	present := make(map[string]struct{})
	for _, l := range lines {
		for _, tag := range l.Allergens {
			if nutrient.MajorAllergen(tag) {
				present[tag] = struct{}{}
			}
		}
	}
	if len(present) == 0 {
		return "Contains: None of the 9 major allergens"
	}

	display := make([]string, 0, len(present))
	for tag := range present {
		display = append(display, strings.ReplaceAll(tag, "_", " "))
	}
	sort.Strings(display)
	return fmt.Sprintf("Contains: %s", strings.Join(display, ", "))
}
