// Package units canonicalizes nutrient unit strings and converts amounts
// between them. Conversion is deliberately narrow: energy, the metric mass
// ladder, and the two IU vitamins with fixed FDA equivalence factors.
// Anything else is unconvertible and reported as absent, never as zero.
package units

import (
	"strings"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Canonical unit tokens produced by Normalize.
const (
	Gram      = "g"
	Milligram = "mg"
	Microgram = "mcg"
	Kcal      = "kcal"
	Kilojoule = "kj"
	IU        = "iu"
)

// kJ per kcal.
const kcalPerKilojoule = 4.184

// IU equivalence factors, mcg per IU.
const (
	vitaminDMcgPerIU = 0.025
	vitaminAMcgPerIU = 0.3
)

var unitAliases = map[string]string{
	"g":          Gram,
	"gram":       Gram,
	"grams":      Gram,
	"mg":         Milligram,
	"milligram":  Milligram,
	"milligrams": Milligram,
	"ug":         Microgram,
	"mcg":        Microgram,
	"microgram":  Microgram,
	"micrograms": Microgram,
	"kcal":       Kcal,
	"kcalorie":   Kcal,
	"calorie":    Kcal,
	"calories":   Kcal,
	"cal":        Kcal,
	"kj":         Kilojoule,
	"kjoule":     Kilojoule,
	"kilojoule":  Kilojoule,
	"kilojoules": Kilojoule,
	"iu":         IU,
	"i.u.":       IU,
}

// gramsPer maps each mass unit to its size in grams.
var gramsPer = map[string]float64{
	Gram:      1,
	Milligram: 1e-3,
	Microgram: 1e-6,
}

// Normalize maps a free-text unit spelling to its canonical token, or ""
// when the unit is unrecognized. Both micro-sign variants fold to "mcg".
func Normalize(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	u = strings.ReplaceAll(u, "μ", "u") // greek mu
	u = strings.ReplaceAll(u, "µ", "u") // micro sign
	if canon, ok := unitAliases[u]; ok {
		return canon
	}
	return ""
}

// Convert converts value from one canonical unit to another for the given
// key. The second return is false when the pairing is unconvertible; callers
// must treat that as "this candidate contributes nothing for this key".
func Convert(value float64, from, to string, key nutrient.Key) (float64, bool) {
	if from == to && from != "" {
		return value, true
	}
	if to == Kcal {
		switch from {
		case Kcal:
			return value, true
		case Kilojoule:
			return value / kcalPerKilojoule, true
		}
		return 0, false
	}
	if from == IU {
		switch {
		case key == nutrient.VitaminDMcg && to == Microgram:
			return value * vitaminDMcgPerIU, true
		case key == nutrient.VitaminAMcg && to == Microgram:
			return value * vitaminAMcgPerIU, true
		}
		return 0, false
	}
	fg, okFrom := gramsPer[from]
	tg, okTo := gramsPer[to]
	if !okFrom || !okTo {
		return 0, false
	}
	return value * fg / tg, true
}

// Canonicalize normalizes rawUnit and converts value into key's canonical
// unit in one step.
func Canonicalize(value float64, rawUnit string, key nutrient.Key) (float64, bool) {
	from := Normalize(rawUnit)
	if from == "" {
		return 0, false
	}
	return Convert(value, from, key.Unit(), key)
}
