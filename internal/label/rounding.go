package label

import "math"

// Stepped rounding rules for the nutrition-facts panel. Each nutrient class
// declares zero below its floor and widens the rounding increment as the
// quantity grows.

// roundCalories: <5 declares 0, 5-50 rounds to the nearest 5, above 50 to
// the nearest 10.
func roundCalories(v float64) int {
	if v < 5 {
		return 0
	}
	if v <= 50 {
		return int(math.Round(v/5) * 5)
	}
	return int(math.Round(v/10) * 10)
}

// roundFatLike covers total, saturated, and trans fat: <0.5 declares 0,
// below 5 rounds to the nearest 0.5 g, above to the nearest whole gram.
func roundFatLike(v float64) float64 {
	if v < 0.5 {
		return 0
	}
	if v < 5 {
		return math.Round(v*2) / 2
	}
	return math.Round(v)
}

// roundGeneralG covers carbohydrate, fiber, sugars, and protein: <0.5
// declares 0, otherwise nearest whole gram.
func roundGeneralG(v float64) int {
	if v < 0.5 {
		return 0
	}
	return int(math.Round(v))
}

// roundSodiumMg: <5 declares 0, 5-140 rounds to the nearest 5 mg, above 140
// to the nearest 10.
func roundSodiumMg(v float64) int {
	if v < 5 {
		return 0
	}
	if v <= 140 {
		return int(math.Round(v/5) * 5)
	}
	return int(math.Round(v/10) * 10)
}

// roundCholesterolMg: <2 declares 0, otherwise nearest 5 mg.
func roundCholesterolMg(v float64) int {
	if v < 2 {
		return 0
	}
	return int(math.Round(v/5) * 5)
}
