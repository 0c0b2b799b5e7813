package source

import (
	"regexp"
	"strings"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/units"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
)

// usdaNumberToKey maps FDC legacy nutrient numbers to canonical keys.
// 208 (legacy) and 1008 (newer records) both mean energy in kcal.
var usdaNumberToKey = map[string]nutrient.Key{
	"208":  nutrient.Kcal,
	"1008": nutrient.Kcal,
	"203":  nutrient.ProteinG,
	"205":  nutrient.CarbG,
	"204":  nutrient.FatG,
	"291":  nutrient.FiberG,
	"269":  nutrient.SugarsG,
	"539":  nutrient.AddedSugarsG,
	"606":  nutrient.SatFatG,
	"605":  nutrient.TransFatG,
	"601":  nutrient.CholesterolMg,
	"307":  nutrient.SodiumMg,
	"324":  nutrient.VitaminDMcg,
	"301":  nutrient.CalciumMg,
	"303":  nutrient.IronMg,
	"306":  nutrient.PotassiumMg,
	"320":  nutrient.VitaminAMcg,
	"401":  nutrient.VitaminCMg,
	"323":  nutrient.VitaminEMg,
	"430":  nutrient.VitaminKMcg,
	"404":  nutrient.ThiaminMg,
	"405":  nutrient.RiboflavinMg,
	"406":  nutrient.NiacinMg,
	"415":  nutrient.VitaminB6Mg,
	"417":  nutrient.FolateMcg,
	"418":  nutrient.VitaminB12Mcg,
	"416":  nutrient.BiotinMcg,
	"410":  nutrient.PantothenicMg,
	"305":  nutrient.PhosphorusMg,
	"353":  nutrient.IodineMcg,
	"304":  nutrient.MagnesiumMg,
	"309":  nutrient.ZincMg,
	"317":  nutrient.SeleniumMcg,
	"312":  nutrient.CopperMg,
	"315":  nutrient.ManganeseMg,
	"334":  nutrient.ChromiumMcg,
	"341":  nutrient.MolybdenumMcg,
	"313":  nutrient.ChlorideMg,
	"421":  nutrient.CholineMg,
}

type namePattern struct {
	re  *regexp.Regexp
	key nutrient.Key
}

// usdaNamePatterns is the ordered fallback for rows whose number is missing
// or unknown. Names are matched lowercased; the first hit wins, so exact
// anchors come before loose substrings.
var usdaNamePatterns = []namePattern{
	{regexp.MustCompile(`^protein$`), nutrient.ProteinG},
	{regexp.MustCompile(`carbohydrate, by difference`), nutrient.CarbG},
	{regexp.MustCompile(`total lipid \(fat\)`), nutrient.FatG},
	{regexp.MustCompile(`fiber, total dietary`), nutrient.FiberG},
	{regexp.MustCompile(`sugars, total`), nutrient.SugarsG},
	{regexp.MustCompile(`sugars, added`), nutrient.AddedSugarsG},
	{regexp.MustCompile(`fatty acids, total saturated`), nutrient.SatFatG},
	{regexp.MustCompile(`fatty acids, total trans`), nutrient.TransFatG},
	{regexp.MustCompile(`^cholesterol`), nutrient.CholesterolMg},
	{regexp.MustCompile(`^sodium, na`), nutrient.SodiumMg},
	{regexp.MustCompile(`vitamin d`), nutrient.VitaminDMcg},
	{regexp.MustCompile(`^calcium, ca`), nutrient.CalciumMg},
	{regexp.MustCompile(`^iron, fe`), nutrient.IronMg},
	{regexp.MustCompile(`^potassium, k`), nutrient.PotassiumMg},
	{regexp.MustCompile(`vitamin a, rae`), nutrient.VitaminAMcg},
	{regexp.MustCompile(`vitamin c`), nutrient.VitaminCMg},
	{regexp.MustCompile(`vitamin e`), nutrient.VitaminEMg},
	{regexp.MustCompile(`vitamin k`), nutrient.VitaminKMcg},
	{regexp.MustCompile(`^thiamin`), nutrient.ThiaminMg},
	{regexp.MustCompile(`^riboflavin`), nutrient.RiboflavinMg},
	{regexp.MustCompile(`^niacin`), nutrient.NiacinMg},
	{regexp.MustCompile(`vitamin b-?6`), nutrient.VitaminB6Mg},
	{regexp.MustCompile(`^folate, total`), nutrient.FolateMcg},
	{regexp.MustCompile(`vitamin b-?12`), nutrient.VitaminB12Mcg},
	{regexp.MustCompile(`^biotin`), nutrient.BiotinMcg},
	{regexp.MustCompile(`pantothenic acid`), nutrient.PantothenicMg},
	{regexp.MustCompile(`^phosphorus, p`), nutrient.PhosphorusMg},
	{regexp.MustCompile(`^iodine, i`), nutrient.IodineMcg},
	{regexp.MustCompile(`^magnesium, mg`), nutrient.MagnesiumMg},
	{regexp.MustCompile(`^zinc, zn`), nutrient.ZincMg},
	{regexp.MustCompile(`^selenium, se`), nutrient.SeleniumMcg},
	{regexp.MustCompile(`^copper, cu`), nutrient.CopperMg},
	{regexp.MustCompile(`^manganese, mn`), nutrient.ManganeseMg},
	{regexp.MustCompile(`^chromium, cr`), nutrient.ChromiumMcg},
	{regexp.MustCompile(`^molybdenum, mo`), nutrient.MolybdenumMcg},
	{regexp.MustCompile(`^chloride, cl`), nutrient.ChlorideMg},
	{regexp.MustCompile(`^choline, total`), nutrient.CholineMg},
	{regexp.MustCompile(`omega-3`), nutrient.Omega3G},
	{regexp.MustCompile(`omega-6`), nutrient.Omega6G},
}

// Fatty-acid component rows summed into the omega totals when a record has
// no direct omega-3/omega-6 row.
var (
	omega3Components = []*regexp.Regexp{
		regexp.MustCompile(`18:3 n-3`),
		regexp.MustCompile(`18:4`),
		regexp.MustCompile(`20:5 n-3`),
		regexp.MustCompile(`22:5 n-3`),
		regexp.MustCompile(`22:6 n-3`),
	}
	omega6Components = []*regexp.Regexp{
		regexp.MustCompile(`18:2 n-6`),
		regexp.MustCompile(`18:3 n-6`),
		regexp.MustCompile(`20:2 n-6`),
		regexp.MustCompile(`20:3 n-6`),
		regexp.MustCompile(`20:4 n-6`),
		regexp.MustCompile(`22:2 n-6`),
	}
)

// mapFoodNutrients converts raw FDC nutrient rows to canonical per-100g
// values. Numeric codes are authoritative; name patterns catch rows without
// one. Within a key the first row wins, except kcal: an explicit kcal row
// overwrites a kJ-derived value whichever order the rows arrive. Negative
// and unconvertible amounts are dropped, never zeroed.
func mapFoodNutrients(rows []fdc.FoodNutrient) map[nutrient.Key]float64 {
	out := make(map[nutrient.Key]float64)
	var omega3Sum, omega6Sum float64
	var omega3Seen, omega6Seen bool

	for _, row := range rows {
		amount, ok := row.Quantity()
		if !ok {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(row.Name()))
		unit := units.Normalize(row.Unit())

		var key nutrient.Key
		if k, ok := usdaNumberToKey[strings.TrimSpace(row.Number())]; ok {
			key = k
		} else {
			for _, p := range usdaNamePatterns {
				if p.re.MatchString(name) {
					key = p.key
					break
				}
			}
		}

		// Component rows accumulate regardless of the key mapping above.
		for _, re := range omega3Components {
			if re.MatchString(name) {
				if v, ok := units.Convert(amount, unit, units.Gram, nutrient.Omega3G); ok && v >= 0 {
					omega3Sum += v
					omega3Seen = true
				}
				break
			}
		}
		for _, re := range omega6Components {
			if re.MatchString(name) {
				if v, ok := units.Convert(amount, unit, units.Gram, nutrient.Omega6G); ok && v >= 0 {
					omega6Sum += v
					omega6Seen = true
				}
				break
			}
		}

		if key == "" {
			continue
		}
		converted, ok := units.Convert(amount, unit, key.Unit(), key)
		if !ok || converted < 0 {
			continue
		}

		if key == nutrient.Kcal && unit == units.Kcal {
			out[key] = converted
			continue
		}
		if _, exists := out[key]; !exists {
			out[key] = converted
		}
	}

	if omega3Seen && omega3Sum > 0 {
		if _, ok := out[nutrient.Omega3G]; !ok {
			out[nutrient.Omega3G] = omega3Sum
		}
	}
	if omega6Seen && omega6Sum > 0 {
		if _, ok := out[nutrient.Omega6G]; !ok {
			out[nutrient.Omega6G] = omega6Sum
		}
	}
	return out
}
