// Package policy holds the tunable numbers behind the resolution cascade:
// confidence baselines and bands, fallback confidences, the sanity-override
// token lists and the per-key default table. The resolver receives a Policy
// explicitly so tests and operators can substitute alternate tables; nothing
// in here is hidden module state.
package policy

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Baselines are the confidence floors applied to existing stored rows by
// provenance class. The higher of the row's stored confidence and its
// baseline wins.
type Baselines struct {
	Manual             float64 `yaml:"manual"`
	Manufacturer       float64 `yaml:"manufacturer"`
	USDA               float64 `yaml:"usda"`
	IngredientInferred float64 `yaml:"ingredient_inferred"`
	Other              float64 `yaml:"other"`
}

// ManufacturerBand is the confidence range for UPC-backed catalog hits.
type ManufacturerBand struct {
	Verified float64 `yaml:"verified"`
	Full     float64 `yaml:"full"`
	Partial  float64 `yaml:"partial"`
}

// USDABand is the confidence range for FoodData Central hits.
type USDABand struct {
	BrandedUPC  float64 `yaml:"branded_upc"`
	Branded     float64 `yaml:"branded"`
	GenericHigh float64 `yaml:"generic_high"`
	Generic     float64 `yaml:"generic"`
}

// SanityOverride configures the single-animal-protein carb zeroing rule.
type SanityOverride struct {
	Confidence      float64  `yaml:"confidence"`
	ProteinTokens   []string `yaml:"protein_tokens"`
	ExclusionTokens []string `yaml:"exclusion_tokens"`
}

// Policy is the full resolver configuration.
type Policy struct {
	Baselines       Baselines                `yaml:"baselines"`
	Manufacturer    ManufacturerBand         `yaml:"manufacturer"`
	USDA            USDABand                 `yaml:"usda"`
	DonorConfidence float64                  `yaml:"donor_confidence"`
	FloorConfidence float64                  `yaml:"floor_confidence"`
	Sanity          SanityOverride           `yaml:"sanity"`
	Defaults        map[nutrient.Key]float64 `yaml:"defaults"`
	QAToleranceKcal float64                  `yaml:"qa_tolerance_kcal"`
}

// Default returns the shipped policy. Callers own the returned value and may
// mutate it freely.
func Default() *Policy {
	return &Policy{
		Baselines: Baselines{
			Manual:             0.95,
			Manufacturer:       0.95,
			USDA:               0.82,
			IngredientInferred: 0.55,
			Other:              0.35,
		},
		Manufacturer: ManufacturerBand{
			Verified: 0.96,
			Full:     0.92,
			Partial:  0.84,
		},
		USDA: USDABand{
			BrandedUPC:  0.9,
			Branded:     0.8,
			GenericHigh: 0.82,
			Generic:     0.7,
		},
		DonorConfidence: 0.4,
		FloorConfidence: 0.25,
		Sanity: SanityOverride{
			Confidence: 0.8,
			ProteinTokens: []string{
				"BEEF", "CHICKEN", "TURKEY", "PORK", "LAMB", "BISON",
				"VENISON", "FISH", "SALMON", "TUNA", "COD", "HALIBUT",
				"TILAPIA", "SHRIMP",
			},
			ExclusionTokens: []string{
				"BREAD", "BREADED", "BATTERED", "CRUSTED", "SAUCE",
				"JERKY", "SAUSAGE", "MEATBALL", "NUGGET", "PATTY",
				"GLAZED", "TERIYAKI", "BBQ",
			},
		},
		Defaults:        defaultValues(),
		QAToleranceKcal: 20,
	}
}

// defaultValues is the last-resort per-key table. Values are typical
// per-100g amounts for mixed food-service fare; they exist so a label can
// always be computed, at floor confidence, while a retrieval task is open.
func defaultValues() map[nutrient.Key]float64 {
	return map[nutrient.Key]float64{
		nutrient.Kcal:          120.0,
		nutrient.ProteinG:      5.0,
		nutrient.CarbG:         15.0,
		nutrient.FatG:          4.0,
		nutrient.FiberG:        2.0,
		nutrient.SugarsG:       3.0,
		nutrient.AddedSugarsG:  1.0,
		nutrient.SatFatG:       1.0,
		nutrient.TransFatG:     0.01,
		nutrient.CholesterolMg: 5.0,
		nutrient.SodiumMg:      80.0,
		nutrient.VitaminDMcg:   0.2,
		nutrient.CalciumMg:     40.0,
		nutrient.IronMg:        1.0,
		nutrient.PotassiumMg:   180.0,
		nutrient.VitaminAMcg:   30.0,
		nutrient.VitaminCMg:    4.0,
		nutrient.VitaminEMg:    0.8,
		nutrient.VitaminKMcg:   8.0,
		nutrient.ThiaminMg:     0.08,
		nutrient.RiboflavinMg:  0.07,
		nutrient.NiacinMg:      0.9,
		nutrient.VitaminB6Mg:   0.1,
		nutrient.FolateMcg:     20.0,
		nutrient.VitaminB12Mcg: 0.2,
		nutrient.BiotinMcg:     1.5,
		nutrient.PantothenicMg: 0.4,
		nutrient.PhosphorusMg:  90.0,
		nutrient.IodineMcg:     8.0,
		nutrient.MagnesiumMg:   20.0,
		nutrient.ZincMg:        0.7,
		nutrient.SeleniumMcg:   8.0,
		nutrient.CopperMg:      0.08,
		nutrient.ManganeseMg:   0.2,
		nutrient.ChromiumMcg:   2.0,
		nutrient.MolybdenumMcg: 5.0,
		nutrient.ChlorideMg:    70.0,
		nutrient.CholineMg:     18.0,
		nutrient.Omega3G:       0.06,
		nutrient.Omega6G:       0.3,
	}
}

// Load reads a policy overlay from a YAML file. Fields absent from the file
// keep their Default values.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}

	// The YAML has a top-level "resolver" key.
	p := Default()
	wrapper := struct {
		Resolver *Policy `yaml:"resolver"`
	}{Resolver: p}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse")
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects policies whose numbers cannot be confidences or whose
// default table names unknown keys.
func (p *Policy) Validate() error {
	conf := []float64{
		p.Baselines.Manual, p.Baselines.Manufacturer, p.Baselines.USDA,
		p.Baselines.IngredientInferred, p.Baselines.Other,
		p.Manufacturer.Verified, p.Manufacturer.Full, p.Manufacturer.Partial,
		p.USDA.BrandedUPC, p.USDA.Branded, p.USDA.GenericHigh, p.USDA.Generic,
		p.DonorConfidence, p.FloorConfidence, p.Sanity.Confidence,
	}
	for _, c := range conf {
		if c < 0 || c > 1 {
			return eris.Errorf("policy: confidence %v outside [0,1]", c)
		}
	}
	for k, v := range p.Defaults {
		if !k.Valid() {
			return eris.Errorf("policy: unknown nutrient key %q in defaults", k)
		}
		if v < 0 {
			return eris.Errorf("policy: negative default for %s", k)
		}
	}
	if p.QAToleranceKcal < 0 {
		return eris.New("policy: qa tolerance must be non-negative")
	}
	return nil
}

// DefaultFor returns the default table value for key.
func (p *Policy) DefaultFor(key nutrient.Key) (float64, bool) {
	v, ok := p.Defaults[key]
	return v, ok
}
