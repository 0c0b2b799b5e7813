// Package nutrient defines the closed vocabulary of the resolution engine:
// canonical nutrient keys, their units, and the provenance enums attached to
// every stored value.
package nutrient

// Key is a canonical nutrient identifier. The set of keys is closed; every
// resolved value is expressed in its key's canonical unit and no key appears
// with two different units anywhere in resolved state.
type Key string

const (
	Kcal            Key = "kcal"
	ProteinG        Key = "protein_g"
	CarbG           Key = "carb_g"
	FatG            Key = "fat_g"
	FiberG          Key = "fiber_g"
	SugarsG         Key = "sugars_g"
	AddedSugarsG    Key = "added_sugars_g"
	SatFatG         Key = "sat_fat_g"
	TransFatG       Key = "trans_fat_g"
	CholesterolMg   Key = "cholesterol_mg"
	SodiumMg        Key = "sodium_mg"
	VitaminDMcg     Key = "vitamin_d_mcg"
	CalciumMg       Key = "calcium_mg"
	IronMg          Key = "iron_mg"
	PotassiumMg     Key = "potassium_mg"
	VitaminAMcg     Key = "vitamin_a_mcg"
	VitaminCMg      Key = "vitamin_c_mg"
	VitaminEMg      Key = "vitamin_e_mg"
	VitaminKMcg     Key = "vitamin_k_mcg"
	ThiaminMg       Key = "thiamin_mg"
	RiboflavinMg    Key = "riboflavin_mg"
	NiacinMg        Key = "niacin_mg"
	VitaminB6Mg     Key = "vitamin_b6_mg"
	FolateMcg       Key = "folate_mcg"
	VitaminB12Mcg   Key = "vitamin_b12_mcg"
	BiotinMcg       Key = "biotin_mcg"
	PantothenicMg   Key = "pantothenic_acid_mg"
	PhosphorusMg    Key = "phosphorus_mg"
	IodineMcg       Key = "iodine_mcg"
	MagnesiumMg     Key = "magnesium_mg"
	ZincMg          Key = "zinc_mg"
	SeleniumMcg     Key = "selenium_mcg"
	CopperMg        Key = "copper_mg"
	ManganeseMg     Key = "manganese_mg"
	ChromiumMcg     Key = "chromium_mcg"
	MolybdenumMcg   Key = "molybdenum_mcg"
	ChlorideMg      Key = "chloride_mg"
	CholineMg       Key = "choline_mg"
	Omega3G         Key = "omega3_g"
	Omega6G         Key = "omega6_g"
)

// unitByKey maps every canonical key to the unit its values are stored in.
var unitByKey = map[Key]string{
	Kcal:          "kcal",
	ProteinG:      "g",
	CarbG:         "g",
	FatG:          "g",
	FiberG:        "g",
	SugarsG:       "g",
	AddedSugarsG:  "g",
	SatFatG:       "g",
	TransFatG:     "g",
	CholesterolMg: "mg",
	SodiumMg:      "mg",
	VitaminDMcg:   "mcg",
	CalciumMg:     "mg",
	IronMg:        "mg",
	PotassiumMg:   "mg",
	VitaminAMcg:   "mcg",
	VitaminCMg:    "mg",
	VitaminEMg:    "mg",
	VitaminKMcg:   "mcg",
	ThiaminMg:     "mg",
	RiboflavinMg:  "mg",
	NiacinMg:      "mg",
	VitaminB6Mg:   "mg",
	FolateMcg:     "mcg",
	VitaminB12Mcg: "mcg",
	BiotinMcg:     "mcg",
	PantothenicMg: "mg",
	PhosphorusMg:  "mg",
	IodineMcg:     "mcg",
	MagnesiumMg:   "mg",
	ZincMg:        "mg",
	SeleniumMcg:   "mcg",
	CopperMg:      "mg",
	ManganeseMg:   "mg",
	ChromiumMcg:   "mcg",
	MolybdenumMcg: "mcg",
	ChlorideMg:    "mg",
	CholineMg:     "mg",
	Omega3G:       "g",
	Omega6G:       "g",
}

// AllKeys returns every canonical key in a stable order (macro group first,
// then minerals and vitamins in label order). The slice is a copy.
func AllKeys() []Key {
	out := make([]Key, len(orderedKeys))
	copy(out, orderedKeys)
	return out
}

var orderedKeys = []Key{
	Kcal, ProteinG, CarbG, FatG, FiberG, SugarsG, AddedSugarsG,
	SatFatG, TransFatG, CholesterolMg, SodiumMg,
	VitaminDMcg, CalciumMg, IronMg, PotassiumMg,
	VitaminAMcg, VitaminCMg, VitaminEMg, VitaminKMcg,
	ThiaminMg, RiboflavinMg, NiacinMg, VitaminB6Mg, FolateMcg,
	VitaminB12Mcg, BiotinMcg, PantothenicMg, PhosphorusMg, IodineMcg,
	MagnesiumMg, ZincMg, SeleniumMcg, CopperMg, ManganeseMg,
	ChromiumMcg, MolybdenumMcg, ChlorideMg, CholineMg,
	Omega3G, Omega6G,
}

// CoreKeys are the minimum set a product must resolve before its labels are
// considered complete. Products missing any of these after a run get a
// source-retrieval verification task.
func CoreKeys() []Key {
	return []Key{Kcal, ProteinG, CarbG, FatG}
}

// CarbFamily is the key set the single-animal-protein sanity override zeroes.
func CarbFamily() []Key {
	return []Key{CarbG, FiberG, SugarsG, AddedSugarsG}
}

// Valid reports whether k is one of the canonical keys.
func (k Key) Valid() bool {
	_, ok := unitByKey[k]
	return ok
}

// Unit returns the canonical unit for k ("kcal", "g", "mg" or "mcg").
// Unknown keys return "".
func (k Key) Unit() string {
	return unitByKey[k]
}

// ParseKey converts a raw string to a canonical Key.
func ParseKey(s string) (Key, bool) {
	k := Key(s)
	return k, k.Valid()
}

// TraceThreshold is the value floor below which an observation is treated as
// absent rather than present-but-zero. Chosen above float noise but below any
// plausible real per-100g amount.
const TraceThreshold = 0.00011

// IsTrace reports whether v is positive but too small to be a real
// observation.
func IsTrace(v float64) bool {
	return v >= 0 && v < TraceThreshold
}
