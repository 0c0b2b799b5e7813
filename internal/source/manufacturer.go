package source

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/resilience"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
	"github.com/zemo2003/nutrition-autopilot/internal/units"
	"github.com/zemo2003/nutrition-autopilot/pkg/openfoodfacts"
)

// saltToSodiumMg converts salt grams to sodium milligrams. NaCl is 39.34%
// sodium by mass.
const saltToSodiumMg = 393.4

// offFieldToKey maps OpenFoodFacts per-100g nutriment fields to canonical
// keys. A sibling "<field>_unit" entry carries the unit when OFF has one.
var offFieldToKey = map[string]nutrient.Key{
	"energy-kcal_100g":      nutrient.Kcal,
	"proteins_100g":         nutrient.ProteinG,
	"carbohydrates_100g":    nutrient.CarbG,
	"fat_100g":              nutrient.FatG,
	"fiber_100g":            nutrient.FiberG,
	"sugars_100g":           nutrient.SugarsG,
	"added-sugars_100g":     nutrient.AddedSugarsG,
	"saturated-fat_100g":    nutrient.SatFatG,
	"trans-fat_100g":        nutrient.TransFatG,
	"cholesterol_100g":      nutrient.CholesterolMg,
	"sodium_100g":           nutrient.SodiumMg,
	"vitamin-d_100g":        nutrient.VitaminDMcg,
	"calcium_100g":          nutrient.CalciumMg,
	"iron_100g":             nutrient.IronMg,
	"potassium_100g":        nutrient.PotassiumMg,
	"vitamin-a_100g":        nutrient.VitaminAMcg,
	"vitamin-c_100g":        nutrient.VitaminCMg,
	"vitamin-e_100g":        nutrient.VitaminEMg,
	"vitamin-k_100g":        nutrient.VitaminKMcg,
	"vitamin-b1_100g":       nutrient.ThiaminMg,
	"vitamin-b2_100g":       nutrient.RiboflavinMg,
	"vitamin-pp_100g":       nutrient.NiacinMg,
	"vitamin-b6_100g":       nutrient.VitaminB6Mg,
	"folates_100g":          nutrient.FolateMcg,
	"vitamin-b12_100g":      nutrient.VitaminB12Mcg,
	"biotin_100g":           nutrient.BiotinMcg,
	"pantothenic-acid_100g": nutrient.PantothenicMg,
	"phosphorus_100g":       nutrient.PhosphorusMg,
	"iodine_100g":           nutrient.IodineMcg,
	"magnesium_100g":        nutrient.MagnesiumMg,
	"zinc_100g":             nutrient.ZincMg,
	"selenium_100g":         nutrient.SeleniumMcg,
	"copper_100g":           nutrient.CopperMg,
	"manganese_100g":        nutrient.ManganeseMg,
	"chromium_100g":         nutrient.ChromiumMcg,
	"molybdenum_100g":       nutrient.MolybdenumMcg,
	"chloride_100g":         nutrient.ChlorideMg,
	"choline_100g":          nutrient.CholineMg,
	"omega-3-fat_100g":      nutrient.Omega3G,
	"omega-6-fat_100g":      nutrient.Omega6G,
}

// ManufacturerProvider resolves by UPC: the local catalog first, then the
// OpenFoodFacts product API. Products without a usable barcode are a miss.
type ManufacturerProvider struct {
	store store.Store
	off   openfoodfacts.Client
	gate  *resilience.UpstreamGate
	band  policy.ManufacturerBand
	cache *Cache[map[nutrient.Key]float64]
}

// NewManufacturerProvider creates the stage-two provider.
func NewManufacturerProvider(st store.Store, off openfoodfacts.Client, gate *resilience.UpstreamGate, band policy.ManufacturerBand) *ManufacturerProvider {
	return &ManufacturerProvider{
		store: st,
		off:   off,
		gate:  gate,
		band:  band,
		cache: NewCache[map[nutrient.Key]float64](0),
	}
}

// Rebind returns a copy reading catalog rows from st while sharing the gate
// and run cache. The enrichment engine prefetches through a pool-bound copy
// and resolves through a tx-bound one.
func (p *ManufacturerProvider) Rebind(st store.Store) *ManufacturerProvider {
	cp := *p
	cp.store = st
	return &cp
}

func (p *ManufacturerProvider) Name() string { return "manufacturer" }

func (p *ManufacturerProvider) Stage() Stage { return StageManufacturer }

// Fetch looks the product up by normalized UPC. Store failures abort the
// batch; API failures degrade to a miss after retries.
func (p *ManufacturerProvider) Fetch(ctx context.Context, id model.Identity) ([]Candidate, error) {
	if id.SyntheticUPC() {
		return nil, nil
	}
	upc := NormalizeUPC(id.UPC)
	if upc == "" {
		return nil, nil
	}

	entry, err := p.store.GetCatalogEntry(ctx, upc)
	if err != nil {
		return nil, eris.Wrapf(err, "source: catalog lookup %s", upc)
	}
	if entry != nil && len(entry.Nutrients) > 0 {
		return p.candidates(entry.Nutrients, upc, entry.Verified), nil
	}

	if !p.gate.Allow(UpstreamOpenFoodFacts) {
		return nil, nil
	}
	values, err := p.cache.Do(upc, func() (map[nutrient.Key]float64, error) {
		return p.lookup(ctx, upc)
	})
	if err != nil {
		// Remote failures never abort a product; retries are exhausted.
		zap.L().Warn("manufacturer lookup degraded to a miss",
			zap.String("upc", upc),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	return p.candidates(values, upc, false), nil
}

// candidates assigns the band confidence: top of band only for rows the
// catalog marks verified, full band for a complete core macro set, partial
// otherwise. API hits are never "verified".
func (p *ManufacturerProvider) candidates(values map[nutrient.Key]float64, upc string, verified bool) []Candidate {
	conf := p.band.Partial
	switch {
	case verified:
		conf = p.band.Verified
	case hasCoreKeys(values):
		conf = p.band.Full
	}
	ref := fmt.Sprintf("https://world.openfoodfacts.org/product/%s", upc)
	return makeCandidates(values, nutrient.SourceManufacturer, ref, nutrient.GradeOpenFoodFacts, conf)
}

func (p *ManufacturerProvider) lookup(ctx context.Context, upc string) (map[nutrient.Key]float64, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = retryRemote
	cfg.OnRetry = resilience.RetryLogger(UpstreamOpenFoodFacts, "product")

	prod, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*openfoodfacts.Product, error) {
		return p.off.Product(ctx, upc)
	})
	if err != nil {
		if rateLimited(err) {
			p.gate.Trip(UpstreamOpenFoodFacts, err.Error())
			zap.L().Warn("upstream rate limited, gated for the rest of the run",
				zap.String("upstream", UpstreamOpenFoodFacts))
		}
		return nil, eris.Wrapf(err, "source: openfoodfacts product %s", upc)
	}
	if prod == nil {
		// Unknown barcode. Cache the miss so the group never re-asks.
		return map[nutrient.Key]float64{}, nil
	}
	return OFFNutrients(prod.Nutriments), nil
}

// OFFNutrients converts a raw OFF nutriments map to canonical per-100g
// values. Sodium falls back to salt when absent; kcal falls back to kJ.
// The catalog importer shares it so bulk loads and live lookups agree.
func OFFNutrients(nutriments map[string]any) map[nutrient.Key]float64 {
	values := make(map[nutrient.Key]float64)
	for field, key := range offFieldToKey {
		amount, ok := parseNumber(nutriments[field])
		if !ok {
			continue
		}
		unit, ok := offUnit(nutriments[strings.Replace(field, "_100g", "_unit", 1)], key.Unit())
		if !ok {
			continue
		}
		converted, ok := units.Convert(amount, unit, key.Unit(), key)
		if !ok || converted < 0 {
			continue
		}
		values[key] = converted
	}

	if _, ok := values[nutrient.SodiumMg]; !ok {
		if salt, ok := parseNumber(nutriments["salt_100g"]); ok {
			if unit, ok := offUnit(nutriments["salt_unit"], units.Gram); ok {
				if saltG, ok := units.Convert(salt, unit, units.Gram, nutrient.SodiumMg); ok && saltG >= 0 {
					values[nutrient.SodiumMg] = saltG * saltToSodiumMg
				}
			}
		}
	}
	if _, ok := values[nutrient.Kcal]; !ok {
		if kj, ok := parseNumber(nutriments["energy-kj_100g"]); ok {
			if kcal, ok := units.Convert(kj, units.Kilojoule, units.Kcal, nutrient.Kcal); ok && kcal >= 0 {
				values[nutrient.Kcal] = kcal
			}
		}
	}
	return values
}

// offUnit canonicalizes a raw OFF unit field. An absent unit falls back to
// the key's canonical unit (OFF omits the unit when it matches the default);
// a present but unrecognized unit makes the row unusable.
func offUnit(raw any, fallback string) (string, bool) {
	s := strings.TrimSpace(stringValue(raw))
	if s == "" {
		return fallback, true
	}
	if u := units.Normalize(s); u != "" {
		return u, true
	}
	return "", false
}

// parseNumber accepts the shapes OFF uses for nutriment values: JSON
// numbers or numeric strings.
func parseNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case int:
		return float64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringValue(raw any) string {
	s, _ := raw.(string)
	return s
}
