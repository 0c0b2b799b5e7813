// Package source implements the nutrient candidate providers: existing
// stored rows, the manufacturer catalog (local + OpenFoodFacts), and the
// USDA FoodData Central branded/generic searches. Providers never fail a
// product: upstream misses and degraded lookups return zero candidates.
package source

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Stage orders providers in the resolution cascade. Lower stages run first;
// the resolver records the stage of each attempt for diagnostics.
type Stage int

const (
	StageExisting Stage = iota + 1
	StageManufacturer
	StageUSDABranded
	StageUSDAGeneric
)

// String returns the stage name used in logs and resolution reports.
func (s Stage) String() string {
	switch s {
	case StageExisting:
		return "existing"
	case StageManufacturer:
		return "manufacturer"
	case StageUSDABranded:
		return "usda-branded"
	case StageUSDAGeneric:
		return "usda-generic"
	}
	return "unknown"
}

// Candidate is one per-key value offered by a provider. The resolver merges
// candidates across stages by confidence.
type Candidate struct {
	Key        nutrient.Key
	Value      float64
	SourceType nutrient.SourceType
	SourceRef  string
	Grade      nutrient.EvidenceGrade
	Confidence float64
}

// Provider is one stage of the source cascade. Fetch returns the candidates
// it can offer for the product, or (nil, nil) when it has nothing; it
// returns an error only for infrastructure failures that must abort the
// batch (store connectivity). Remote upstream failures degrade to a miss
// inside the provider.
type Provider interface {
	Name() string
	Stage() Stage
	Fetch(ctx context.Context, id model.Identity) ([]Candidate, error)
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// NormalizeUPC strips non-digits and rejects anything shorter than 8 digits
// (too short to be a GTIN-8). Synthetic placeholder codes normalize to "".
func NormalizeUPC(raw string) string {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < 8 {
		return ""
	}
	return digits
}

var (
	foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	nonAlnum        = regexp.MustCompile(`[^a-z0-9]+`)
)

// NormalizeText lowercases, strips diacritics, and collapses every non
// alphanumeric run to a single space, so "Jalapeño  Crème" and
// "jalapeno creme" tokenize identically.
func NormalizeText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	lowered := strings.ToLower(folded)
	return strings.TrimSpace(nonAlnum.ReplaceAllString(lowered, " "))
}

// Tokens returns the normalized token set of s.
func Tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(NormalizeText(s)) {
		out[tok] = struct{}{}
	}
	return out
}

// SearchQuery builds the free-text query for a product: ingredient name,
// brand, then product name, skipping empty parts.
func SearchQuery(id model.Identity) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{id.IngredientName, id.Brand, id.Name} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, " ")
}

// makeCandidates expands a per-key value map into candidates sharing one
// provenance. Output is key-sorted so merges and logs are deterministic.
func makeCandidates(values map[nutrient.Key]float64, st nutrient.SourceType, ref string, grade nutrient.EvidenceGrade, confidence float64) []Candidate {
	out := make([]Candidate, 0, len(values))
	for key, v := range values {
		out = append(out, Candidate{
			Key:        key,
			Value:      v,
			SourceType: st,
			SourceRef:  ref,
			Grade:      grade,
			Confidence: confidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// hasCoreKeys reports whether the map covers every core macro key.
func hasCoreKeys(values map[nutrient.Key]float64) bool {
	for _, k := range nutrient.CoreKeys() {
		if _, ok := values[k]; !ok {
			return false
		}
	}
	return true
}
