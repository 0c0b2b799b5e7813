// Package model holds the domain structs shared across the resolution,
// labeling and verification engines. Everything here is plain data; behavior
// lives in the packages that consume it.
package model

import (
	"strings"
	"time"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Organization scopes every run. Products, events and snapshots never cross
// organizations.
type Organization struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Ingredient is the canonical cooking-input concept products resolve under.
// Key is the canonical ingredient key used to group donor candidates.
type Ingredient struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Allergens      []string `json:"allergens,omitempty"`
}

// Product is a purchasable item that fulfills an ingredient.
type Product struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	IngredientID   string `json:"ingredient_id"`
	IngredientKey  string `json:"ingredient_key"`
	IngredientName string `json:"ingredient_name"`
	Name           string `json:"name"`
	Brand          string `json:"brand,omitempty"`
	UPC            string `json:"upc,omitempty"`
	Vendor         string `json:"vendor,omitempty"`
}

// syntheticUPCPrefix marks placeholder products created by intake tooling
// before a real UPC is known.
const syntheticUPCPrefix = "SYNTH-"

// SyntheticUPC reports whether the product's UPC is a placeholder rather
// than a scannable code.
func (p Product) SyntheticUPC() bool {
	return strings.HasPrefix(p.UPC, syntheticUPCPrefix)
}

// Identity is the immutable per-run view of a product handed to source
// providers and the resolver.
type Identity struct {
	ProductID      string
	OrganizationID string
	IngredientID   string
	IngredientKey  string
	IngredientName string
	Name           string
	Brand          string
	UPC            string
	Vendor         string
}

// SyntheticUPC reports whether the identity's UPC is a placeholder.
func (i Identity) SyntheticUPC() bool {
	return strings.HasPrefix(i.UPC, syntheticUPCPrefix)
}

// Identity derives the provider-facing identity for p.
func (p Product) Identity() Identity {
	return Identity{
		ProductID:      p.ID,
		OrganizationID: p.OrganizationID,
		IngredientID:   p.IngredientID,
		IngredientKey:  p.IngredientKey,
		IngredientName: p.IngredientName,
		Name:           p.Name,
		Brand:          p.Brand,
		UPC:            p.UPC,
		Vendor:         p.Vendor,
	}
}

// NutrientValue is one stored per-100g observation for a product. Value is a
// pointer because cleanup tooling nulls values while keeping the row for its
// audit trail.
type NutrientValue struct {
	ID                  string                      `json:"id"`
	ProductID           string                      `json:"product_id"`
	Key                 nutrient.Key                `json:"key"`
	ValuePer100g        *float64                    `json:"value_per_100g"`
	Unit                string                      `json:"unit"`
	SourceType          nutrient.SourceType         `json:"source_type"`
	SourceRef           string                      `json:"source_ref,omitempty"`
	EvidenceGrade       nutrient.EvidenceGrade      `json:"evidence_grade"`
	Confidence          float64                     `json:"confidence"`
	VerificationStatus  nutrient.VerificationStatus `json:"verification_status"`
	HistoricalException bool                        `json:"historical_exception"`
	Version             int                         `json:"version"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// CatalogEntry is one row of the local manufacturer catalog, keyed by
// normalized UPC. Nutrients are already converted to canonical units.
type CatalogEntry struct {
	UPC       string                   `json:"upc"`
	Name      string                   `json:"name"`
	Brand     string                   `json:"brand,omitempty"`
	Source    string                   `json:"source"`
	Verified  bool                     `json:"verified"`
	Nutrients map[nutrient.Key]float64 `json:"nutrients"`
	UpdatedAt time.Time                `json:"updated_at"`
}
