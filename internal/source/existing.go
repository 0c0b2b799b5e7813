package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// ExistingProvider surfaces the rows already stored for a product so the
// strict-improvement merge has an incumbent to defend. Placeholder rows and
// the weakest inferred grades are excluded; they must never block a fresh
// lookup from winning.
type ExistingProvider struct {
	store store.Store
	base  policy.Baselines
}

// NewExistingProvider creates the stage-one provider.
func NewExistingProvider(st store.Store, base policy.Baselines) *ExistingProvider {
	return &ExistingProvider{store: st, base: base}
}

func (p *ExistingProvider) Name() string { return "existing" }

func (p *ExistingProvider) Stage() Stage { return StageExisting }

// Fetch returns one candidate per usable stored row. Confidence is the
// higher of the stored confidence and the provenance baseline, so old rows
// written before confidence tracking still defend themselves.
func (p *ExistingProvider) Fetch(ctx context.Context, id model.Identity) ([]Candidate, error) {
	rows, err := p.store.ListNutrientValues(ctx, id.ProductID)
	if err != nil {
		return nil, eris.Wrapf(err, "source: list stored values for product %s", id.ProductID)
	}

	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		if row.ValuePer100g == nil {
			continue
		}
		if nutrient.PlaceholderRef(row.SourceRef) {
			continue
		}
		if row.EvidenceGrade == nutrient.GradeInferredSimilar ||
			row.EvidenceGrade == nutrient.GradeHistoricalExc {
			continue
		}
		out = append(out, Candidate{
			Key:        row.Key,
			Value:      *row.ValuePer100g,
			SourceType: row.SourceType,
			SourceRef:  row.SourceRef,
			Grade:      row.EvidenceGrade,
			Confidence: max(row.Confidence, p.baseline(row)),
		})
	}
	return out, nil
}

// baseline returns the confidence floor for a stored row's provenance class.
func (p *ExistingProvider) baseline(row model.NutrientValue) float64 {
	switch row.SourceType {
	case nutrient.SourceManual:
		return p.base.Manual
	case nutrient.SourceManufacturer:
		return p.base.Manufacturer
	case nutrient.SourceUSDA:
		return p.base.USDA
	}
	if row.EvidenceGrade == nutrient.GradeInferredIngred {
		return p.base.IngredientInferred
	}
	return p.base.Other
}
