package store

import (
	"encoding/json"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Scan helpers shared by the Postgres and SQLite implementations. Both
// backends select the same column lists in the same order, so a single
// helper per entity keeps the two drivers from drifting apart.

func scanProduct(row scannable) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.OrganizationID, &p.IngredientID, &p.IngredientKey,
		&p.IngredientName, &p.Name, &p.Brand, &p.UPC, &p.Vendor)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanValue(row scannable) (*model.NutrientValue, error) {
	var v model.NutrientValue
	err := row.Scan(&v.ID, &v.ProductID, &v.Key, &v.ValuePer100g, &v.Unit,
		&v.SourceType, &v.SourceRef, &v.EvidenceGrade, &v.Confidence,
		&v.VerificationStatus, &v.HistoricalException, &v.Version, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanEvent(row scannable) (*model.MealServiceEvent, error) {
	var e model.MealServiceEvent
	err := row.Scan(&e.ID, &e.OrganizationID, &e.SKUID, &e.SKUCode, &e.SKUName, &e.MealSlot,
		&e.ServiceDate, &e.ServedAt, &e.PlannedServings, &e.FinalLabelSnapshotID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanSnapshot(row scannable) (*model.LabelSnapshot, error) {
	var snap model.LabelSnapshot
	var payload []byte
	err := row.Scan(&snap.ID, &snap.OrganizationID, &snap.LabelType,
		&snap.ExternalRefID, &snap.Title, &payload, &snap.Version, &snap.FrozenAt)
	if err != nil {
		return nil, err
	}
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}

func scanTask(row scannable) (*model.VerificationTask, error) {
	var t model.VerificationTask
	err := row.Scan(&t.ID, &t.OrgID, &t.ProductID, &t.Key, &t.Kind, &t.Status,
		&t.Note, &t.CreatedAt, &t.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanRun(row scannable) (*model.RunRecord, error) {
	var r model.RunRecord
	var summary []byte
	err := row.Scan(&r.ID, &r.Kind, &r.OrgSlug, &r.DryRun, &r.StartedAt,
		&r.FinishedAt, &summary)
	if err != nil {
		return nil, err
	}
	r.Summary = json.RawMessage(summary)
	return &r, nil
}

func scanRecipeLine(row scannable) (*model.RecipeLine, error) {
	var rl model.RecipeLine
	var allergens []byte
	err := row.Scan(&rl.ID, &rl.RecipeID, &rl.IngredientID, &rl.IngredientName,
		&rl.TargetGrams, &allergens)
	if err != nil {
		return nil, err
	}
	if len(allergens) > 0 {
		if err := json.Unmarshal(allergens, &rl.Allergens); err != nil {
			return nil, err
		}
	}
	return &rl, nil
}

func scanCatalogEntry(row scannable) (*model.CatalogEntry, error) {
	var e model.CatalogEntry
	var nutrients []byte
	err := row.Scan(&e.UPC, &e.Name, &e.Brand, &e.Source, &e.Verified,
		&nutrients, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(nutrients) > 0 {
		if err := json.Unmarshal(nutrients, &e.Nutrients); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// keysToStrings converts nutrient keys for array-parameter queries.
func keysToStrings(keys []nutrient.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// gradesToStrings converts evidence grades for array-parameter queries.
func gradesToStrings(grades []nutrient.EvidenceGrade) []string {
	out := make([]string, len(grades))
	for i, g := range grades {
		out[i] = string(g)
	}
	return out
}

// inferredGradeStrings lists the grades excluded from donor medians and
// store-wide medians. Floor-stamped historical exceptions are excluded too,
// otherwise the global fallback would feed on its own output.
func inferredGradeStrings() []string {
	return []string{
		string(nutrient.GradeInferredIngred),
		string(nutrient.GradeInferredSimilar),
		string(nutrient.GradeHistoricalExc),
	}
}

// attachValues fills Per100g and Evidence on each consumed lot from the
// stored rows of its product. Rows with a nulled value contribute neither a
// quantity nor evidence; synthetic lots stamp every row they carry.
func attachValues(lots []model.ConsumedLot, byProduct map[string][]model.NutrientValue) {
	for i := range lots {
		vals := byProduct[lots[i].ProductID]
		per := make(map[nutrient.Key]float64, len(vals))
		evidence := make([]model.EvidenceRow, 0, len(vals))
		for _, v := range vals {
			if v.ValuePer100g == nil {
				continue
			}
			per[v.Key] = *v.ValuePer100g
			evidence = append(evidence, model.EvidenceRow{
				Grade:               v.EvidenceGrade,
				Status:              v.VerificationStatus,
				HistoricalException: v.HistoricalException,
				SourceRef:           v.SourceRef,
				SyntheticLot:        lots[i].Synthetic,
			})
		}
		lots[i].Per100g = per
		lots[i].Evidence = evidence
	}
}
