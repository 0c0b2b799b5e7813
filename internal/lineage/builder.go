// Package lineage freezes label snapshots and provenance edges for served meals.
package lineage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/zemo2003/nutrition-autopilot/internal/evidence"
	"github.com/zemo2003/nutrition-autopilot/internal/label"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// Builder freezes one snapshot tree per refreshed event: a SKU snapshot at
// the root, then one INGREDIENT snapshot per consumed ingredient, PRODUCT
// snapshots beneath those, and LOT snapshots at the leaves. Snapshots are
// append-only; a rebuild adds a new tree and repoints the event, it never
// rewrites history.
type Builder struct {
	qaToleranceKcal float64
}

// NewBuilder returns a Builder. A tolerance of zero or below falls back to
// label.DefaultQAToleranceKcal.
func NewBuilder(qaToleranceKcal float64) *Builder {
	return &Builder{qaToleranceKcal: qaToleranceKcal}
}

// Result records the outcome of refreshing one event. PriorLabelID keeps the
// superseded snapshot id so audits can diff old against new.
type Result struct {
	EventID      string `json:"eventId"`
	PriorLabelID string `json:"priorLabelId,omitempty"`
	NewLabelID   string `json:"newLabelId"`
	ConsumedLots int    `json:"consumedLots"`
	Snapshots    int    `json:"snapshots"`
	Provisional  bool   `json:"provisional"`
}

type skuBody struct {
	label.Payload
	Evidence evidence.Summary `json:"evidence"`
}

type ingredientBody struct {
	IngredientName string                   `json:"ingredientName"`
	GramsConsumed  float64                  `json:"gramsConsumed"`
	NutrientTotals map[nutrient.Key]float64 `json:"nutrientTotals,omitempty"`
	Evidence       evidence.Summary         `json:"evidence"`
}

type productBody struct {
	ProductName   string           `json:"productName"`
	GramsConsumed float64          `json:"gramsConsumed"`
	Evidence      evidence.Summary `json:"evidence"`
}

type lotBody struct {
	LotID            string                   `json:"lotId"`
	LotCode          string                   `json:"lotCode,omitempty"`
	ProductName      string                   `json:"productName"`
	GramsConsumed    float64                  `json:"gramsConsumed"`
	Synthetic        bool                     `json:"synthetic,omitempty"`
	NutrientsPer100g map[nutrient.Key]float64 `json:"nutrientsPer100g,omitempty"`
	Evidence         evidence.Summary         `json:"evidence"`
}

// RefreshEvent computes the label for one served event and freezes the full
// snapshot tree inside the caller's transaction. The event must have an
// active recipe and at least one consumed lot; anything less is a per-event
// error the batch records and skips.
func (b *Builder) RefreshEvent(ctx context.Context, tx store.Store, event model.MealServiceEvent) (*Result, error) {
	recipe, err := tx.ActiveRecipe(ctx, event.SKUID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, eris.Errorf("no active recipe for sku %s", event.SKUID)
	}
	lines, err := tx.ListRecipeLines(ctx, recipe.ID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, eris.Errorf("active recipe %s has no lines", recipe.ID)
	}
	lots, err := tx.ListEventConsumption(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, eris.Errorf("no lot consumption recorded for event %s", event.ID)
	}

	servings := event.PlannedServings
	if servings <= 0 {
		servings = recipe.PlannedServings
	}
	payload := label.Compute(lines, lots, servings, b.qaToleranceKcal)
	skuEvidence := evidence.FromLots(lots)

	skuSnap, err := b.insert(ctx, tx, event.OrganizationID, model.LabelSKU, event.SKUID,
		fmt.Sprintf("%s - %s", event.SKUCode, event.SKUName),
		skuBody{Payload: payload, Evidence: skuEvidence})
	if err != nil {
		return nil, err
	}
	snapshots := 1

	for _, ing := range groupByIngredient(lots) {
		ingSnap, err := b.insert(ctx, tx, event.OrganizationID, model.LabelIngredient, ing.id, ing.name,
			ingredientBody{
				IngredientName: ing.name,
				GramsConsumed:  totalGrams(ing.lots),
				NutrientTotals: nutrientTotals(ing.lots),
				Evidence:       evidence.FromLots(ing.lots),
			})
		if err != nil {
			return nil, err
		}
		snapshots++
		if err := tx.InsertLineageEdge(ctx, model.LabelLineageEdge{
			ParentLabelID: skuSnap.ID,
			ChildLabelID:  ingSnap.ID,
			EdgeType:      model.EdgeSKUContainsIngredient,
		}); err != nil {
			return nil, err
		}

		for _, prod := range groupByProduct(ing.lots) {
			prodSnap, err := b.insert(ctx, tx, event.OrganizationID, model.LabelProduct, prod.id, prod.name,
				productBody{
					ProductName:   prod.name,
					GramsConsumed: totalGrams(prod.lots),
					Evidence:      evidence.FromLots(prod.lots),
				})
			if err != nil {
				return nil, err
			}
			snapshots++
			if err := tx.InsertLineageEdge(ctx, model.LabelLineageEdge{
				ParentLabelID: ingSnap.ID,
				ChildLabelID:  prodSnap.ID,
				EdgeType:      model.EdgeIngredientResolvedProduct,
			}); err != nil {
				return nil, err
			}

			for _, lot := range groupByLot(prod.lots) {
				title := fmt.Sprintf("Lot %s", lot.code)
				if lot.code == "" {
					title = fmt.Sprintf("Lot %s", lot.id)
				}
				lotSnap, err := b.insert(ctx, tx, event.OrganizationID, model.LabelLot, lot.id, title,
					lotBody{
						LotID:            lot.id,
						LotCode:          lot.code,
						ProductName:      prod.name,
						GramsConsumed:    totalGrams(lot.lots),
						Synthetic:        lot.synthetic,
						NutrientsPer100g: lot.lots[0].Per100g,
						Evidence:         evidence.FromLots(lot.lots),
					})
				if err != nil {
					return nil, err
				}
				snapshots++
				if err := tx.InsertLineageEdge(ctx, model.LabelLineageEdge{
					ParentLabelID: prodSnap.ID,
					ChildLabelID:  lotSnap.ID,
					EdgeType:      model.EdgeProductConsumedFromLot,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := tx.SetEventFinalLabel(ctx, event.ID, skuSnap.ID); err != nil {
		return nil, err
	}

	res := &Result{
		EventID:      event.ID,
		NewLabelID:   skuSnap.ID,
		ConsumedLots: len(lots),
		Snapshots:    snapshots,
		Provisional:  skuEvidence.Provisional,
	}
	if event.FinalLabelSnapshotID != nil {
		res.PriorLabelID = *event.FinalLabelSnapshotID
	}
	return res, nil
}

func (b *Builder) insert(ctx context.Context, tx store.Store, org string, lt model.LabelType, ref, title string, body any) (*model.LabelSnapshot, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrapf(err, "marshal %s payload", lt)
	}
	snap := &model.LabelSnapshot{
		OrganizationID: org,
		LabelType:      lt,
		ExternalRefID:  ref,
		Title:          title,
		Payload:        raw,
	}
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

type lotGroup struct {
	id        string
	name      string
	code      string
	synthetic bool
	lots      []model.ConsumedLot
}

// groupByIngredient buckets lots by ingredient id, preserving first-seen
// order so repeated runs freeze identical trees.
func groupByIngredient(lots []model.ConsumedLot) []lotGroup {
	return groupBy(lots, func(l model.ConsumedLot) lotGroup {
		return lotGroup{id: l.IngredientID, name: l.IngredientName}
	})
}

func groupByProduct(lots []model.ConsumedLot) []lotGroup {
	return groupBy(lots, func(l model.ConsumedLot) lotGroup {
		return lotGroup{id: l.ProductID, name: l.ProductName}
	})
}

func groupByLot(lots []model.ConsumedLot) []lotGroup {
	return groupBy(lots, func(l model.ConsumedLot) lotGroup {
		return lotGroup{id: l.LotID, code: l.LotCode, synthetic: l.Synthetic}
	})
}

func groupBy(lots []model.ConsumedLot, keyFn func(model.ConsumedLot) lotGroup) []lotGroup {
	index := make(map[string]int)
	var groups []lotGroup
	for _, l := range lots {
		g := keyFn(l)
		i, ok := index[g.id]
		if !ok {
			i = len(groups)
			index[g.id] = i
			groups = append(groups, g)
		}
		groups[i].lots = append(groups[i].lots, l)
	}
	return groups
}

func totalGrams(lots []model.ConsumedLot) float64 {
	var total float64
	for _, l := range lots {
		total += l.Grams
	}
	return total
}

// nutrientTotals is the grams-weighted absolute quantity per key across the
// group, the same aggregation the label applies before serving division.
func nutrientTotals(lots []model.ConsumedLot) map[nutrient.Key]float64 {
	totals := make(map[nutrient.Key]float64)
	for _, l := range lots {
		for key, per100 := range l.Per100g {
			totals[key] += per100 * l.Grams / 100
		}
	}
	if len(totals) == 0 {
		return nil
	}
	return totals
}
