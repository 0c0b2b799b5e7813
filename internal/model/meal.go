package model

import (
	"time"

	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// MealSlot is the scheduled eating occasion an event belongs to.
type MealSlot string

const (
	SlotBreakfast    MealSlot = "BREAKFAST"
	SlotLunch        MealSlot = "LUNCH"
	SlotPreTraining  MealSlot = "PRE_TRAINING"
	SlotPostTraining MealSlot = "POST_TRAINING"
	SlotDinner       MealSlot = "DINNER"
	SlotPreBed       MealSlot = "PRE_BED"
	SlotSnack        MealSlot = "SNACK"
)

// SKU is a sellable/servable menu item backed by a recipe.
type SKU struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
}

// Recipe is a versioned bill of ingredients for a SKU. Only one recipe per
// SKU is active at a time.
type Recipe struct {
	ID              string  `json:"id"`
	SKUID           string  `json:"sku_id"`
	Active          bool    `json:"active"`
	PlannedServings float64 `json:"planned_servings"`
}

// RecipeLine is one ingredient requirement within a recipe. Allergens are
// denormalized from the ingredient for declaration building.
type RecipeLine struct {
	ID             string   `json:"id"`
	RecipeID       string   `json:"recipe_id"`
	IngredientID   string   `json:"ingredient_id"`
	IngredientName string   `json:"ingredient_name"`
	TargetGrams    float64  `json:"target_grams"`
	Allergens      []string `json:"allergens,omitempty"`
}

// InventoryLot is a received batch of a product.
type InventoryLot struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	LotCode   string `json:"lot_code"`
	Synthetic bool   `json:"synthetic"`
}

// MealServiceEvent is one served instance of a SKU. FinalLabelSnapshotID is
// the only mutable reference in the lineage model: label rebuilds repoint it
// to the newest SKU snapshot and never touch prior snapshots.
type MealServiceEvent struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id"`
	SKUID                string    `json:"sku_id"`
	SKUCode              string    `json:"sku_code"`
	SKUName              string    `json:"sku_name"`
	MealSlot             MealSlot  `json:"meal_slot"`
	ServiceDate          time.Time `json:"service_date"`
	ServedAt             time.Time `json:"served_at"`
	PlannedServings      float64   `json:"planned_servings"`
	FinalLabelSnapshotID *string   `json:"final_label_snapshot_id,omitempty"`
}

// EvidenceRow is the per-stored-value evidence tuple the aggregator rolls
// up. SyntheticLot is carried onto every row contributed by a synthetic lot.
type EvidenceRow struct {
	Grade               nutrient.EvidenceGrade      `json:"grade"`
	Status              nutrient.VerificationStatus `json:"status"`
	HistoricalException bool                        `json:"historical_exception"`
	SourceRef           string                      `json:"source_ref,omitempty"`
	SyntheticLot        bool                        `json:"synthetic_lot,omitempty"`
}

// ConsumedLot is the (recipe line x inventory lot) join for one event: how
// many grams of which lot were consumed, the lot product's resolved per-100g
// map, and the evidence rows behind those values.
type ConsumedLot struct {
	RecipeLineID   string                   `json:"recipe_line_id"`
	IngredientID   string                   `json:"ingredient_id"`
	IngredientName string                   `json:"ingredient_name"`
	ProductID      string                   `json:"product_id"`
	ProductName    string                   `json:"product_name"`
	LotID          string                   `json:"lot_id"`
	LotCode        string                   `json:"lot_code"`
	Synthetic      bool                     `json:"synthetic"`
	Grams          float64                  `json:"grams"`
	Per100g        map[nutrient.Key]float64 `json:"per_100g"`
	Evidence       []EvidenceRow            `json:"evidence,omitempty"`
	Allergens      []string                 `json:"allergens,omitempty"`
	TargetGrams    float64                  `json:"target_grams"`
}
