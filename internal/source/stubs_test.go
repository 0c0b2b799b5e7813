package source

import (
	"context"
	"sync"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
	"github.com/zemo2003/nutrition-autopilot/pkg/openfoodfacts"
)

// fakeStore implements only the store calls the providers make. Anything
// else panics through the embedded nil interface.
type fakeStore struct {
	store.Store
	values   []model.NutrientValue
	valueErr error
	catalog  map[string]*model.CatalogEntry
	catErr   error
}

func (f *fakeStore) ListNutrientValues(_ context.Context, _ string) ([]model.NutrientValue, error) {
	return f.values, f.valueErr
}

func (f *fakeStore) GetCatalogEntry(_ context.Context, upc string) (*model.CatalogEntry, error) {
	if f.catErr != nil {
		return nil, f.catErr
	}
	return f.catalog[upc], nil
}

// fakeOFF counts lookups and delegates to fn.
type fakeOFF struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, barcode string) (*openfoodfacts.Product, error)
}

func (f *fakeOFF) Product(ctx context.Context, barcode string) (*openfoodfacts.Product, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, barcode)
}

func (f *fakeOFF) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFDC serves canned search results and details, recording every search.
type fakeFDC struct {
	mu        sync.Mutex
	searches  []fdc.SearchRequest
	foodCalls int
	search    func(req fdc.SearchRequest) ([]fdc.Food, error)
	detail    func(fdcID int64) (*fdc.FoodDetail, error)
}

func (f *fakeFDC) Search(_ context.Context, req fdc.SearchRequest) ([]fdc.Food, error) {
	f.mu.Lock()
	f.searches = append(f.searches, req)
	f.mu.Unlock()
	if f.search == nil {
		return nil, nil
	}
	return f.search(req)
}

func (f *fakeFDC) Food(_ context.Context, fdcID int64) (*fdc.FoodDetail, error) {
	f.mu.Lock()
	f.foodCalls++
	f.mu.Unlock()
	if f.detail == nil {
		return nil, nil
	}
	return f.detail(fdcID)
}

func (f *fakeFDC) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func f64(v float64) *float64 { return &v }

// testIdentity is a product identity with enough filled in for every stage.
func testIdentity(upc string) model.Identity {
	return model.Identity{
		ProductID:      "prod-1",
		OrganizationID: "org-1",
		IngredientID:   "ing-1",
		IngredientKey:  "chicken_breast",
		IngredientName: "Chicken Breast",
		Name:           "Boneless Skinless Chicken Breast",
		Brand:          "Springer Farms",
		UPC:            upc,
	}
}
