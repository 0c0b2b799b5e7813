// Package store defines the persistence interface for products, nutrient
// values, meal service events, label snapshots and runs, with Postgres and
// SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// ErrRollback aborts a WithTx body without reporting failure. Dry runs
// return it to exercise the full write path and then discard everything.
var ErrRollback = errors.New("store: rollback requested")

// ProductFilter narrows ListProducts. Zero value selects every product in
// the organization.
type ProductFilter struct {
	IDs            []string
	IngredientKeys []string
	Limit          int
}

// EventFilter narrows ListEvents. From is an inclusive service-date lower
// bound, To an exclusive upper bound.
type EventFilter struct {
	IDs   []string
	From  time.Time
	To    time.Time
	Slot  model.MealSlot
	Limit int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Kind  model.RunKind
	Org   string
	Limit int
}

// StatusCounts is the store health snapshot the status command prints.
type StatusCounts struct {
	Products            int
	ProductsMissingCore int
	UnverifiedValues    int
	OpenTasks           int
	CatalogEntries      int
	SnapshotsByType     map[model.LabelType]int
}

// Store is the persistence interface. Single-row getters return (nil, nil)
// when the row does not exist; a miss is not an error.
type Store interface {
	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// WithTx runs fn against a Store bound to one transaction. fn returning
	// ErrRollback rolls back and reports nil; any other error rolls back and
	// propagates; nil commits.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// OrganizationExists reports whether any product or event belongs to the
	// organization. Unknown orgs abort a run before any work starts.
	OrganizationExists(ctx context.Context, org string) (bool, error)

	// Products
	ListProducts(ctx context.Context, org string, f ProductFilter) ([]model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProductsMissingCoreKeys(ctx context.Context, org string, core []nutrient.Key) ([]model.Product, error)

	// Nutrient values. UpsertNutrientValue inserts at version 1 or replaces
	// the (product, key) row bumping its version; the stored id and version
	// are written back into v.
	ListNutrientValues(ctx context.Context, productID string) ([]model.NutrientValue, error)
	ListNutrientValuesBatch(ctx context.Context, productIDs []string) (map[string][]model.NutrientValue, error)
	UpsertNutrientValue(ctx context.Context, v *model.NutrientValue) error
	StoredKeyValues(ctx context.Context, org string, key nutrient.Key, excludeInferred bool) ([]float64, error)
	ListValuesBySourceRef(ctx context.Context, org, sourceRef string) ([]model.NutrientValue, error)
	ListRepairCandidates(ctx context.Context, org string, belowValue float64, markerRefs []string) ([]model.NutrientValue, error)
	ListAutoVerifiable(ctx context.Context, org string, grades []nutrient.EvidenceGrade, minConfidence float64) ([]model.NutrientValue, error)
	SetValueVerification(ctx context.Context, id string, status nutrient.VerificationStatus) error

	// Manufacturer catalog
	GetCatalogEntry(ctx context.Context, upc string) (*model.CatalogEntry, error)
	BulkUpsertCatalog(ctx context.Context, entries []model.CatalogEntry) (int64, error)

	// Recipes. ActiveRecipe returns the single active recipe for a SKU.
	ActiveRecipe(ctx context.Context, skuID string) (*model.Recipe, error)
	ListRecipeLines(ctx context.Context, recipeID string) ([]model.RecipeLine, error)

	// Meal service events
	ListEvents(ctx context.Context, org string, f EventFilter) ([]model.MealServiceEvent, error)
	GetEvent(ctx context.Context, id string) (*model.MealServiceEvent, error)
	ListEventConsumption(ctx context.Context, eventID string) ([]model.ConsumedLot, error)
	SetEventFinalLabel(ctx context.Context, eventID, snapshotID string) error
	UpdateEventServedAt(ctx context.Context, eventID string, servedAt time.Time) error

	// Label snapshots and lineage edges. InsertSnapshot assigns the id and
	// computes version = count(org, type, ref)+1 atomically, writing both
	// back into snap. Snapshots and edges are never updated or deleted.
	InsertSnapshot(ctx context.Context, snap *model.LabelSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.LabelSnapshot, error)
	GetSnapshots(ctx context.Context, ids []string) ([]model.LabelSnapshot, error)
	LatestSnapshot(ctx context.Context, org string, lt model.LabelType, externalRef string) (*model.LabelSnapshot, error)
	InsertLineageEdge(ctx context.Context, e model.LabelLineageEdge) error
	ListEdgesFromParents(ctx context.Context, parentIDs []string) ([]model.LabelLineageEdge, error)

	// Verification tasks and reviews
	CreateVerificationTask(ctx context.Context, task *model.VerificationTask) error
	ListOpenTasks(ctx context.Context, org string, kind model.TaskKind) ([]model.VerificationTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	InsertVerificationReview(ctx context.Context, rev *model.VerificationReview) error

	// Runs. RecordRun persists a finished run with its summary; dry runs are
	// never persisted.
	RecordRun(ctx context.Context, run *model.RunRecord) error
	LatestRun(ctx context.Context, kind model.RunKind) (*model.RunRecord, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error)

	// Counts aggregates the numbers the status command reports.
	Counts(ctx context.Context, org string, core []nutrient.Key) (*StatusCounts, error)
}

// scannable abstracts pgx.Row, pgx.Rows, *sql.Row and *sql.Rows so scan
// helpers can be shared between single- and multi-row queries.
type scannable interface {
	Scan(dest ...any) error
}
