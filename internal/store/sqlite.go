package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// sqliteQuerier is the query surface shared by *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite. A transaction-scoped
// copy (from WithTx) carries the *sql.Tx in q and has a nil db.
type SQLiteStore struct {
	db *sql.DB
	q  sqliteQuerier
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingredients (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	ingredient_key  TEXT NOT NULL,
	name            TEXT NOT NULL,
	allergens       TEXT,
	UNIQUE (organization_id, ingredient_key)
);

CREATE TABLE IF NOT EXISTS products (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	ingredient_id   TEXT NOT NULL REFERENCES ingredients(id),
	name            TEXT NOT NULL,
	brand           TEXT NOT NULL DEFAULT '',
	upc             TEXT NOT NULL DEFAULT '',
	vendor          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS product_nutrient_values (
	id                   TEXT PRIMARY KEY,
	product_id           TEXT NOT NULL REFERENCES products(id),
	nutrient_key         TEXT NOT NULL,
	value_per_100g       REAL,
	unit                 TEXT NOT NULL,
	source_type          TEXT NOT NULL,
	source_ref           TEXT NOT NULL DEFAULT '',
	evidence_grade       TEXT NOT NULL,
	confidence           REAL NOT NULL,
	verification_status  TEXT NOT NULL DEFAULT 'UNVERIFIED',
	historical_exception BOOLEAN NOT NULL DEFAULT 0,
	version              INTEGER NOT NULL DEFAULT 1,
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (product_id, nutrient_key)
);

CREATE TABLE IF NOT EXISTS manufacturer_catalog (
	upc        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	brand      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	verified   BOOLEAN NOT NULL DEFAULT 0,
	nutrients  TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS skus (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	code            TEXT NOT NULL,
	name            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recipes (
	id               TEXT PRIMARY KEY,
	sku_id           TEXT NOT NULL REFERENCES skus(id),
	active           BOOLEAN NOT NULL DEFAULT 1,
	planned_servings REAL NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS recipe_lines (
	id            TEXT PRIMARY KEY,
	recipe_id     TEXT NOT NULL REFERENCES recipes(id),
	ingredient_id TEXT NOT NULL REFERENCES ingredients(id),
	target_grams  REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_lots (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	lot_code   TEXT NOT NULL,
	synthetic  BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meal_service_events (
	id                      TEXT PRIMARY KEY,
	organization_id         TEXT NOT NULL,
	sku_id                  TEXT NOT NULL REFERENCES skus(id),
	meal_slot               TEXT NOT NULL,
	service_date            DATETIME NOT NULL,
	served_at               DATETIME NOT NULL,
	planned_servings        REAL NOT NULL DEFAULT 1,
	final_label_snapshot_id TEXT
);

CREATE TABLE IF NOT EXISTS consumption_records (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL REFERENCES meal_service_events(id),
	recipe_line_id TEXT NOT NULL REFERENCES recipe_lines(id),
	lot_id         TEXT NOT NULL REFERENCES inventory_lots(id),
	grams          REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS label_snapshots (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	label_type      TEXT NOT NULL,
	external_ref_id TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	version         INTEGER NOT NULL,
	frozen_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS label_lineage_edges (
	parent_label_id TEXT NOT NULL REFERENCES label_snapshots(id),
	child_label_id  TEXT NOT NULL REFERENCES label_snapshots(id),
	edge_type       TEXT NOT NULL,
	PRIMARY KEY (parent_label_id, child_label_id)
);

CREATE TABLE IF NOT EXISTS verification_tasks (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	product_id      TEXT NOT NULL REFERENCES products(id),
	nutrient_key    TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'OPEN',
	note            TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at     DATETIME
);

CREATE TABLE IF NOT EXISTS verification_reviews (
	id           TEXT PRIMARY KEY,
	task_id      TEXT,
	product_id   TEXT NOT NULL,
	nutrient_key TEXT NOT NULL,
	action       TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	reviewed_by  TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	dry_run         BOOLEAN NOT NULL DEFAULT 0,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME NOT NULL,
	summary         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_org ON products(organization_id);
CREATE INDEX IF NOT EXISTS idx_products_ingredient ON products(ingredient_id);
CREATE INDEX IF NOT EXISTS idx_pnv_product ON product_nutrient_values(product_id);
CREATE INDEX IF NOT EXISTS idx_pnv_key ON product_nutrient_values(nutrient_key);
CREATE INDEX IF NOT EXISTS idx_pnv_source_ref ON product_nutrient_values(source_ref);
CREATE UNIQUE INDEX IF NOT EXISTS idx_recipes_sku_active ON recipes(sku_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_recipe_lines_recipe ON recipe_lines(recipe_id);
CREATE INDEX IF NOT EXISTS idx_lots_product ON inventory_lots(product_id);
CREATE INDEX IF NOT EXISTS idx_events_org_date ON meal_service_events(organization_id, service_date);
CREATE INDEX IF NOT EXISTS idx_consumption_event ON consumption_records(event_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_ref ON label_snapshots(organization_id, label_type, external_ref_id);
CREATE INDEX IF NOT EXISTS idx_edges_parent ON label_lineage_edges(parent_label_id);
CREATE INDEX IF NOT EXISTS idx_tasks_org_status ON verification_tasks(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_kind_finished ON runs(kind, finished_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, "SELECT 1")
	return eris.Wrap(err, "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.db == nil {
		return eris.New("sqlite: nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(ctx, &SQLiteStore{q: tx}); err != nil {
		rbErr := tx.Rollback()
		if errors.Is(err, ErrRollback) {
			return eris.Wrap(rbErr, "sqlite: rollback")
		}
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) OrganizationExists(ctx context.Context, org string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE organization_id = ?)
		     OR EXISTS (SELECT 1 FROM meal_service_events WHERE organization_id = ?)`,
		org, org,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: organization exists %s", org)
}

// Products

func (s *SQLiteStore) ListProducts(ctx context.Context, org string, f ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + `
		FROM products p
		JOIN ingredients i ON i.id = p.ingredient_id
		WHERE p.organization_id = ?`
	args := []any{org}

	if len(f.IDs) > 0 {
		query += fmt.Sprintf(` AND p.id IN (%s)`, placeholders(len(f.IDs)))
		args = appendStrings(args, f.IDs)
	}
	if len(f.IngredientKeys) > 0 {
		query += fmt.Sprintf(` AND i.ingredient_key IN (%s)`, placeholders(len(f.IngredientKeys)))
		args = appendStrings(args, f.IngredientKeys)
	}
	query += ` ORDER BY p.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()
	return collectProductsSQLite(rows)
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+productColumns+`
		 FROM products p
		 JOIN ingredients i ON i.id = p.ingredient_id
		 WHERE p.id = ?`,
		id,
	)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProductsMissingCoreKeys(ctx context.Context, org string, core []nutrient.Key) ([]model.Product, error) {
	query := fmt.Sprintf(
		`SELECT `+productColumns+`
		 FROM products p
		 JOIN ingredients i ON i.id = p.ingredient_id
		 WHERE p.organization_id = ?
		   AND (SELECT COUNT(DISTINCT v.nutrient_key) FROM product_nutrient_values v
		        WHERE v.product_id = p.id AND v.nutrient_key IN (%s)
		          AND v.value_per_100g IS NOT NULL) < ?
		 ORDER BY p.id`,
		placeholders(len(core)),
	)
	args := []any{org}
	args = appendStrings(args, keysToStrings(core))
	args = append(args, len(core))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products missing core keys")
	}
	defer rows.Close()
	return collectProductsSQLite(rows)
}

// Nutrient values

const sqliteValueColumns = `id, product_id, nutrient_key, value_per_100g, unit, source_type, source_ref,
	evidence_grade, confidence, verification_status, historical_exception, version, updated_at`

func (s *SQLiteStore) ListNutrientValues(ctx context.Context, productID string) ([]model.NutrientValue, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteValueColumns+` FROM product_nutrient_values
		 WHERE product_id = ? ORDER BY nutrient_key`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list values %s", productID)
	}
	defer rows.Close()
	return collectValuesSQLite(rows)
}

func (s *SQLiteStore) ListNutrientValuesBatch(ctx context.Context, productIDs []string) (map[string][]model.NutrientValue, error) {
	out := make(map[string][]model.NutrientValue, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(
		`SELECT `+sqliteValueColumns+` FROM product_nutrient_values
		 WHERE product_id IN (%s)
		 ORDER BY product_id, nutrient_key`,
		placeholders(len(productIDs)),
	)
	rows, err := s.q.QueryContext(ctx, query, appendStrings(nil, productIDs)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list values batch")
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan value")
		}
		out[v.ProductID] = append(out[v.ProductID], *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list values batch iterate")
}

func (s *SQLiteStore) UpsertNutrientValue(ctx context.Context, v *model.NutrientValue) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO product_nutrient_values
			(id, product_id, nutrient_key, value_per_100g, unit, source_type, source_ref,
			 evidence_grade, confidence, verification_status, historical_exception, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (product_id, nutrient_key) DO UPDATE SET
			value_per_100g = excluded.value_per_100g,
			unit = excluded.unit,
			source_type = excluded.source_type,
			source_ref = excluded.source_ref,
			evidence_grade = excluded.evidence_grade,
			confidence = excluded.confidence,
			verification_status = excluded.verification_status,
			historical_exception = excluded.historical_exception,
			version = version + 1,
			updated_at = excluded.updated_at
		 RETURNING id, version`,
		v.ID, v.ProductID, string(v.Key), v.ValuePer100g, v.Unit,
		string(v.SourceType), v.SourceRef, string(v.EvidenceGrade), v.Confidence,
		string(v.VerificationStatus), v.HistoricalException, v.UpdatedAt,
	).Scan(&v.ID, &v.Version)
	return eris.Wrapf(err, "sqlite: upsert value %s/%s", v.ProductID, v.Key)
}

func (s *SQLiteStore) StoredKeyValues(ctx context.Context, org string, key nutrient.Key, excludeInferred bool) ([]float64, error) {
	query := `SELECT v.value_per_100g
		FROM product_nutrient_values v
		JOIN products p ON p.id = v.product_id
		WHERE p.organization_id = ? AND v.nutrient_key = ? AND v.value_per_100g IS NOT NULL`
	args := []any{org, string(key)}
	if excludeInferred {
		inferred := inferredGradeStrings()
		query += fmt.Sprintf(` AND v.evidence_grade NOT IN (%s)`, placeholders(len(inferred)))
		args = appendStrings(args, inferred)
	}
	query += ` ORDER BY v.value_per_100g`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: stored key values %s", key)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stored key value")
		}
		values = append(values, v)
	}
	return values, eris.Wrap(rows.Err(), "sqlite: stored key values iterate")
}

func (s *SQLiteStore) ListValuesBySourceRef(ctx context.Context, org, sourceRef string) ([]model.NutrientValue, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = ? AND v.source_ref = ?
		 ORDER BY v.product_id, v.nutrient_key`,
		org, sourceRef,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list values by source ref %s", sourceRef)
	}
	defer rows.Close()
	return collectValuesSQLite(rows)
}

func (s *SQLiteStore) ListRepairCandidates(ctx context.Context, org string, belowValue float64, markerRefs []string) ([]model.NutrientValue, error) {
	query := fmt.Sprintf(
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = ?
		   AND ((v.value_per_100g IS NOT NULL AND v.value_per_100g < ?) OR v.source_ref IN (%s))
		 ORDER BY v.product_id, v.nutrient_key`,
		placeholders(len(markerRefs)),
	)
	args := []any{org, belowValue}
	args = appendStrings(args, markerRefs)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list repair candidates")
	}
	defer rows.Close()
	return collectValuesSQLite(rows)
}

func (s *SQLiteStore) ListAutoVerifiable(ctx context.Context, org string, grades []nutrient.EvidenceGrade, minConfidence float64) ([]model.NutrientValue, error) {
	query := fmt.Sprintf(
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = ?
		   AND v.verification_status = ?
		   AND v.evidence_grade IN (%s)
		   AND v.confidence >= ?
		   AND v.value_per_100g IS NOT NULL
		 ORDER BY v.product_id, v.nutrient_key`,
		placeholders(len(grades)),
	)
	args := []any{org, string(nutrient.StatusUnverified)}
	args = appendStrings(args, gradesToStrings(grades))
	args = append(args, minConfidence)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list auto-verifiable values")
	}
	defer rows.Close()
	return collectValuesSQLite(rows)
}

func (s *SQLiteStore) SetValueVerification(ctx context.Context, id string, status nutrient.VerificationStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE product_nutrient_values
		 SET verification_status = ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set value verification %s", id)
	}
	return checkRowsAffected(res, "nutrient value", id)
}

// Manufacturer catalog

func (s *SQLiteStore) GetCatalogEntry(ctx context.Context, upc string) (*model.CatalogEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT upc, name, brand, source, verified, nutrients, updated_at
		 FROM manufacturer_catalog WHERE upc = ?`,
		upc,
	)
	e, err := scanCatalogEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get catalog entry %s", upc)
	}
	return e, nil
}

func (s *SQLiteStore) BulkUpsertCatalog(ctx context.Context, entries []model.CatalogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	upsert := func(q sqliteQuerier) (int64, error) {
		now := time.Now().UTC()
		var n int64
		for _, e := range entries {
			nutrientsJSON, err := json.Marshal(e.Nutrients)
			if err != nil {
				return n, eris.Wrapf(err, "sqlite: marshal catalog nutrients %s", e.UPC)
			}
			updatedAt := e.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = now
			}
			_, err = q.ExecContext(ctx,
				`INSERT INTO manufacturer_catalog (upc, name, brand, source, verified, nutrients, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (upc) DO UPDATE SET
					name = excluded.name,
					brand = excluded.brand,
					source = excluded.source,
					verified = excluded.verified,
					nutrients = excluded.nutrients,
					updated_at = excluded.updated_at`,
				e.UPC, e.Name, e.Brand, e.Source, e.Verified, string(nutrientsJSON), updatedAt,
			)
			if err != nil {
				return n, eris.Wrapf(err, "sqlite: upsert catalog entry %s", e.UPC)
			}
			n++
		}
		return n, nil
	}

	// Already inside a transaction: reuse it.
	if s.db == nil {
		return upsert(s.q)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin catalog upsert tx")
	}
	n, err := upsert(tx)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, err
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit catalog upsert")
}

// Recipes

func (s *SQLiteStore) ActiveRecipe(ctx context.Context, skuID string) (*model.Recipe, error) {
	var r model.Recipe
	err := s.q.QueryRowContext(ctx,
		`SELECT id, sku_id, active, planned_servings FROM recipes WHERE sku_id = ? AND active`,
		skuID,
	).Scan(&r.ID, &r.SKUID, &r.Active, &r.PlannedServings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: active recipe %s", skuID)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRecipeLines(ctx context.Context, recipeID string) ([]model.RecipeLine, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT rl.id, rl.recipe_id, rl.ingredient_id, i.name, rl.target_grams, i.allergens
		 FROM recipe_lines rl
		 JOIN ingredients i ON i.id = rl.ingredient_id
		 WHERE rl.recipe_id = ?
		 ORDER BY i.name, rl.id`,
		recipeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list recipe lines %s", recipeID)
	}
	defer rows.Close()

	var lines []model.RecipeLine
	for rows.Next() {
		rl, err := scanRecipeLine(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recipe line")
		}
		lines = append(lines, *rl)
	}
	return lines, eris.Wrap(rows.Err(), "sqlite: list recipe lines iterate")
}

// Meal service events

func (s *SQLiteStore) ListEvents(ctx context.Context, org string, f EventFilter) ([]model.MealServiceEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM meal_service_events e
		JOIN skus s ON s.id = e.sku_id
		WHERE e.organization_id = ?`
	args := []any{org}

	if len(f.IDs) > 0 {
		query += fmt.Sprintf(` AND e.id IN (%s)`, placeholders(len(f.IDs)))
		args = appendStrings(args, f.IDs)
	}
	if !f.From.IsZero() {
		query += ` AND e.service_date >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND e.service_date < ?`
		args = append(args, f.To)
	}
	if f.Slot != "" {
		query += ` AND e.meal_slot = ?`
		args = append(args, string(f.Slot))
	}
	query += ` ORDER BY e.service_date, e.served_at, e.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.MealServiceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.MealServiceEvent, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+`
		 FROM meal_service_events e
		 JOIN skus s ON s.id = e.sku_id
		 WHERE e.id = ?`,
		id,
	)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get event %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListEventConsumption(ctx context.Context, eventID string) ([]model.ConsumedLot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT cr.recipe_line_id, rl.ingredient_id, i.name, i.allergens,
		        p.id, p.name, il.id, il.lot_code, il.synthetic, cr.grams, rl.target_grams
		 FROM consumption_records cr
		 JOIN recipe_lines rl ON rl.id = cr.recipe_line_id
		 JOIN ingredients i ON i.id = rl.ingredient_id
		 JOIN inventory_lots il ON il.id = cr.lot_id
		 JOIN products p ON p.id = il.product_id
		 WHERE cr.event_id = ?
		 ORDER BY i.name, p.name, il.lot_code, cr.id`,
		eventID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list event consumption %s", eventID)
	}
	defer rows.Close()

	var lots []model.ConsumedLot
	var productIDs []string
	seen := map[string]bool{}
	for rows.Next() {
		var lot model.ConsumedLot
		var allergens []byte
		if err := rows.Scan(&lot.RecipeLineID, &lot.IngredientID, &lot.IngredientName, &allergens,
			&lot.ProductID, &lot.ProductName, &lot.LotID, &lot.LotCode, &lot.Synthetic,
			&lot.Grams, &lot.TargetGrams); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan consumed lot")
		}
		if len(allergens) > 0 {
			if err := json.Unmarshal(allergens, &lot.Allergens); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal lot allergens")
			}
		}
		if !seen[lot.ProductID] {
			seen[lot.ProductID] = true
			productIDs = append(productIDs, lot.ProductID)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list event consumption iterate")
	}
	if len(lots) == 0 {
		return nil, nil
	}

	byProduct, err := s.ListNutrientValuesBatch(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	attachValues(lots, byProduct)
	return lots, nil
}

func (s *SQLiteStore) SetEventFinalLabel(ctx context.Context, eventID, snapshotID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE meal_service_events SET final_label_snapshot_id = ? WHERE id = ?`,
		snapshotID, eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set event final label %s", eventID)
	}
	return checkRowsAffected(res, "event", eventID)
}

func (s *SQLiteStore) UpdateEventServedAt(ctx context.Context, eventID string, servedAt time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE meal_service_events SET served_at = ? WHERE id = ?`,
		servedAt, eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update event served at %s", eventID)
	}
	return checkRowsAffected(res, "event", eventID)
}

// Label snapshots and lineage edges

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *model.LabelSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.FrozenAt.IsZero() {
		snap.FrozenAt = time.Now().UTC()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO label_snapshots
			(id, organization_id, label_type, external_ref_id, title, payload, version, frozen_at)
		 VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COUNT(*) + 1 FROM label_snapshots
			 WHERE organization_id = ? AND label_type = ? AND external_ref_id = ?),
			?)
		 RETURNING version`,
		snap.ID, snap.OrganizationID, string(snap.LabelType), snap.ExternalRefID,
		snap.Title, string(snap.Payload),
		snap.OrganizationID, string(snap.LabelType), snap.ExternalRefID,
		snap.FrozenAt,
	).Scan(&snap.Version)
	return eris.Wrapf(err, "sqlite: insert snapshot %s/%s", snap.LabelType, snap.ExternalRefID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.LabelSnapshot, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM label_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", id)
	}
	return snap, nil
}

func (s *SQLiteStore) GetSnapshots(ctx context.Context, ids []string) ([]model.LabelSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT `+snapshotColumns+` FROM label_snapshots WHERE id IN (%s) ORDER BY frozen_at, id`,
		placeholders(len(ids)),
	)
	rows, err := s.q.QueryContext(ctx, query, appendStrings(nil, ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshots")
	}
	defer rows.Close()

	var snaps []model.LabelSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snaps = append(snaps, *snap)
	}
	return snaps, eris.Wrap(rows.Err(), "sqlite: get snapshots iterate")
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, org string, lt model.LabelType, externalRef string) (*model.LabelSnapshot, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+`
		 FROM label_snapshots
		 WHERE organization_id = ? AND label_type = ? AND external_ref_id = ?
		 ORDER BY version DESC LIMIT 1`,
		org, string(lt), externalRef,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest snapshot %s/%s", lt, externalRef)
	}
	return snap, nil
}

func (s *SQLiteStore) InsertLineageEdge(ctx context.Context, e model.LabelLineageEdge) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO label_lineage_edges (parent_label_id, child_label_id, edge_type) VALUES (?, ?, ?)`,
		e.ParentLabelID, e.ChildLabelID, string(e.EdgeType),
	)
	return eris.Wrapf(err, "sqlite: insert lineage edge %s", e.EdgeType)
}

func (s *SQLiteStore) ListEdgesFromParents(ctx context.Context, parentIDs []string) ([]model.LabelLineageEdge, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT parent_label_id, child_label_id, edge_type
		 FROM label_lineage_edges
		 WHERE parent_label_id IN (%s)
		 ORDER BY parent_label_id, child_label_id`,
		placeholders(len(parentIDs)),
	)
	rows, err := s.q.QueryContext(ctx, query, appendStrings(nil, parentIDs)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lineage edges")
	}
	defer rows.Close()

	var edges []model.LabelLineageEdge
	for rows.Next() {
		var e model.LabelLineageEdge
		if err := rows.Scan(&e.ParentLabelID, &e.ChildLabelID, &e.EdgeType); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lineage edge")
		}
		edges = append(edges, e)
	}
	return edges, eris.Wrap(rows.Err(), "sqlite: list lineage edges iterate")
}

// Verification tasks and reviews

func (s *SQLiteStore) CreateVerificationTask(ctx context.Context, task *model.VerificationTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = model.TaskOpen
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO verification_tasks (id, organization_id, product_id, nutrient_key, kind, status, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OrgID, task.ProductID, string(task.Key), string(task.Kind),
		string(task.Status), task.Note, task.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create verification task %s/%s", task.ProductID, task.Key)
}

func (s *SQLiteStore) ListOpenTasks(ctx context.Context, org string, kind model.TaskKind) ([]model.VerificationTask, error) {
	query := `SELECT id, organization_id, product_id, nutrient_key, kind, status, note, created_at, resolved_at
		FROM verification_tasks
		WHERE organization_id = ? AND status = ?`
	args := []any{org, string(model.TaskOpen)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open tasks")
	}
	defer rows.Close()

	var tasks []model.VerificationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list open tasks iterate")
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	var resolvedAt *time.Time
	if status != model.TaskOpen {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE verification_tasks SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), resolvedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task status %s", id)
	}
	return checkRowsAffected(res, "verification task", id)
}

func (s *SQLiteStore) InsertVerificationReview(ctx context.Context, rev *model.VerificationReview) error {
	if rev.ID == "" {
		rev.ID = uuid.New().String()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	var taskID *string
	if rev.TaskID != "" {
		taskID = &rev.TaskID
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO verification_reviews (id, task_id, product_id, nutrient_key, action, notes, reviewed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, taskID, rev.ProductID, string(rev.Key), rev.Action, rev.Notes, rev.ReviewedBy, rev.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert verification review %s/%s", rev.ProductID, rev.Key)
}

// Runs

func (s *SQLiteStore) RecordRun(ctx context.Context, run *model.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	summary := run.Summary
	if len(summary) == 0 {
		summary = json.RawMessage(`{}`)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO runs (id, kind, organization_id, dry_run, started_at, finished_at, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.OrgSlug, run.DryRun, run.StartedAt, run.FinishedAt, string(summary),
	)
	return eris.Wrapf(err, "sqlite: record run %s", run.ID)
}

func (s *SQLiteStore) LatestRun(ctx context.Context, kind model.RunKind) (*model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY finished_at DESC LIMIT 1`

	row := s.q.QueryRowContext(ctx, query, args...)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest run")
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Org != "" {
		query += ` AND organization_id = ?`
		args = append(args, f.Org)
	}
	query += ` ORDER BY finished_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Counts

func (s *SQLiteStore) Counts(ctx context.Context, org string, core []nutrient.Key) (*StatusCounts, error) {
	var c StatusCounts

	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE organization_id = ?`, org,
	).Scan(&c.Products)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count products")
	}

	missingQuery := fmt.Sprintf(
		`SELECT COUNT(*) FROM products p
		 WHERE p.organization_id = ?
		   AND (SELECT COUNT(DISTINCT v.nutrient_key) FROM product_nutrient_values v
		        WHERE v.product_id = p.id AND v.nutrient_key IN (%s)
		          AND v.value_per_100g IS NOT NULL) < ?`,
		placeholders(len(core)),
	)
	missingArgs := []any{org}
	missingArgs = appendStrings(missingArgs, keysToStrings(core))
	missingArgs = append(missingArgs, len(core))
	err = s.q.QueryRowContext(ctx, missingQuery, missingArgs...).Scan(&c.ProductsMissingCore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count products missing core")
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = ? AND v.verification_status = ?`,
		org, string(nutrient.StatusUnverified),
	).Scan(&c.UnverifiedValues)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count unverified values")
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_tasks WHERE organization_id = ? AND status = ?`,
		org, string(model.TaskOpen),
	).Scan(&c.OpenTasks)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count open tasks")
	}

	err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM manufacturer_catalog`).Scan(&c.CatalogEntries)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count catalog entries")
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT label_type, COUNT(*) FROM label_snapshots WHERE organization_id = ? GROUP BY label_type`,
		org,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count snapshots")
	}
	defer rows.Close()

	c.SnapshotsByType = make(map[model.LabelType]int)
	for rows.Next() {
		var lt model.LabelType
		var n int
		if err := rows.Scan(&lt, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot count")
		}
		c.SnapshotsByType[lt] = n
	}
	return &c, eris.Wrap(rows.Err(), "sqlite: count snapshots iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// placeholders renders n comma-separated ? markers for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendStrings(args []any, ss []string) []any {
	for _, s := range ss {
		args = append(args, s)
	}
	return args
}

func collectProductsSQLite(rows *sql.Rows) ([]model.Product, error) {
	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "sqlite: products iterate")
}

func collectValuesSQLite(rows *sql.Rows) ([]model.NutrientValue, error) {
	var values []model.NutrientValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan value")
		}
		values = append(values, *v)
	}
	return values, eris.Wrap(rows.Err(), "sqlite: values iterate")
}
