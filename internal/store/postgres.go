package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/zemo2003/nutrition-autopilot/internal/db"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// PostgresStore implements Store using pgxpool. A transaction-scoped copy
// (from WithTx) carries the pgx.Tx in q and has no pool.
type PostgresStore struct {
	q       db.Querier
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const upsertValueSQL = `INSERT INTO product_nutrient_values
	(id, product_id, nutrient_key, value_per_100g, unit, source_type, source_ref,
	 evidence_grade, confidence, verification_status, historical_exception, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
ON CONFLICT (product_id, nutrient_key) DO UPDATE SET
	value_per_100g = EXCLUDED.value_per_100g,
	unit = EXCLUDED.unit,
	source_type = EXCLUDED.source_type,
	source_ref = EXCLUDED.source_ref,
	evidence_grade = EXCLUDED.evidence_grade,
	confidence = EXCLUDED.confidence,
	verification_status = EXCLUDED.verification_status,
	historical_exception = EXCLUDED.historical_exception,
	version = product_nutrient_values.version + 1,
	updated_at = EXCLUDED.updated_at
RETURNING id, version`

const listValuesSQL = `SELECT id, product_id, nutrient_key, value_per_100g, unit, source_type, source_ref,
	evidence_grade, confidence, verification_status, historical_exception, version, updated_at
FROM product_nutrient_values WHERE product_id = $1 ORDER BY nutrient_key`

const getCatalogEntrySQL = `SELECT upc, name, brand, source, verified, nutrients, updated_at
FROM manufacturer_catalog WHERE upc = $1`

const insertSnapshotSQL = `INSERT INTO label_snapshots
	(id, organization_id, label_type, external_ref_id, title, payload, version, frozen_at)
VALUES ($1, $2, $3, $4, $5, $6,
	(SELECT COUNT(*) + 1 FROM label_snapshots
	 WHERE organization_id = $2 AND label_type = $3 AND external_ref_id = $4),
	$7)
RETURNING version`

const insertEdgeSQL = `INSERT INTO label_lineage_edges (parent_label_id, child_label_id, edge_type)
VALUES ($1, $2, $3)`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_value":      upsertValueSQL,
	"list_values":       listValuesSQL,
	"get_catalog_entry": getCatalogEntrySQL,
	"insert_snapshot":   insertSnapshotSQL,
	"insert_edge":       insertEdgeSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(8)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{q: pool, pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ingredients (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	ingredient_key  TEXT NOT NULL,
	name            TEXT NOT NULL,
	allergens       JSONB,
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
	value_per_100g       DOUBLE PRECISION,
	unit                 TEXT NOT NULL,
	source_type          TEXT NOT NULL,
	source_ref           TEXT NOT NULL DEFAULT '',
	evidence_grade       TEXT NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	verification_status  TEXT NOT NULL DEFAULT 'UNVERIFIED',
	historical_exception BOOLEAN NOT NULL DEFAULT FALSE,
	version              INTEGER NOT NULL DEFAULT 1,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, nutrient_key)
);

CREATE TABLE IF NOT EXISTS manufacturer_catalog (
	upc        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	brand      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	verified   BOOLEAN NOT NULL DEFAULT FALSE,
	nutrients  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	planned_servings DOUBLE PRECISION NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS recipe_lines (
	id            TEXT PRIMARY KEY,
	recipe_id     TEXT NOT NULL REFERENCES recipes(id),
	ingredient_id TEXT NOT NULL REFERENCES ingredients(id),
	target_grams  DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_lots (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	lot_code   TEXT NOT NULL,
	synthetic  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS meal_service_events (
	id                      TEXT PRIMARY KEY,
	organization_id         TEXT NOT NULL,
	sku_id                  TEXT NOT NULL REFERENCES skus(id),
	meal_slot               TEXT NOT NULL,
	service_date            DATE NOT NULL,
	served_at               TIMESTAMPTZ NOT NULL,
	planned_servings        DOUBLE PRECISION NOT NULL DEFAULT 1,
	final_label_snapshot_id TEXT
);

CREATE TABLE IF NOT EXISTS consumption_records (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL REFERENCES meal_service_events(id),
	recipe_line_id TEXT NOT NULL REFERENCES recipe_lines(id),
	lot_id         TEXT NOT NULL REFERENCES inventory_lots(id),
	grams          DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS label_snapshots (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	label_type      TEXT NOT NULL,
	external_ref_id TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	version         INTEGER NOT NULL,
	frozen_at       TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS verification_reviews (
	id           TEXT PRIMARY KEY,
	task_id      TEXT,
	product_id   TEXT NOT NULL,
	nutrient_key TEXT NOT NULL,
	action       TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	reviewed_by  TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	dry_run         BOOLEAN NOT NULL DEFAULT FALSE,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	summary         JSONB NOT NULL
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.q.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	if err := fn(ctx, &PostgresStore{q: tx}); err != nil {
		rbErr := tx.Rollback(ctx)
		if errors.Is(err, ErrRollback) {
			return eris.Wrap(rbErr, "postgres: rollback")
		}
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) OrganizationExists(ctx context.Context, org string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE organization_id = $1)
		     OR EXISTS (SELECT 1 FROM meal_service_events WHERE organization_id = $1)`,
		org,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: organization exists %s", org)
}

// Products

const productColumns = `p.id, p.organization_id, p.ingredient_id, i.ingredient_key, i.name, p.name, p.brand, p.upc, p.vendor`

func (s *PostgresStore) ListProducts(ctx context.Context, org string, f ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + `
		FROM products p
		JOIN ingredients i ON i.id = p.ingredient_id
		WHERE p.organization_id = $1`
	args := []any{org}
	argIdx := 2

	if len(f.IDs) > 0 {
		query += fmt.Sprintf(` AND p.id = ANY($%d)`, argIdx)
		args = append(args, f.IDs)
		argIdx++
	}
	if len(f.IngredientKeys) > 0 {
		query += fmt.Sprintf(` AND i.ingredient_key = ANY($%d)`, argIdx)
		args = append(args, f.IngredientKeys)
		argIdx++
	}
	query += ` ORDER BY p.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "postgres: list products iterate")
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+productColumns+`
		 FROM products p
		 JOIN ingredients i ON i.id = p.ingredient_id
		 WHERE p.id = $1`,
		id,
	)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProductsMissingCoreKeys(ctx context.Context, org string, core []nutrient.Key) ([]model.Product, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products p
		 JOIN ingredients i ON i.id = p.ingredient_id
		 WHERE p.organization_id = $1
		   AND (SELECT COUNT(DISTINCT v.nutrient_key) FROM product_nutrient_values v
		        WHERE v.product_id = p.id AND v.nutrient_key = ANY($2)
		          AND v.value_per_100g IS NOT NULL) < $3
		 ORDER BY p.id`,
		org, keysToStrings(core), len(core),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products missing core keys")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "postgres: list products missing core keys iterate")
}

// Nutrient values

func (s *PostgresStore) ListNutrientValues(ctx context.Context, productID string) ([]model.NutrientValue, error) {
	rows, err := s.q.Query(ctx, listValuesSQL, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list values %s", productID)
	}
	defer rows.Close()
	return collectValues(rows)
}

func (s *PostgresStore) ListNutrientValuesBatch(ctx context.Context, productIDs []string) (map[string][]model.NutrientValue, error) {
	out := make(map[string][]model.NutrientValue, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, product_id, nutrient_key, value_per_100g, unit, source_type, source_ref,
		        evidence_grade, confidence, verification_status, historical_exception, version, updated_at
		 FROM product_nutrient_values
		 WHERE product_id = ANY($1)
		 ORDER BY product_id, nutrient_key`,
		productIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list values batch")
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan value")
		}
		out[v.ProductID] = append(out[v.ProductID], *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list values batch iterate")
}

func (s *PostgresStore) UpsertNutrientValue(ctx context.Context, v *model.NutrientValue) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	err := s.q.QueryRow(ctx, upsertValueSQL,
		v.ID, v.ProductID, string(v.Key), v.ValuePer100g, v.Unit,
		string(v.SourceType), v.SourceRef, string(v.EvidenceGrade), v.Confidence,
		string(v.VerificationStatus), v.HistoricalException, v.UpdatedAt,
	).Scan(&v.ID, &v.Version)
	return eris.Wrapf(err, "postgres: upsert value %s/%s", v.ProductID, v.Key)
}

func (s *PostgresStore) StoredKeyValues(ctx context.Context, org string, key nutrient.Key, excludeInferred bool) ([]float64, error) {
	query := `SELECT v.value_per_100g
		FROM product_nutrient_values v
		JOIN products p ON p.id = v.product_id
		WHERE p.organization_id = $1 AND v.nutrient_key = $2 AND v.value_per_100g IS NOT NULL`
	args := []any{org, string(key)}
	if excludeInferred {
		query += ` AND v.evidence_grade <> ALL($3)`
		args = append(args, inferredGradeStrings())
	}
	query += ` ORDER BY v.value_per_100g`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: stored key values %s", key)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stored key value")
		}
		values = append(values, v)
	}
	return values, eris.Wrap(rows.Err(), "postgres: stored key values iterate")
}

func (s *PostgresStore) ListValuesBySourceRef(ctx context.Context, org, sourceRef string) ([]model.NutrientValue, error) {
	rows, err := s.q.Query(ctx,
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = $1 AND v.source_ref = $2
		 ORDER BY v.product_id, v.nutrient_key`,
		org, sourceRef,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list values by source ref %s", sourceRef)
	}
	defer rows.Close()
	return collectValues(rows)
}

func (s *PostgresStore) ListRepairCandidates(ctx context.Context, org string, belowValue float64, markerRefs []string) ([]model.NutrientValue, error) {
	rows, err := s.q.Query(ctx,
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = $1
		   AND ((v.value_per_100g IS NOT NULL AND v.value_per_100g < $2) OR v.source_ref = ANY($3))
		 ORDER BY v.product_id, v.nutrient_key`,
		org, belowValue, markerRefs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list repair candidates")
	}
	defer rows.Close()
	return collectValues(rows)
}

func (s *PostgresStore) ListAutoVerifiable(ctx context.Context, org string, grades []nutrient.EvidenceGrade, minConfidence float64) ([]model.NutrientValue, error) {
	rows, err := s.q.Query(ctx,
		`SELECT v.id, v.product_id, v.nutrient_key, v.value_per_100g, v.unit, v.source_type, v.source_ref,
		        v.evidence_grade, v.confidence, v.verification_status, v.historical_exception, v.version, v.updated_at
		 FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = $1
		   AND v.verification_status = $2
		   AND v.evidence_grade = ANY($3)
		   AND v.confidence >= $4
		   AND v.value_per_100g IS NOT NULL
		 ORDER BY v.product_id, v.nutrient_key`,
		org, string(nutrient.StatusUnverified), gradesToStrings(grades), minConfidence,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list auto-verifiable values")
	}
	defer rows.Close()
	return collectValues(rows)
}

func (s *PostgresStore) SetValueVerification(ctx context.Context, id string, status nutrient.VerificationStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE product_nutrient_values
		 SET verification_status = $1, version = version + 1, updated_at = $2
		 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set value verification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("nutrient value not found: %s", id)
	}
	return nil
}

// Manufacturer catalog

func (s *PostgresStore) GetCatalogEntry(ctx context.Context, upc string) (*model.CatalogEntry, error) {
	row := s.q.QueryRow(ctx, getCatalogEntrySQL, upc)
	e, err := scanCatalogEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get catalog entry %s", upc)
	}
	return e, nil
}

func (s *PostgresStore) BulkUpsertCatalog(ctx context.Context, entries []model.CatalogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		nutrientsJSON, err := json.Marshal(e.Nutrients)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal catalog nutrients %s", e.UPC)
		}
		updatedAt := e.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		rows = append(rows, []any{e.UPC, e.Name, e.Brand, e.Source, e.Verified, nutrientsJSON, updatedAt})
	}
	n, err := db.BulkUpsert(ctx, s.q, db.UpsertConfig{
		Table:        "manufacturer_catalog",
		Columns:      []string{"upc", "name", "brand", "source", "verified", "nutrients", "updated_at"},
		ConflictKeys: []string{"upc"},
	}, rows)
	return n, eris.Wrap(err, "postgres: bulk upsert catalog")
}

// Recipes

func (s *PostgresStore) ActiveRecipe(ctx context.Context, skuID string) (*model.Recipe, error) {
	var r model.Recipe
	err := s.q.QueryRow(ctx,
		`SELECT id, sku_id, active, planned_servings FROM recipes WHERE sku_id = $1 AND active`,
		skuID,
	).Scan(&r.ID, &r.SKUID, &r.Active, &r.PlannedServings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: active recipe %s", skuID)
	}
	return &r, nil
}

func (s *PostgresStore) ListRecipeLines(ctx context.Context, recipeID string) ([]model.RecipeLine, error) {
	rows, err := s.q.Query(ctx,
		`SELECT rl.id, rl.recipe_id, rl.ingredient_id, i.name, rl.target_grams, i.allergens
		 FROM recipe_lines rl
		 JOIN ingredients i ON i.id = rl.ingredient_id
		 WHERE rl.recipe_id = $1
		 ORDER BY i.name, rl.id`,
		recipeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list recipe lines %s", recipeID)
	}
	defer rows.Close()

	var lines []model.RecipeLine
	for rows.Next() {
		rl, err := scanRecipeLine(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan recipe line")
		}
		lines = append(lines, *rl)
	}
	return lines, eris.Wrap(rows.Err(), "postgres: list recipe lines iterate")
}

// Meal service events

const eventColumns = `e.id, e.organization_id, e.sku_id, s.code, s.name, e.meal_slot, e.service_date, e.served_at, e.planned_servings, e.final_label_snapshot_id`

func (s *PostgresStore) ListEvents(ctx context.Context, org string, f EventFilter) ([]model.MealServiceEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM meal_service_events e
		JOIN skus s ON s.id = e.sku_id
		WHERE e.organization_id = $1`
	args := []any{org}
	argIdx := 2

	if len(f.IDs) > 0 {
		query += fmt.Sprintf(` AND e.id = ANY($%d)`, argIdx)
		args = append(args, f.IDs)
		argIdx++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(` AND e.service_date >= $%d`, argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(` AND e.service_date < $%d`, argIdx)
		args = append(args, f.To)
		argIdx++
	}
	if f.Slot != "" {
		query += fmt.Sprintf(` AND e.meal_slot = $%d`, argIdx)
		args = append(args, string(f.Slot))
		argIdx++
	}
	query += ` ORDER BY e.service_date, e.served_at, e.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.MealServiceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.MealServiceEvent, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM meal_service_events e
		 JOIN skus s ON s.id = e.sku_id
		 WHERE e.id = $1`,
		id,
	)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get event %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEventConsumption(ctx context.Context, eventID string) ([]model.ConsumedLot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT cr.recipe_line_id, rl.ingredient_id, i.name, i.allergens,
		        p.id, p.name, il.id, il.lot_code, il.synthetic, cr.grams, rl.target_grams
		 FROM consumption_records cr
		 JOIN recipe_lines rl ON rl.id = cr.recipe_line_id
		 JOIN ingredients i ON i.id = rl.ingredient_id
		 JOIN inventory_lots il ON il.id = cr.lot_id
		 JOIN products p ON p.id = il.product_id
		 WHERE cr.event_id = $1
		 ORDER BY i.name, p.name, il.lot_code, cr.id`,
		eventID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list event consumption %s", eventID)
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
			return nil, eris.Wrap(err, "postgres: scan consumed lot")
		}
		if len(allergens) > 0 {
			if err := json.Unmarshal(allergens, &lot.Allergens); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal lot allergens")
			}
		}
		if !seen[lot.ProductID] {
			seen[lot.ProductID] = true
			productIDs = append(productIDs, lot.ProductID)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list event consumption iterate")
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

func (s *PostgresStore) SetEventFinalLabel(ctx context.Context, eventID, snapshotID string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE meal_service_events SET final_label_snapshot_id = $1 WHERE id = $2`,
		snapshotID, eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set event final label %s", eventID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("event not found: %s", eventID)
	}
	return nil
}

func (s *PostgresStore) UpdateEventServedAt(ctx context.Context, eventID string, servedAt time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE meal_service_events SET served_at = $1 WHERE id = $2`,
		servedAt, eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update event served at %s", eventID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("event not found: %s", eventID)
	}
	return nil
}

// Label snapshots and lineage edges

const snapshotColumns = `id, organization_id, label_type, external_ref_id, title, payload, version, frozen_at`

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.LabelSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.FrozenAt.IsZero() {
		snap.FrozenAt = time.Now().UTC()
	}
	err := s.q.QueryRow(ctx, insertSnapshotSQL,
		snap.ID, snap.OrganizationID, string(snap.LabelType), snap.ExternalRefID,
		snap.Title, []byte(snap.Payload), snap.FrozenAt,
	).Scan(&snap.Version)
	return eris.Wrapf(err, "postgres: insert snapshot %s/%s", snap.LabelType, snap.ExternalRefID)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.LabelSnapshot, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM label_snapshots WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", id)
	}
	return snap, nil
}

func (s *PostgresStore) GetSnapshots(ctx context.Context, ids []string) ([]model.LabelSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+snapshotColumns+` FROM label_snapshots WHERE id = ANY($1) ORDER BY frozen_at, id`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshots")
	}
	defer rows.Close()

	var snaps []model.LabelSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snaps = append(snaps, *snap)
	}
	return snaps, eris.Wrap(rows.Err(), "postgres: get snapshots iterate")
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, org string, lt model.LabelType, externalRef string) (*model.LabelSnapshot, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+snapshotColumns+`
		 FROM label_snapshots
		 WHERE organization_id = $1 AND label_type = $2 AND external_ref_id = $3
		 ORDER BY version DESC LIMIT 1`,
		org, string(lt), externalRef,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest snapshot %s/%s", lt, externalRef)
	}
	return snap, nil
}

func (s *PostgresStore) InsertLineageEdge(ctx context.Context, e model.LabelLineageEdge) error {
	_, err := s.q.Exec(ctx, insertEdgeSQL, e.ParentLabelID, e.ChildLabelID, string(e.EdgeType))
	return eris.Wrapf(err, "postgres: insert lineage edge %s", e.EdgeType)
}

func (s *PostgresStore) ListEdgesFromParents(ctx context.Context, parentIDs []string) ([]model.LabelLineageEdge, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT parent_label_id, child_label_id, edge_type
		 FROM label_lineage_edges
		 WHERE parent_label_id = ANY($1)
		 ORDER BY parent_label_id, child_label_id`,
		parentIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lineage edges")
	}
	defer rows.Close()

	var edges []model.LabelLineageEdge
	for rows.Next() {
		var e model.LabelLineageEdge
		if err := rows.Scan(&e.ParentLabelID, &e.ChildLabelID, &e.EdgeType); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lineage edge")
		}
		edges = append(edges, e)
	}
	return edges, eris.Wrap(rows.Err(), "postgres: list lineage edges iterate")
}

// Verification tasks and reviews

func (s *PostgresStore) CreateVerificationTask(ctx context.Context, task *model.VerificationTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = model.TaskOpen
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO verification_tasks (id, organization_id, product_id, nutrient_key, kind, status, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.OrgID, task.ProductID, string(task.Key), string(task.Kind),
		string(task.Status), task.Note, task.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create verification task %s/%s", task.ProductID, task.Key)
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context, org string, kind model.TaskKind) ([]model.VerificationTask, error) {
	query := `SELECT id, organization_id, product_id, nutrient_key, kind, status, note, created_at, resolved_at
		FROM verification_tasks
		WHERE organization_id = $1 AND status = $2`
	args := []any{org, string(model.TaskOpen)}
	if kind != "" {
		query += ` AND kind = $3`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open tasks")
	}
	defer rows.Close()

	var tasks []model.VerificationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list open tasks iterate")
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	var resolvedAt *time.Time
	if status != model.TaskOpen {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE verification_tasks SET status = $1, resolved_at = $2 WHERE id = $3`,
		string(status), resolvedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("verification task not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) InsertVerificationReview(ctx context.Context, rev *model.VerificationReview) error {
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
	_, err := s.q.Exec(ctx,
		`INSERT INTO verification_reviews (id, task_id, product_id, nutrient_key, action, notes, reviewed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rev.ID, taskID, rev.ProductID, string(rev.Key), rev.Action, rev.Notes, rev.ReviewedBy, rev.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert verification review %s/%s", rev.ProductID, rev.Key)
}

// Runs

const runColumns = `id, kind, organization_id, dry_run, started_at, finished_at, summary`

func (s *PostgresStore) RecordRun(ctx context.Context, run *model.RunRecord) error {
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
	_, err := s.q.Exec(ctx,
		`INSERT INTO runs (id, kind, organization_id, dry_run, started_at, finished_at, summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Kind), run.OrgSlug, run.DryRun, run.StartedAt, run.FinishedAt, []byte(summary),
	)
	return eris.Wrapf(err, "postgres: record run %s", run.ID)
}

func (s *PostgresStore) LatestRun(ctx context.Context, kind model.RunKind) (*model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY finished_at DESC LIMIT 1`

	row := s.q.QueryRow(ctx, query, args...)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest run")
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if f.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(f.Kind))
		argIdx++
	}
	if f.Org != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, f.Org)
		argIdx++
	}
	query += ` ORDER BY finished_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Counts

func (s *PostgresStore) Counts(ctx context.Context, org string, core []nutrient.Key) (*StatusCounts, error) {
	var c StatusCounts

	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM products WHERE organization_id = $1`, org,
	).Scan(&c.Products)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count products")
	}

	err = s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM products p
		 WHERE p.organization_id = $1
		   AND (SELECT COUNT(DISTINCT v.nutrient_key) FROM product_nutrient_values v
		        WHERE v.product_id = p.id AND v.nutrient_key = ANY($2)
		          AND v.value_per_100g IS NOT NULL) < $3`,
		org, keysToStrings(core), len(core),
	).Scan(&c.ProductsMissingCore)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count products missing core")
	}

	err = s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM product_nutrient_values v
		 JOIN products p ON p.id = v.product_id
		 WHERE p.organization_id = $1 AND v.verification_status = $2`,
		org, string(nutrient.StatusUnverified),
	).Scan(&c.UnverifiedValues)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count unverified values")
	}

	err = s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM verification_tasks WHERE organization_id = $1 AND status = $2`,
		org, string(model.TaskOpen),
	).Scan(&c.OpenTasks)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count open tasks")
	}

	err = s.q.QueryRow(ctx, `SELECT COUNT(*) FROM manufacturer_catalog`).Scan(&c.CatalogEntries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count catalog entries")
	}

	rows, err := s.q.Query(ctx,
		`SELECT label_type, COUNT(*) FROM label_snapshots WHERE organization_id = $1 GROUP BY label_type`,
		org,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count snapshots")
	}
	defer rows.Close()

	c.SnapshotsByType = make(map[model.LabelType]int)
	for rows.Next() {
		var lt model.LabelType
		var n int
		if err := rows.Scan(&lt, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot count")
		}
		c.SnapshotsByType[lt] = n
	}
	return &c, eris.Wrap(rows.Err(), "postgres: count snapshots iterate")
}

// collectValues drains a value result set.
func collectValues(rows pgx.Rows) ([]model.NutrientValue, error) {
	var values []model.NutrientValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan value")
		}
		values = append(values, *v)
	}
	return values, eris.Wrap(rows.Err(), "postgres: values iterate")
}
