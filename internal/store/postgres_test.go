package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{q: mock, pool: mock}
	return s, mock
}

func TestPostgresStore_GetProduct_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM products p`).
		WithArgs("missing-product").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetProduct(context.Background(), "missing-product")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertNutrientValue_WritesBackStoredRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// On conflict the stored row keeps its original id and bumps its version;
	// both come back through RETURNING.
	mock.ExpectQuery(`INSERT INTO product_nutrient_values`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "version"}).AddRow("existing-row-id", 3))

	val := 31.0
	v := &model.NutrientValue{
		ProductID:          "prod-1",
		Key:                nutrient.ProteinG,
		ValuePer100g:       &val,
		Unit:               "g",
		SourceType:         nutrient.SourceManufacturer,
		SourceRef:          "off:0012345678905",
		EvidenceGrade:      nutrient.GradeOpenFoodFacts,
		Confidence:         0.9,
		VerificationStatus: nutrient.StatusUnverified,
	}
	err := s.UpsertNutrientValue(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "existing-row-id", v.ID)
	assert.Equal(t, 3, v.Version)
	assert.False(t, v.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE meal_service_events SET final_label_snapshot_id`).
		WithArgs("snap-1", "evt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		return tx.SetEventFinalLabel(ctx, "evt-1", "snap-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_RollbackSentinel(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	// ErrRollback means "undo everything, report success": the dry-run path.
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		return ErrRollback
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_ErrorPropagates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		return eris.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertSnapshot_ComputesVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO label_snapshots`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(2))

	snap := &model.LabelSnapshot{
		OrganizationID: "acme",
		LabelType:      model.LabelSKU,
		ExternalRefID:  "evt-1",
		Title:          "Recovery Bowl",
		Payload:        json.RawMessage(`{"kcal":325}`),
	}
	err := s.InsertSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, 2, snap.Version)
	assert.False(t, snap.FrozenAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetValueVerification_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE product_nutrient_values`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetValueVerification(context.Background(), "missing-value", nutrient.StatusVerified)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestRun_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	run, err := s.LatestRun(context.Background(), model.RunEnrich)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OrganizationExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.OrganizationExists(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEventServedAt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE meal_service_events SET served_at`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateEventServedAt(context.Background(), "missing-event", time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
