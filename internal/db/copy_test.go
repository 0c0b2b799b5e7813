package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "manufacturer_catalog", []string{"upc", "name"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"manufacturer_catalog"}, []string{"upc", "name"}).WillReturnResult(3)

	rows := [][]any{{"00012345678905", "oats"}, {"00012345678912", "milk"}, {"00012345678929", "honey"}}
	n, err := CopyFrom(context.Background(), mock, "manufacturer_catalog", []string{"upc", "name"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"manufacturer_catalog"}, []string{"upc"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"00012345678905"}}
	_, err = CopyFrom(context.Background(), mock, "manufacturer_catalog", []string{"upc"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO manufacturer_catalog")
	assert.NoError(t, mock.ExpectationsWereMet())
}
