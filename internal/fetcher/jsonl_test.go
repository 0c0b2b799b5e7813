package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Code string  `json:"code"`
	Name string  `json:"product_name"`
	Kcal float64 `json:"kcal"`
}

func TestDecodeJSONLines(t *testing.T) {
	input := `{"code":"001","product_name":"Chicken","kcal":165}
{"code":"002","product_name":"Rice","kcal":112}

{"code":"003","product_name":"Oil","kcal":884}
`
	outCh, errCh := DecodeJSONLines[testRow](context.Background(), strings.NewReader(input))

	var rows []testRow
	for row := range outCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)

	require.Len(t, rows, 3)
	assert.Equal(t, "Chicken", rows[0].Name)
	assert.Equal(t, 884.0, rows[2].Kcal)
}

func TestDecodeJSONLines_Empty(t *testing.T) {
	outCh, errCh := DecodeJSONLines[testRow](context.Background(), strings.NewReader(""))
	for range outCh {
		t.Fatal("no rows expected")
	}
	assert.NoError(t, <-errCh)
}

func TestDecodeJSONLines_Malformed(t *testing.T) {
	input := `{"code":"001"}
{not json}
`
	outCh, errCh := DecodeJSONLines[testRow](context.Background(), strings.NewReader(input))

	var rows []testRow
	for row := range outCh {
		rows = append(rows, row)
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode line")
	assert.Len(t, rows, 1)
}

func TestDecodeJSONLines_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outCh, errCh := DecodeJSONLines[testRow](ctx, strings.NewReader(`{"code":"001"}`))
	for range outCh {
	}
	assert.Error(t, <-errCh)
}

func TestDecodeJSONObject(t *testing.T) {
	obj, err := DecodeJSONObject[testRow](strings.NewReader(`{"code":"010","product_name":"Yogurt"}`))
	require.NoError(t, err)
	assert.Equal(t, "010", obj.Code)
	assert.Equal(t, "Yogurt", obj.Name)

	_, err = DecodeJSONObject[testRow](strings.NewReader("nope"))
	assert.Error(t, err)
}
