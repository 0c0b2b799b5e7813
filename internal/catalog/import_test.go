package catalog

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/zemo2003/nutrition-autopilot/internal/fetcher"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

type fakeStore struct {
	store.Store

	batches    [][]model.CatalogEntry
	upserted   []model.CatalogEntry
	run        *model.RunRecord
	failUpsert bool
}

func (f *fakeStore) BulkUpsertCatalog(_ context.Context, entries []model.CatalogEntry) (int64, error) {
	if f.failUpsert {
		return 0, errors.New("catalog write refused")
	}
	batch := append([]model.CatalogEntry(nil), entries...)
	f.batches = append(f.batches, batch)
	f.upserted = append(f.upserted, batch...)
	return int64(len(batch)), nil
}

func (f *fakeStore) RecordRun(_ context.Context, run *model.RunRecord) error {
	f.run = run
	return nil
}

// stubFetcher satisfies fetcher.Fetcher without a network.
type stubFetcher struct {
	payload []byte
	calls   []string
	err     error
}

func (s *stubFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(bytes.NewReader(s.payload)), nil
}

func (s *stubFetcher) DownloadToFile(_ context.Context, url, path string) (int64, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return 0, s.err
	}
	if err := os.WriteFile(path, s.payload, 0o644); err != nil {
		return 0, err
	}
	return int64(len(s.payload)), nil
}

const offLines = `{"code":"0049000042566","product_name":"  Cola Classic ","brands":" Coca-Cola , Coke","nutriments":{"energy-kcal_100g":42,"proteins_100g":0,"carbohydrates_100g":10.6,"fat_100g":0,"salt_100g":0.01}}
{"code":"123","product_name":"Too Short","nutriments":{"energy-kcal_100g":10}}
{"code":"0012345678905","product_name":"No Data","nutriments":{}}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImporter_OFFJSONLOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, offLines)
	}))
	defer srv.Close()

	st := &fakeStore{}
	im := NewImporter(st, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RetryBase: time.Millisecond}), nil)

	sum, err := im.Run(context.Background(), Options{Source: srv.URL + "/dump.jsonl"})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.RowsRead)
	assert.Equal(t, 1, sum.RowsKept)
	assert.Equal(t, 2, sum.RowsSkipped)
	assert.EqualValues(t, 1, sum.Upserted)
	assert.Equal(t, FormatOFFJSONL, sum.Format)
	assert.Empty(t, sum.Errors)

	require.Len(t, st.upserted, 1)
	e := st.upserted[0]
	assert.Equal(t, "0049000042566", e.UPC)
	assert.Equal(t, "Cola Classic", e.Name)
	assert.Equal(t, "Coca-Cola", e.Brand)
	assert.Equal(t, "openfoodfacts", e.Source)
	assert.False(t, e.Verified)
	assert.Len(t, e.Nutrients, 5)
	assert.Equal(t, 42.0, e.Nutrients[nutrient.Kcal])
	assert.Equal(t, 10.6, e.Nutrients[nutrient.CarbG])
	assert.Equal(t, 0.0, e.Nutrients[nutrient.ProteinG])
	assert.InDelta(t, 3.934, e.Nutrients[nutrient.SodiumMg], 1e-9)

	require.NotNil(t, st.run)
	assert.Equal(t, model.RunCatalog, st.run.Kind)
	var got Summary
	require.NoError(t, json.Unmarshal(st.run.Summary, &got))
	assert.Equal(t, sum.RowsRead, got.RowsRead)
	assert.Equal(t, sum.Upserted, got.Upserted)
	assert.Equal(t, sum.RunID, got.RunID)
}

func TestImporter_GzippedJSONLBySuffix(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(offLines))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "dump.jsonl.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.RowsKept)
	assert.Equal(t, FormatOFFJSONL, sum.Format)
}

func TestImporter_CSVHeaderMapping(t *testing.T) {
	path := writeFile(t, "sheet.csv", strings.Join([]string{
		"UPC,Product Name,Brand,Calories,Protein,Total Fat,Carbs,Sodium",
		"0012345678905,Greek Yogurt,Fage,59,10.2,0.4,3.6,36",
		"bogus,No Barcode,,100,1,1,1,1",
		"0049000042566,Missing Values,Coke,,,,,",
		"0079400266755,Short Row",
	}, "\n"))

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path, Verified: true})
	require.NoError(t, err)

	assert.Equal(t, 4, sum.RowsRead)
	assert.Equal(t, 1, sum.RowsKept)
	assert.Equal(t, 3, sum.RowsSkipped)

	require.Len(t, st.upserted, 1)
	e := st.upserted[0]
	assert.Equal(t, "0012345678905", e.UPC)
	assert.Equal(t, "Greek Yogurt", e.Name)
	assert.Equal(t, "Fage", e.Brand)
	assert.Equal(t, "manufacturer", e.Source)
	assert.True(t, e.Verified)
	assert.Equal(t, map[nutrient.Key]float64{
		nutrient.Kcal:     59,
		nutrient.ProteinG: 10.2,
		nutrient.FatG:     0.4,
		nutrient.CarbG:    3.6,
		nutrient.SodiumMg: 36,
	}, e.Nutrients)
}

func TestImporter_TSVDelimiter(t *testing.T) {
	path := writeFile(t, "sheet.tsv",
		"code\tdescription\tcalories\n0012345678905\tOat Milk\t46\n")

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.RowsKept)
	require.Len(t, st.upserted, 1)
	assert.Equal(t, "Oat Milk", st.upserted[0].Name)
	assert.Equal(t, 46.0, st.upserted[0].Nutrients[nutrient.Kcal])
}

func TestImporter_CSVWithoutUPCColumn(t *testing.T) {
	path := writeFile(t, "sheet.csv", "name,kcal\nYogurt,59\n")

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no UPC column")

	assert.Nil(t, st.run)
	require.NotNil(t, sum)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "import", sum.Errors[0].Stage)
}

func TestImporter_LimitStopsReading(t *testing.T) {
	rows := []string{"upc,kcal"}
	for _, upc := range []string{"0012345678905", "0049000042566", "0079400266755", "0011110038364", "0070847811169"} {
		rows = append(rows, upc+",100")
	}
	path := writeFile(t, "sheet.csv", strings.Join(rows, "\n"))

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.RowsRead)
	assert.Equal(t, 2, sum.RowsKept)
	assert.EqualValues(t, 2, sum.Upserted)
}

func TestImporter_BatchFlushing(t *testing.T) {
	rows := []string{"upc,kcal"}
	for _, upc := range []string{"0012345678905", "0049000042566", "0079400266755", "0011110038364", "0070847811169"} {
		rows = append(rows, upc+",100")
	}
	path := writeFile(t, "sheet.csv", strings.Join(rows, "\n"))

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path, BatchSize: 2})
	require.NoError(t, err)

	assert.EqualValues(t, 5, sum.Upserted)
	require.Len(t, st.batches, 3)
	assert.Len(t, st.batches[0], 2)
	assert.Len(t, st.batches[1], 2)
	assert.Len(t, st.batches[2], 1)
}

func TestImporter_XLSXLocal(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"GTIN", "Name", "Brand", "kcal", "protein_g"},
		{"0012345678905", "Chicken Breast", "Perdue", "165", "31"},
		{"short", "Bad Barcode", "", "10", "1"},
	})

	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path})
	require.NoError(t, err)

	assert.Equal(t, FormatXLSX, sum.Format)
	assert.Equal(t, 2, sum.RowsRead)
	assert.Equal(t, 1, sum.RowsKept)
	assert.Equal(t, 1, sum.RowsSkipped)
	require.Len(t, st.upserted, 1)
	assert.Equal(t, "Chicken Breast", st.upserted[0].Name)
	assert.Equal(t, 31.0, st.upserted[0].Nutrients[nutrient.ProteinG])
}

func TestImporter_XLSXRemoteDownloadsToTemp(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"upc", "name", "kcal"},
		{"0012345678905", "Chicken Breast", "165"},
	})
	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	httpStub := &stubFetcher{payload: payload}
	st := &fakeStore{}
	sum, err := NewImporter(st, httpStub, nil).Run(context.Background(), Options{
		Source: "https://vendor.example/catalog.xlsx",
	})
	require.NoError(t, err)

	require.Len(t, httpStub.calls, 1)
	assert.Equal(t, "https://vendor.example/catalog.xlsx", httpStub.calls[0])
	assert.Equal(t, 1, sum.RowsKept)
}

func TestImporter_FTPRoutesToFTPFetcher(t *testing.T) {
	httpStub := &stubFetcher{}
	ftpStub := &stubFetcher{payload: []byte("upc,kcal\n0012345678905,165\n")}

	st := &fakeStore{}
	sum, err := NewImporter(st, httpStub, ftpStub).Run(context.Background(), Options{
		Source: "ftp://mirror.example/catalog.csv",
	})
	require.NoError(t, err)

	assert.Empty(t, httpStub.calls)
	require.Len(t, ftpStub.calls, 1)
	assert.Equal(t, 1, sum.RowsKept)
}

func TestImporter_GzippedXLSXRejected(t *testing.T) {
	st := &fakeStore{}
	_, err := NewImporter(st, nil, nil).Run(context.Background(), Options{
		Source: "catalog.xlsx",
		Gzip:   true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decompress")
	assert.Nil(t, st.run)
}

func TestImporter_UpsertFailureAborts(t *testing.T) {
	path := writeFile(t, "sheet.csv", "upc,kcal\n0012345678905,165\n")

	st := &fakeStore{failUpsert: true}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog write refused")

	assert.Nil(t, st.run)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "import", sum.Errors[0].Stage)
}

func TestImporter_UnknownExtensionNeedsFormat(t *testing.T) {
	st := &fakeStore{}
	sum, err := NewImporter(st, nil, nil).Run(context.Background(), Options{Source: "catalog.dat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot infer format")
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "detect-format", sum.Errors[0].Stage)
}

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Catalog")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, cellValue := range row {
			r.AddCell().Value = cellValue
		}
	}
	path := filepath.Join(t.TempDir(), "catalog.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		src  string
		want Format
	}{
		{"dump.jsonl", FormatOFFJSONL},
		{"dump.ndjson", FormatOFFJSONL},
		{"DUMP.JSONL.GZ", FormatOFFJSONL},
		{"https://static.openfoodfacts.org/data/openfoodfacts-products.jsonl.gz?download=1", FormatOFFJSONL},
		{"sheet.csv", FormatCSV},
		{"sheet.tsv", FormatCSV},
		{"export.txt", FormatCSV},
		{"/data/vendor.xlsx", FormatXLSX},
	}
	for _, tc := range tests {
		got, err := DetectFormat(tc.src)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}

	_, err := DetectFormat("products.dat")
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	got, err := ParseFormat(" OFF-JSONL ")
	require.NoError(t, err)
	assert.Equal(t, FormatOFFJSONL, got)

	for _, s := range []string{"csv", "xlsx"} {
		got, err := ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, Format(s), got)
	}

	_, err = ParseFormat("parquet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestMapTable(t *testing.T) {
	cols, err := mapTable([]string{"Barcode", "Description", "Manufacturer", "Dietary Fiber", "sugars_g", "unrelated"})
	require.NoError(t, err)
	assert.Equal(t, 0, cols.upc)
	assert.Equal(t, 1, cols.name)
	assert.Equal(t, 2, cols.brand)
	assert.Equal(t, map[int]nutrient.Key{
		3: nutrient.FiberG,
		4: nutrient.SugarsG,
	}, cols.keys)

	// First identity column wins when a sheet repeats one.
	cols, err = mapTable([]string{"upc", "code", "kcal"})
	require.NoError(t, err)
	assert.Equal(t, 0, cols.upc)

	_, err = mapTable([]string{"name", "kcal"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no UPC column")

	_, err = mapTable([]string{"upc", "name", "made in"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recognizable nutrient columns")
}

func TestFirstBrand(t *testing.T) {
	assert.Equal(t, "Coca-Cola", firstBrand(" Coca-Cola , Coke"))
	assert.Equal(t, "Coke", firstBrand(" , Coke"))
	assert.Equal(t, "", firstBrand("  "))
	assert.Equal(t, "", firstBrand(""))
}
