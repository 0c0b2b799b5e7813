// Package catalog bulk-loads manufacturer nutrition data into the local
// product catalog. It accepts OpenFoodFacts JSONL dumps, delimited text, and
// vendor XLSX workbooks, from HTTP, FTP, or local files, optionally gzipped.
// Loaded entries are what the manufacturer provider consults before calling
// the OpenFoodFacts API.
package catalog

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/fetcher"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/source"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// Format identifies the layout of a catalog source file.
type Format string

const (
	FormatOFFJSONL Format = "off-jsonl"
	FormatCSV      Format = "csv"
	FormatXLSX     Format = "xlsx"
)

const defaultBatchSize = 500

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatOFFJSONL, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("catalog: unknown format %q (want off-jsonl, csv, or xlsx)", s)
	}
}

// DetectFormat infers the format from the source file extension, looking
// through a trailing .gz.
func DetectFormat(src string) (Format, error) {
	name := strings.TrimSuffix(strings.ToLower(sourcePath(src)), ".gz")
	switch {
	case strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".ndjson"):
		return FormatOFFJSONL, nil
	case strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".tsv") || strings.HasSuffix(name, ".txt"):
		return FormatCSV, nil
	case strings.HasSuffix(name, ".xlsx"):
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("catalog: cannot infer format of %q, pass --format", src)
	}
}

// Options configure a catalog import run.
type Options struct {
	Source    string // URL (http, https, ftp) or local path
	Format    Format // empty means infer from the source extension
	Gzip      bool   // force gunzip even without a .gz suffix
	SourceTag string // recorded on each entry; defaults per format
	Verified  bool   // mark rows verified (curated vendor sheets only)
	Limit     int    // stop after this many data rows, 0 means all
	BatchSize int
}

// Summary reports what an import run did.
type Summary struct {
	RunID       string            `json:"runId"`
	Kind        model.RunKind     `json:"kind"`
	Source      string            `json:"source"`
	Format      Format            `json:"format"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	RowsRead    int               `json:"rowsRead"`
	RowsKept    int               `json:"rowsKept"`
	RowsSkipped int               `json:"rowsSkipped"`
	Upserted    int64             `json:"upserted"`
	Errors      []model.ItemError `json:"errors,omitempty"`
}

// Importer streams a source file into the catalog table.
type Importer struct {
	store store.Store
	http  fetcher.Fetcher
	ftp   fetcher.Fetcher
	log   *zap.Logger
}

func NewImporter(st store.Store, httpFetcher, ftpFetcher fetcher.Fetcher) *Importer {
	return &Importer{
		store: st,
		http:  httpFetcher,
		ftp:   ftpFetcher,
		log:   zap.L().With(zap.String("component", "catalog.importer")),
	}
}

// Run fetches, decodes, and upserts the source. Rows that fail validation
// (unusable UPC, no parseable nutrients) are counted and skipped; stream and
// store failures abort the run. Upserts are batched and idempotent, so there
// is no dry-run mode: rerunning an import converges on the same rows.
func (im *Importer) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      model.RunCatalog,
		Source:    opts.Source,
		StartedAt: time.Now().UTC(),
	}
	log := im.log.With(zap.String("run_id", sum.RunID), zap.String("source", opts.Source))

	format := opts.Format
	if format == "" {
		f, err := DetectFormat(opts.Source)
		if err != nil {
			return im.fail(sum, "detect-format", err)
		}
		format = f
	}
	sum.Format = format
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SourceTag == "" {
		opts.SourceTag = defaultSourceTag(format)
	}

	log.Info("starting catalog import",
		zap.String("format", string(format)),
		zap.String("source_tag", opts.SourceTag),
		zap.Bool("verified", opts.Verified),
	)

	var err error
	switch format {
	case FormatOFFJSONL:
		err = im.importOFF(ctx, opts, sum)
	case FormatCSV:
		err = im.importTable(ctx, opts, sum)
	case FormatXLSX:
		err = im.importWorkbook(ctx, opts, sum)
	default:
		err = eris.Errorf("catalog: unknown format %q (want off-jsonl, csv, or xlsx)", format)
	}
	if err != nil {
		return im.fail(sum, "import", err)
	}

	sum.FinishedAt = time.Now().UTC()
	if err := im.recordRun(ctx, sum); err != nil {
		return im.fail(sum, "record-run", err)
	}

	log.Info("catalog import finished",
		zap.Int("rows_read", sum.RowsRead),
		zap.Int("rows_kept", sum.RowsKept),
		zap.Int("rows_skipped", sum.RowsSkipped),
		zap.Int64("upserted", sum.Upserted),
	)
	return sum, nil
}

func (im *Importer) fail(sum *Summary, stage string, err error) (*Summary, error) {
	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	sum.Errors = append(sum.Errors, model.ItemError{Stage: stage, Reason: err.Error()})
	return sum, err
}

func (im *Importer) recordRun(ctx context.Context, sum *Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "catalog: marshal run summary")
	}
	return im.store.RecordRun(ctx, &model.RunRecord{
		ID:         sum.RunID,
		Kind:       model.RunCatalog,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Summary:    payload,
	})
}

// offRow is the shape of one line in an OpenFoodFacts JSONL export.
type offRow struct {
	Code        string         `json:"code"`
	ProductName string         `json:"product_name"`
	Brands      string         `json:"brands"`
	Nutriments  map[string]any `json:"nutriments"`
}

func (im *Importer) importOFF(ctx context.Context, opts Options, sum *Summary) error {
	rc, err := im.open(ctx, opts)
	if err != nil {
		return err
	}
	defer rc.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errCh := fetcher.DecodeJSONLines[offRow](streamCtx, rc)
	w := &batchWriter{store: im.store, size: opts.BatchSize}
	now := time.Now().UTC()
	limitHit := false

	for row := range rows {
		if limitHit {
			continue
		}
		sum.RowsRead++
		if entry, ok := offEntry(row, opts, now); ok {
			if err := w.add(ctx, entry); err != nil {
				return err
			}
			sum.RowsKept++
		} else {
			sum.RowsSkipped++
		}
		if opts.Limit > 0 && sum.RowsRead >= opts.Limit {
			limitHit = true
			cancel()
		}
	}
	if err := <-errCh; err != nil && !limitHit {
		return err
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	sum.Upserted = w.total
	return nil
}

func (im *Importer) importTable(ctx context.Context, opts Options, sum *Summary) error {
	rc, err := im.open(ctx, opts)
	if err != nil {
		return err
	}
	defer rc.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errCh := fetcher.StreamCSV(streamCtx, rc, fetcher.CSVOptions{
		Delimiter:  tableDelimiter(opts.Source),
		LazyQuotes: true,
		TrimSpace:  true,
	})

	w := &batchWriter{store: im.store, size: opts.BatchSize}
	now := time.Now().UTC()
	var cols tableColumns
	headerSeen := false
	limitHit := false

	for record := range rows {
		if limitHit {
			continue
		}
		if !headerSeen {
			// First record is the header row.
			if cols, err = mapTable(record); err != nil {
				return err
			}
			headerSeen = true
			continue
		}
		sum.RowsRead++
		if entry, ok := tableEntry(cols, record, opts, now); ok {
			if err := w.add(ctx, entry); err != nil {
				return err
			}
			sum.RowsKept++
		} else {
			sum.RowsSkipped++
		}
		if opts.Limit > 0 && sum.RowsRead >= opts.Limit {
			limitHit = true
			cancel()
		}
	}
	if err := <-errCh; err != nil && !limitHit {
		return err
	}
	if !headerSeen {
		return eris.Errorf("catalog: %s is empty", opts.Source)
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	sum.Upserted = w.total
	return nil
}

func (im *Importer) importWorkbook(ctx context.Context, opts Options, sum *Summary) error {
	if opts.Gzip || strings.HasSuffix(strings.ToLower(sourcePath(opts.Source)), ".gz") {
		return eris.New("catalog: gzipped xlsx is not supported, decompress it first")
	}

	path, cleanup, err := im.workbookPath(ctx, opts.Source)
	if err != nil {
		return err
	}
	defer cleanup()

	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return eris.Errorf("catalog: %s is empty", opts.Source)
	}
	cols, err := mapTable(rows[0])
	if err != nil {
		return err
	}

	w := &batchWriter{store: im.store, size: opts.BatchSize}
	now := time.Now().UTC()

	for _, record := range rows[1:] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sum.RowsRead++
		if entry, ok := tableEntry(cols, record, opts, now); ok {
			if err := w.add(ctx, entry); err != nil {
				return err
			}
			sum.RowsKept++
		} else {
			sum.RowsSkipped++
		}
		if opts.Limit > 0 && sum.RowsRead >= opts.Limit {
			break
		}
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	sum.Upserted = w.total
	return nil
}

// open routes the source to the right fetcher and layers gunzip on top when
// the name or the Gzip flag asks for it.
func (im *Importer) open(ctx context.Context, opts Options) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	switch sourceScheme(opts.Source) {
	case "http", "https":
		rc, err = im.http.Download(ctx, opts.Source)
	case "ftp":
		rc, err = im.ftp.Download(ctx, opts.Source)
	default:
		rc, err = os.Open(opts.Source)
		if err != nil {
			err = eris.Wrapf(err, "catalog: open %s", opts.Source)
		}
	}
	if err != nil {
		return nil, err
	}
	return fetcher.MaybeGunzip(rc, opts.Source, opts.Gzip)
}

// workbookPath returns a local path for the workbook, downloading remote
// sources to a temp file first. xlsx is a zip container and needs random
// access, so it cannot stream.
func (im *Importer) workbookPath(ctx context.Context, src string) (string, func(), error) {
	scheme := sourceScheme(src)
	if scheme != "http" && scheme != "https" && scheme != "ftp" {
		return src, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "catalog-*.xlsx")
	if err != nil {
		return "", nil, eris.Wrap(err, "catalog: create temp workbook")
	}
	tmp.Close()

	f := im.http
	if scheme == "ftp" {
		f = im.ftp
	}
	if _, err := f.DownloadToFile(ctx, src, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// batchWriter accumulates entries and flushes them through BulkUpsertCatalog.
type batchWriter struct {
	store store.Store
	size  int
	buf   []model.CatalogEntry
	total int64
}

func (w *batchWriter) add(ctx context.Context, e model.CatalogEntry) error {
	w.buf = append(w.buf, e)
	if len(w.buf) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.store.BulkUpsertCatalog(ctx, w.buf)
	if err != nil {
		return eris.Wrap(err, "catalog: bulk upsert")
	}
	w.total += n
	w.buf = w.buf[:0]
	return nil
}

func offEntry(row offRow, opts Options, now time.Time) (model.CatalogEntry, bool) {
	upc := source.NormalizeUPC(row.Code)
	if upc == "" {
		return model.CatalogEntry{}, false
	}
	nutrients := source.OFFNutrients(row.Nutriments)
	if len(nutrients) == 0 {
		return model.CatalogEntry{}, false
	}
	return model.CatalogEntry{
		UPC:       upc,
		Name:      strings.TrimSpace(row.ProductName),
		Brand:     firstBrand(row.Brands),
		Source:    opts.SourceTag,
		Verified:  opts.Verified,
		Nutrients: nutrients,
		UpdatedAt: now,
	}, true
}

// firstBrand keeps the first entry of an OFF comma-separated brand list.
func firstBrand(brands string) string {
	for _, b := range strings.Split(brands, ",") {
		if b = strings.TrimSpace(b); b != "" {
			return b
		}
	}
	return ""
}

// tableColumns locates the identity and nutrient columns of a delimited
// catalog sheet. Values are assumed per 100 g in each key's canonical unit.
type tableColumns struct {
	upc   int
	name  int
	brand int
	keys  map[int]nutrient.Key
}

// headerAliases maps vendor spellings to canonical keys. Canonical key names
// themselves are accepted directly by headerKey.
var headerAliases = map[string]nutrient.Key{
	"calories":       nutrient.Kcal,
	"energy":         nutrient.Kcal,
	"energy_kcal":    nutrient.Kcal,
	"protein":        nutrient.ProteinG,
	"carbs":          nutrient.CarbG,
	"carbohydrate":   nutrient.CarbG,
	"carbohydrates":  nutrient.CarbG,
	"carbohydrate_g": nutrient.CarbG,
	"fat":            nutrient.FatG,
	"total_fat":      nutrient.FatG,
	"fiber":          nutrient.FiberG,
	"dietary_fiber":  nutrient.FiberG,
	"sugar":          nutrient.SugarsG,
	"sugars":         nutrient.SugarsG,
	"added_sugar":    nutrient.AddedSugarsG,
	"added_sugars":   nutrient.AddedSugarsG,
	"saturated_fat":  nutrient.SatFatG,
	"sat_fat":        nutrient.SatFatG,
	"trans_fat":      nutrient.TransFatG,
	"cholesterol":    nutrient.CholesterolMg,
	"sodium":         nutrient.SodiumMg,
	"calcium":        nutrient.CalciumMg,
	"iron":           nutrient.IronMg,
	"potassium":      nutrient.PotassiumMg,
}

func mapTable(header []string) (tableColumns, error) {
	cols := tableColumns{upc: -1, name: -1, brand: -1, keys: make(map[int]nutrient.Key)}
	for i, raw := range header {
		switch h := normalizeHeader(raw); h {
		case "upc", "gtin", "gtin_upc", "barcode", "code", "ean":
			if cols.upc == -1 {
				cols.upc = i
			}
		case "name", "product_name", "product", "description":
			if cols.name == -1 {
				cols.name = i
			}
		case "brand", "brands", "manufacturer":
			if cols.brand == -1 {
				cols.brand = i
			}
		default:
			if key, ok := headerKey(h); ok {
				cols.keys[i] = key
			}
		}
	}
	if cols.upc == -1 {
		return cols, eris.New("catalog: sheet has no UPC column")
	}
	if len(cols.keys) == 0 {
		return cols, eris.New("catalog: sheet has no recognizable nutrient columns")
	}
	return cols, nil
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}

func headerKey(h string) (nutrient.Key, bool) {
	if key, ok := nutrient.ParseKey(h); ok {
		return key, true
	}
	key, ok := headerAliases[h]
	return key, ok
}

func tableEntry(cols tableColumns, record []string, opts Options, now time.Time) (model.CatalogEntry, bool) {
	upc := source.NormalizeUPC(cell(record, cols.upc))
	if upc == "" {
		return model.CatalogEntry{}, false
	}
	nutrients := make(map[nutrient.Key]float64, len(cols.keys))
	for idx, key := range cols.keys {
		v, err := strconv.ParseFloat(strings.TrimSpace(cell(record, idx)), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		nutrients[key] = v
	}
	if len(nutrients) == 0 {
		return model.CatalogEntry{}, false
	}
	return model.CatalogEntry{
		UPC:       upc,
		Name:      strings.TrimSpace(cell(record, cols.name)),
		Brand:     strings.TrimSpace(cell(record, cols.brand)),
		Source:    opts.SourceTag,
		Verified:  opts.Verified,
		Nutrients: nutrients,
		UpdatedAt: now,
	}, true
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func defaultSourceTag(format Format) string {
	if format == FormatOFFJSONL {
		return "openfoodfacts"
	}
	return "manufacturer"
}

func tableDelimiter(src string) rune {
	name := strings.TrimSuffix(strings.ToLower(sourcePath(src)), ".gz")
	if strings.HasSuffix(name, ".tsv") || strings.HasSuffix(name, ".tab") {
		return '\t'
	}
	return ','
}

func sourceScheme(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func sourcePath(src string) string {
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		return u.Path
	}
	return src
}
