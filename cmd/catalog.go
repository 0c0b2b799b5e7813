package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/catalog"
	"github.com/zemo2003/nutrition-autopilot/internal/fetcher"
)

var (
	importSource    string
	importFormat    string
	importGzip      bool
	importSourceTag string
	importVerified  bool
	importLimit     int
	importBatchSize int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manufacturer catalog maintenance",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load a nutrition dump into the manufacturer catalog",
	Long:  "Fetches an OpenFoodFacts JSONL dump, a delimited sheet, or a vendor XLSX workbook over HTTP, FTP, or from disk, and bulk-upserts the usable rows keyed by UPC.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("catalog"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var format catalog.Format
		if importFormat != "" {
			format, err = catalog.ParseFormat(importFormat)
			if err != nil {
				return err
			}
		}

		httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:    cfg.OpenFoodFacts.UserAgent,
			RateLimiters: fetcher.DefaultRateLimiters(),
		})
		ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: time.Minute})

		sum, err := catalog.NewImporter(st, httpFetcher, ftpFetcher).Run(ctx, catalog.Options{
			Source:    importSource,
			Format:    format,
			Gzip:      importGzip,
			SourceTag: importSourceTag,
			Verified:  importVerified,
			Limit:     importLimit,
			BatchSize: importBatchSize,
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "catalog import")
		}
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().StringVar(&importSource, "source", "", "dump URL or file path (required)")
	catalogImportCmd.Flags().StringVar(&importFormat, "format", "", "off-jsonl, csv, or xlsx (default inferred from the source name)")
	catalogImportCmd.Flags().BoolVar(&importGzip, "gzip", false, "force gzip decompression regardless of extension")
	catalogImportCmd.Flags().StringVar(&importSourceTag, "source-tag", "", "catalog source label (default openfoodfacts or manufacturer by format)")
	catalogImportCmd.Flags().BoolVar(&importVerified, "verified", false, "mark imported rows as manufacturer-verified")
	catalogImportCmd.Flags().IntVar(&importLimit, "limit", 0, "stop after this many rows read (0 = all)")
	catalogImportCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "rows per bulk upsert (default 500)")
	_ = catalogImportCmd.MarkFlagRequired("source")
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
