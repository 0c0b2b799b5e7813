package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/enrich"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
	"github.com/zemo2003/nutrition-autopilot/pkg/openfoodfacts"
)

var (
	enrichOrg         string
	enrichProducts    []string
	enrichIngredients []string
	enrichLimit       int
	enrichDryRun      bool
	enrichBackfill    bool
	enrichPrefetch    int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Nutrient enrichment runs",
}

var enrichRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve and write nutrient values for one organization",
	Long:  "Groups the organization's products by ingredient, resolves every nutrient key through the source cascade, and writes the winning values in a single transaction.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pol, err := loadPolicy()
		if err != nil {
			return err
		}

		off := openfoodfacts.NewClient(
			openfoodfacts.WithBaseURL(cfg.OpenFoodFacts.BaseURL),
			openfoodfacts.WithRateLimit(cfg.OpenFoodFacts.RPS, cfg.OpenFoodFacts.Burst),
			openfoodfacts.WithUserAgent(cfg.OpenFoodFacts.UserAgent),
		)
		fdcClient := fdc.NewClient(cfg.FDC.APIKey,
			fdc.WithBaseURL(cfg.FDC.BaseURL),
			fdc.WithRateLimit(cfg.FDC.RPS, cfg.FDC.Burst),
		)

		prefetch := enrichPrefetch
		if prefetch == 0 {
			prefetch = cfg.Resolver.Prefetch
		}

		sum, err := enrich.New(st, pol, off, fdcClient).Run(ctx, enrich.Options{
			Org:         enrichOrg,
			ProductIDs:  enrichProducts,
			Ingredients: enrichIngredients,
			Limit:       enrichLimit,
			DryRun:      enrichDryRun,
			Backfill:    enrichBackfill || cfg.Resolver.Backfill,
			Prefetch:    prefetch,
		})
		// The summary is non-nil even when the run fails partway; print it
		// before reporting the failure so the partial outcome is visible.
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "enrich run")
		}
		return nil
	},
}

func init() {
	enrichRunCmd.Flags().StringVar(&enrichOrg, "org", "", "organization slug (required)")
	enrichRunCmd.Flags().StringSliceVar(&enrichProducts, "product", nil, "restrict to these product ids")
	enrichRunCmd.Flags().StringSliceVar(&enrichIngredients, "ingredient", nil, "restrict to these ingredient keys")
	enrichRunCmd.Flags().IntVar(&enrichLimit, "limit", 0, "max products to process (0 = all)")
	enrichRunCmd.Flags().BoolVar(&enrichDryRun, "dry-run", false, "resolve and report without committing")
	enrichRunCmd.Flags().BoolVar(&enrichBackfill, "backfill", false, "mark global-default fills as historical exceptions")
	enrichRunCmd.Flags().IntVar(&enrichPrefetch, "prefetch", 0, "concurrent manufacturer-cache warm lookups (default from config)")
	_ = enrichRunCmd.MarkFlagRequired("org")
	enrichCmd.AddCommand(enrichRunCmd)
	rootCmd.AddCommand(enrichCmd)
}
