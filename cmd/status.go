package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

var statusOrg string

// runKindOrder fixes the display order of the latest-runs block.
var runKindOrder = []model.RunKind{
	model.RunEnrich,
	model.RunLabels,
	model.RunVerify,
	model.RunCatalog,
	model.RunCorrectTimes,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts and the latest run per kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		counts, err := st.Counts(ctx, statusOrg, nutrient.CoreKeys())
		if err != nil {
			return eris.Wrap(err, "status counts")
		}

		latest := make([]*model.RunRecord, 0, len(runKindOrder))
		for _, kind := range runKindOrder {
			run, err := st.LatestRun(ctx, kind)
			if err != nil {
				return eris.Wrap(err, "status latest run")
			}
			latest = append(latest, run)
		}

		formatStatus(os.Stdout, statusOrg, counts, latest)
		return nil
	},
}

// formatStatus writes the status overview to w.
func formatStatus(out io.Writer, org string, c *store.StatusCounts, latest []*model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Organization:\t%s\n", org)
	_, _ = fmt.Fprintf(w, "Products:\t%d\n", c.Products)
	_, _ = fmt.Fprintf(w, "  Missing core keys:\t%d\n", c.ProductsMissingCore)
	_, _ = fmt.Fprintf(w, "Unverified values:\t%d\n", c.UnverifiedValues)
	_, _ = fmt.Fprintf(w, "Open tasks:\t%d\n", c.OpenTasks)
	_, _ = fmt.Fprintf(w, "Catalog entries:\t%d\n", c.CatalogEntries)
	_, _ = fmt.Fprintln(w, "Snapshots:")
	for _, lt := range []model.LabelType{model.LabelSKU, model.LabelIngredient, model.LabelProduct, model.LabelLot} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", lt, c.SnapshotsByType[lt])
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tRUN\tORG\tDRY\tFINISHED")
	_, _ = fmt.Fprintln(w, "----\t---\t---\t---\t--------")
	for i, kind := range runKindOrder {
		run := latest[i]
		if run == nil {
			_, _ = fmt.Fprintf(w, "%s\tnever\t\t\t\n", kind)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			kind,
			shortID(run.ID),
			run.OrgSlug,
			run.DryRun,
			run.FinishedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// shortID returns the first 8 characters of a UUID for compact display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().StringVar(&statusOrg, "org", "", "organization slug (required)")
	_ = statusCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(statusCmd)
}
