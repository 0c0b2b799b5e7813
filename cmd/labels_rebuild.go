package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/lineage"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
)

var (
	rebuildOrg    string
	rebuildMonth  string
	rebuildEvents []string
	rebuildSlot   string
	rebuildLimit  int
	rebuildDryRun bool
)

var labelsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild final label snapshots for served meal events",
	Long:  "Recomputes the SKU label tree for each scoped meal service event, freezes new snapshot versions with lineage edges, and repoints the event at its new final label.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("labels"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		builder := lineage.NewBuilder(cfg.Labels.QAToleranceKcal)
		sum, err := lineage.NewRunner(st, builder).Run(ctx, lineage.RunOptions{
			Org:      rebuildOrg,
			Month:    rebuildMonth,
			EventIDs: rebuildEvents,
			Slot:     model.MealSlot(strings.ToUpper(rebuildSlot)),
			Limit:    rebuildLimit,
			DryRun:   rebuildDryRun,
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "labels rebuild")
		}
		return nil
	},
}

func init() {
	labelsRebuildCmd.Flags().StringVar(&rebuildOrg, "org", "", "organization slug (required)")
	labelsRebuildCmd.Flags().StringVar(&rebuildMonth, "month", "", "restrict to service dates in YYYY-MM (default all)")
	labelsRebuildCmd.Flags().StringSliceVar(&rebuildEvents, "event", nil, "restrict to these event ids")
	labelsRebuildCmd.Flags().StringVar(&rebuildSlot, "slot", "", "restrict to one meal slot (e.g. LUNCH)")
	labelsRebuildCmd.Flags().IntVar(&rebuildLimit, "limit", 0, "max events to rebuild (0 = all)")
	labelsRebuildCmd.Flags().BoolVar(&rebuildDryRun, "dry-run", false, "build and report without committing")
	_ = labelsRebuildCmd.MarkFlagRequired("org")
	labelsCmd.AddCommand(labelsRebuildCmd)
}
