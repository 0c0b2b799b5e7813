package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/verify"
)

var (
	sweepOrg    string
	sweepMonth  string
	sweepDryRun bool

	floorsOrg      string
	floorsArtifact string
	floorsDryRun   bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Nutrient value verification workflows",
	Long:  "Commands that repair suspect nutrient rows, auto-verify trustworthy ones, and clean up historical floor imputations.",
}

var verifySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Repair trace rows, auto-verify trusted values, reconcile tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("verify"); err != nil {
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

		sum, err := verify.NewSweeper(st, pol).Run(ctx, verify.SweepOptions{
			Org:    sweepOrg,
			Month:  sweepMonth,
			DryRun: sweepDryRun,
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "verify sweep")
		}
		return nil
	},
}

var verifyFloorsCmd = &cobra.Command{
	Use:   "clean-floors",
	Short: "Export and neutralize floor-imputed nutrient rows",
	Long:  "Writes every trace-floor-imputed row to a JSON artifact, then nulls the stored values and flags them for rebuild so the next enrichment pass resolves them from real sources.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("verify"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := verify.NewFloorCleaner(st).Run(ctx, verify.FloorOptions{
			Org:          floorsOrg,
			ArtifactPath: floorsArtifact,
			DryRun:       floorsDryRun,
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "verify clean-floors")
		}
		return nil
	},
}

func init() {
	verifySweepCmd.Flags().StringVar(&sweepOrg, "org", "", "organization slug (required)")
	verifySweepCmd.Flags().StringVar(&sweepMonth, "month", "", "only sweep products served in YYYY-MM (default all)")
	verifySweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "report repairs without committing")
	_ = verifySweepCmd.MarkFlagRequired("org")

	verifyFloorsCmd.Flags().StringVar(&floorsOrg, "org", "", "organization slug (required)")
	verifyFloorsCmd.Flags().StringVar(&floorsArtifact, "artifact", "", "artifact output path (default artifacts/floor_cleanup_<timestamp>.json)")
	verifyFloorsCmd.Flags().BoolVar(&floorsDryRun, "dry-run", false, "write the artifact without modifying rows")
	_ = verifyFloorsCmd.MarkFlagRequired("org")

	verifyCmd.AddCommand(verifySweepCmd)
	verifyCmd.AddCommand(verifyFloorsCmd)
	rootCmd.AddCommand(verifyCmd)
}
