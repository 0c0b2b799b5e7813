package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/schedule"
)

var (
	timesOrg    string
	timesMonth  string
	timesLimit  int
	timesDryRun bool
)

var labelsTimesCmd = &cobra.Command{
	Use:   "correct-times",
	Short: "Snap served-at timestamps to their meal slot's canonical time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		month := timesMonth
		if month == "" {
			month = time.Now().UTC().Format("2006-01")
		}

		sum, err := schedule.NewCorrector(st).Run(ctx, schedule.Options{
			Org:    timesOrg,
			Month:  month,
			Limit:  timesLimit,
			DryRun: timesDryRun,
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "labels correct-times")
		}
		return nil
	},
}

func init() {
	labelsTimesCmd.Flags().StringVar(&timesOrg, "org", "", "organization slug (required)")
	labelsTimesCmd.Flags().StringVar(&timesMonth, "month", "", "service month YYYY-MM (default current month)")
	labelsTimesCmd.Flags().IntVar(&timesLimit, "limit", 0, "max events to check (0 = all)")
	labelsTimesCmd.Flags().BoolVar(&timesDryRun, "dry-run", false, "report deviations without committing")
	_ = labelsTimesCmd.MarkFlagRequired("org")
	labelsCmd.AddCommand(labelsTimesCmd)
}
