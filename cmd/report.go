package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/report"
	"github.com/zemo2003/nutrition-autopilot/pkg/notion"
)

var (
	reportKind     string
	reportDatabase string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish run reports to external sinks",
}

var reportNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Mirror the latest run of a kind into the Notion runs database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("report"); err != nil {
			return err
		}

		kind, err := parseRunKind(reportKind)
		if err != nil {
			return err
		}

		dbID := reportDatabase
		if dbID == "" {
			dbID = cfg.Notion.DatabaseID
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		client := notion.NewClient(cfg.Notion.Token)
		res, err := report.NewPublisher(st, client, dbID).Publish(ctx, kind)
		if err != nil {
			return eris.Wrap(err, "report notion")
		}

		return printJSON(res)
	},
}

func parseRunKind(s string) (model.RunKind, error) {
	for _, kind := range runKindOrder {
		if string(kind) == s {
			return kind, nil
		}
	}
	return "", eris.Errorf("unknown run kind %q", s)
}

func init() {
	reportNotionCmd.Flags().StringVar(&reportKind, "kind", "", "run kind to report (required)")
	reportNotionCmd.Flags().StringVar(&reportDatabase, "database", "", "Notion database ID (default from config)")
	_ = reportNotionCmd.MarkFlagRequired("kind")

	reportCmd.AddCommand(reportNotionCmd)
	rootCmd.AddCommand(reportCmd)
}
