package main

import (
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Nutrition label snapshots",
	Long:  "Commands for rebuilding frozen label snapshots and correcting meal service times.",
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}
