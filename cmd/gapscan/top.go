package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"primegap/services/report"
	"primegap/services/scanner"
)

func newTopCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "top REPORT.csv...",
		Short: "Merge reports from several runs and print the highest-merit gaps",
		Long: `Reads one or more reports written by gapscan (UTF-8 or UTF-16), drops
primes that appear in more than one, and prints the top entries as CSV.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets := make([][]scanner.Anomaly, 0, len(args))
			for _, path := range args {
				rows, err := report.ReadCSV(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				a.logger.Debug("report loaded", zap.String("path", path), zap.Int("rows", len(rows)))
				sets = append(sets, rows)
			}

			merged := report.Merge(sets...)
			if len(merged) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no anomalies in the given reports")
				return nil
			}
			if n > 0 && len(merged) > n {
				merged = merged[:n]
			}
			return report.Encode(cmd.OutOrStdout(), merged)
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 10, "Number of rows to print (0 for all)")
	return cmd
}
