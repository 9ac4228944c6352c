package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"primegap/services/config"
	"primegap/services/engine"
)

func newBasisCmd(a *app) *cobra.Command {
	var limit string
	cmd := &cobra.Command{
		Use:   "basis",
		Short: "Build the basis sieve and print its size",
		Long: `Builds the basis of small primes a scan would use and reports its size
and coverage. Without --limit the limit is derived from the configured window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.resolveConfig(cmd)
			if err != nil {
				return err
			}
			n := cfg.ShieldLimit()
			if cmd.Flags().Changed("limit") {
				if n, err = config.ParseCount(limit); err != nil {
					return fmt.Errorf("--limit: %w", err)
				}
			}

			monitor := engine.NewPerformanceMonitor(cfg.SLO)
			basis, err := buildBasis(monitor, n, cfg.MaxSieveBytes)
			if err != nil {
				return err
			}
			r := monitor.Results()[0]

			p := message.NewPrinter(language.English)
			out := cmd.OutOrStdout()
			p.Fprintf(out, "limit:       %d\n", basis.Limit())
			p.Fprintf(out, "primes:      %d\n", basis.Len())
			p.Fprintf(out, "largest:     %d\n", basis.Largest())
			p.Fprintf(out, "covers up to %d\n", basis.MaxCovered())
			p.Fprintf(out, "built in     %v (%.1f MB heap)\n", r.Duration, r.MemoryMB)
			return nil
		},
	}
	cmd.Flags().StringVar(&limit, "limit", "", "Sieve limit (default: derived from the window)")
	cmd.Flags().StringVar(&a.scan.start, "start", "", "First integer of the window")
	cmd.Flags().StringVar(&a.scan.rangeLen, "range", "", "Window length")
	cmd.Flags().Uint64Var(&a.scan.margin, "margin", 0, "Extra basis primes beyond sqrt(end)")
	cmd.Flags().StringVar(&a.scan.maxSieveBytes, "max-sieve-bytes", "", "Memory budget for the basis sieve")
	return cmd
}
