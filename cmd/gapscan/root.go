package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"primegap/services/config"
)

type app struct {
	getenv     func(string) string
	logger     *zap.Logger
	verbose    bool
	configPath string
	scan       scanFlags
}

type scanFlags struct {
	start            string
	rangeLen         string
	threshold        float64
	margin           uint64
	workers          int
	blockSize        uint64
	progressInterval string
	maxSieveBytes    string
	outDir           string
	outFile          string
	arrow            bool
	manifest         bool
	noDownload       bool
	statusAddr       string
	statusGRPCAddr   string
	clickhouseDSN    string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gapscan",
		Short: "Scan a window of integers for high-merit prime gaps",
		Long: `gapscan sieves a basis of small primes, walks the odd integers of
[start, start+range] by trial division and reports every gap between
consecutive primes whose merit gap/ln(p)^2 reaches the threshold.

Results are written as a CSV ranked by merit. Settings come from defaults,
an optional YAML file (--config), GAPSCAN_* environment variables and flags,
in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			cfg := zap.NewProductionConfig()
			if a.verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		Args: cobra.NoArgs,
		RunE: a.runScan,
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file")

	f := root.Flags()
	f.StringVar(&a.scan.start, "start", "", "First integer of the window (accepts 1e16, 10_000)")
	f.StringVar(&a.scan.rangeLen, "range", "", "Window length")
	f.Float64Var(&a.scan.threshold, "threshold", config.DefaultMeritThreshold, "Minimum merit to report")
	f.Uint64Var(&a.scan.margin, "margin", 0, "Extra basis primes beyond sqrt(end)")
	f.IntVarP(&a.scan.workers, "workers", "j", 0, "Parallel primality workers")
	f.Uint64Var(&a.scan.blockSize, "block-size", 0, "Integers per parallel block")
	f.StringVar(&a.scan.progressInterval, "progress-interval", "", "Units scanned between progress updates")
	f.StringVar(&a.scan.maxSieveBytes, "max-sieve-bytes", "", "Memory budget for the basis sieve")
	f.StringVarP(&a.scan.outDir, "out-dir", "o", "", "Directory for the report")
	f.StringVar(&a.scan.outFile, "out", "", "Explicit report path")
	f.BoolVar(&a.scan.arrow, "arrow", false, "Also write an Arrow IPC stream next to the report")
	f.BoolVar(&a.scan.manifest, "manifest", false, "Also write a JSON run manifest")
	f.BoolVar(&a.scan.noDownload, "no-download", false, "Skip the hosted notebook download")
	f.StringVar(&a.scan.statusAddr, "status-addr", "", "Serve /healthz, /progress and /metrics on this address")
	f.StringVar(&a.scan.statusGRPCAddr, "status-grpc-addr", "", "Serve grpc.health.v1 on this address while the scan runs")
	f.StringVar(&a.scan.clickhouseDSN, "clickhouse-dsn", "", "Also store anomalies in ClickHouse")

	root.AddCommand(newBasisCmd(a))
	root.AddCommand(newTopCmd(a))
	return root
}

// resolveConfig layers explicitly set flags over file and environment settings.
func (a *app) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(a.configPath, a.getenv)
	if err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	counts := []struct {
		name string
		val  string
		dst  *uint64
	}{
		{"start", a.scan.start, &cfg.Start},
		{"range", a.scan.rangeLen, &cfg.RangeLen},
		{"progress-interval", a.scan.progressInterval, &cfg.ProgressInterval},
		{"max-sieve-bytes", a.scan.maxSieveBytes, &cfg.MaxSieveBytes},
	}
	for _, c := range counts {
		if !f.Changed(c.name) {
			continue
		}
		n, err := config.ParseCount(c.val)
		if err != nil {
			return cfg, fmt.Errorf("--%s: %w", c.name, err)
		}
		*c.dst = n
	}
	if f.Changed("threshold") {
		cfg.MeritThreshold = a.scan.threshold
	}
	if f.Changed("margin") {
		cfg.ShieldMargin = a.scan.margin
	}
	if f.Changed("workers") {
		cfg.Workers = a.scan.workers
	}
	if f.Changed("block-size") {
		cfg.BlockSize = a.scan.blockSize
	}
	if f.Changed("out-dir") {
		cfg.Output.Dir = a.scan.outDir
	}
	if f.Changed("out") {
		cfg.Output.File = a.scan.outFile
	}
	if f.Changed("arrow") {
		cfg.Output.Arrow = a.scan.arrow
	}
	if f.Changed("manifest") {
		cfg.Output.Manifest = a.scan.manifest
	}
	if f.Changed("no-download") {
		cfg.Output.Download = !a.scan.noDownload
	}
	if f.Changed("status-addr") {
		cfg.Status.Addr = a.scan.statusAddr
	}
	if f.Changed("status-grpc-addr") {
		cfg.Status.GRPCAddr = a.scan.statusGRPCAddr
	}
	if f.Changed("clickhouse-dsn") {
		cfg.ClickHouse.DSN = a.scan.clickhouseDSN
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
