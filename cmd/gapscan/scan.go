package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"primegap/services/arrowpipeline"
	"primegap/services/clickhouse"
	"primegap/services/config"
	"primegap/services/engine"
	"primegap/services/notebook"
	"primegap/services/report"
	"primegap/services/scanner"
	"primegap/services/sieve"
	"primegap/services/status"
)

const (
	sinkTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func (a *app) runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := a.resolveConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	p := message.NewPrinter(language.English)
	params := cfg.Params()

	manifest := engine.NewRunManifest(engine.SnapshotConfig(engine.EngineVersion, cfg.Values(), cfg.Secrets()))
	monitor := engine.NewPerformanceMonitor(cfg.SLO)
	logger := a.logger.With(zap.String("run_id", manifest.RunID))

	p.Fprintf(out, "gapscan %s: window [%d, %d], merit threshold %v\n",
		engine.EngineVersion, params.Start, params.End(), params.MeritThreshold)

	basis, err := buildBasis(monitor, cfg.ShieldLimit(), cfg.MaxSieveBytes)
	if err != nil {
		return err
	}
	manifest.RecordBasis(basis)
	p.Fprintf(out, "basis ready: %d primes up to %d\n", basis.Len(), basis.Limit())

	tracker := status.NewTracker(manifest.RunID, params)
	if cfg.Status.Addr != "" {
		srv := status.NewServer(cfg.Status.Addr, tracker, logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	var health *status.HealthServer
	if cfg.Status.GRPCAddr != "" {
		health = status.NewHealthServer(logger)
		if err := health.Start(cfg.Status.GRPCAddr); err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		defer func() {
			if err := health.Stop(); err != nil {
				logger.Warn("grpc health server shutdown", zap.Error(err))
			}
		}()
	}

	prog := newProgressPrinter(out, logger)
	sc := scanner.New(basis,
		scanner.WithLogger(logger),
		scanner.WithWorkers(cfg.Workers),
		scanner.WithBlockSize(cfg.BlockSize),
		scanner.WithProgress(cfg.ProgressInterval, func(pr scanner.Progress) {
			tracker.Update(pr)
			if health != nil {
				health.Update(pr)
			}
			prog.update(pr)
		}),
		scanner.WithAnomalyHook(func(an scanner.Anomaly) {
			tracker.ObserveAnomaly(an)
			prog.anomaly(an)
		}),
	)

	var res *scanner.Result
	_, err = monitor.Track("scan", func() (uint64, error) {
		r, err := sc.Scan(ctx, params)
		if err != nil {
			return 0, err
		}
		res = r
		return r.Stats.CandidatesTested, nil
	})
	prog.finish()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	manifest.RecordResult(res)
	p.Fprintf(out, "scanned %d candidates, %d primes, largest gap %d after %d, in %v\n",
		res.Stats.CandidatesTested, res.Stats.PrimesFound, res.Stats.MaxGap, res.Stats.MaxGapPrime,
		res.Stats.Elapsed.Round(time.Millisecond))

	if err := a.export(ctx, out, cfg, manifest, res, logger); err != nil {
		return err
	}

	for _, r := range monitor.Results() {
		logger.Info("phase complete",
			zap.String("phase", r.Name),
			zap.Duration("duration", r.Duration),
			zap.Float64("items_per_sec", r.ItemsPerSec),
			zap.Float64("heap_mb", r.MemoryMB),
		)
	}
	for _, v := range monitor.CheckSLOs() {
		logger.Warn("slo violation", zap.String("detail", v))
	}
	return nil
}

func buildBasis(monitor *engine.PerformanceMonitor, limit, maxBytes uint64) (*sieve.Basis, error) {
	var basis *sieve.Basis
	_, err := monitor.Track("basis", func() (uint64, error) {
		b, err := sieve.Build(limit, sieve.WithMaxBytes(maxBytes))
		if err != nil {
			return 0, err
		}
		basis = b
		return uint64(b.Len()), nil
	})
	if errors.Is(err, sieve.ErrOutOfMemory) {
		return nil, fmt.Errorf("insufficient memory for a basis up to %d: %w", limit, err)
	}
	if err != nil {
		return nil, fmt.Errorf("build basis: %w", err)
	}
	return basis, nil
}

func (a *app) export(ctx context.Context, out io.Writer, cfg config.Config, manifest *engine.RunManifest, res *scanner.Result, logger *zap.Logger) error {
	path := cfg.ReportPath()
	stem := strings.TrimSuffix(path, ".csv")

	if len(res.Anomalies) == 0 {
		fmt.Fprintln(out, "no anomalies found in this window")
	} else {
		if err := report.WriteCSV(path, res.Anomalies); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		if err := manifest.RecordReport(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d anomalies exported to %s\n", len(res.Anomalies), path)

		if cfg.Output.Arrow {
			arrowPath := stem + ".arrow"
			if err := arrowpipeline.NewPipeline(logger).WriteFile(arrowPath, res.Params, res.Anomalies); err != nil {
				return fmt.Errorf("write arrow: %w", err)
			}
			fmt.Fprintf(out, "arrow stream written to %s\n", arrowPath)
		}

		if sinkCfg, ok := cfg.SinkConfig(); ok {
			if err := storeAnomalies(ctx, sinkCfg, manifest.RunID, res, logger); err != nil {
				return err
			}
		}

		if cfg.Output.Download {
			if d := notebook.Detect(a.getenv); d != nil {
				if err := d.Download(ctx, path); err != nil {
					logger.Warn("notebook download failed", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}

	if cfg.Output.Manifest {
		manifestPath := stem + ".manifest.json"
		if err := manifest.WriteFile(manifestPath); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		fmt.Fprintf(out, "manifest written to %s\n", manifestPath)
	}
	return nil
}

func storeAnomalies(ctx context.Context, cfg clickhouse.Config, runID string, res *scanner.Result, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	sink, err := clickhouse.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	return sink.InsertAnomalies(ctx, clickhouse.Run{ID: id, Params: res.Params}, res.Anomalies)
}

// progressPrinter rewrites one status line on a terminal and logs otherwise.
type progressPrinter struct {
	w      io.Writer
	tty    bool
	p      *message.Printer
	logger *zap.Logger
	dirty  bool
}

func newProgressPrinter(w io.Writer, logger *zap.Logger) *progressPrinter {
	return &progressPrinter{
		w:      w,
		tty:    isTerminal(w),
		p:      message.NewPrinter(language.English),
		logger: logger,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (pp *progressPrinter) update(pr scanner.Progress) {
	if pp.tty {
		pp.p.Fprintf(pp.w, "\r  progress %d / %d units", pr.Scanned, pr.Total)
		pp.dirty = true
		return
	}
	pp.logger.Info("scan progress",
		zap.Uint64("scanned", pr.Scanned),
		zap.Uint64("total", pr.Total),
		zap.Uint64("primes", pr.PrimesFound),
		zap.Int("anomalies", pr.Anomalies),
		zap.Bool("done", pr.Done),
	)
}

func (pp *progressPrinter) anomaly(an scanner.Anomaly) {
	pp.breakLine()
	fmt.Fprintf(pp.w, "  gap found: prime %d, gap %d, merit %.4f\n", an.Prime, an.Gap, an.Merit)
}

func (pp *progressPrinter) finish() {
	pp.breakLine()
}

func (pp *progressPrinter) breakLine() {
	if pp.dirty {
		fmt.Fprintln(pp.w)
		pp.dirty = false
	}
}
