// Package clickhouse stores anomaly tables in ClickHouse so runs over adjacent windows can be queried together.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"primegap/services/report"
	"primegap/services/scanner"
)

const (
	DefaultDSN      = "clickhouse://default:@localhost:9000?secure=false&compress=lz4"
	DefaultDatabase = "primegap"
	DefaultTable    = "gap_anomalies"

	MaxBatchRows = 10_000
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config selects the server and destination table.
type Config struct {
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// Validate checks that database and table are plain identifiers; they are interpolated into DDL.
func (c Config) Validate() error {
	if !identRe.MatchString(c.Database) {
		return fmt.Errorf("invalid clickhouse database name %q", c.Database)
	}
	if !identRe.MatchString(c.Table) {
		return fmt.Errorf("invalid clickhouse table name %q", c.Table)
	}
	return nil
}

// Run identifies the scan that produced a batch of anomalies.
type Run struct {
	ID     uuid.UUID
	Params scanner.Params
}

// rowBatch is the part of driver.Batch the sink uses.
type rowBatch interface {
	Append(v ...any) error
	Abort() error
	Send() error
}

type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (rowBatch, error)
	Close() error
}

// nativeConn adapts a driver.Conn to conn.
type nativeConn struct {
	driver.Conn
}

func (c nativeConn) PrepareBatch(ctx context.Context, query string) (rowBatch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

// Sink writes anomalies over the native protocol.
type Sink struct {
	conn   conn
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func newSink(c conn, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{conn: c, cfg: cfg, logger: logger, now: time.Now}
}

// Open parses the DSN, connects and pings the server.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	chConn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := chConn.Ping(ctx); err != nil {
		chConn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return newSink(nativeConn{chConn}, cfg, logger), nil
}

// EnsureSchema creates the database and the anomaly table if missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createDatabaseDDL(s.cfg)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if err := s.conn.Exec(ctx, createTableDDL(s.cfg)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// InsertAnomalies writes one run's anomalies ranked by merit, in batches of
// at most MaxBatchRows. Rerunning the same window replaces earlier rows for the same primes.
func (s *Sink) InsertAnomalies(ctx context.Context, run Run, anomalies []scanner.Anomaly) error {
	ranked := report.SortByMerit(anomalies)
	ingestedAt := s.now()
	version := uint64(ingestedAt.UnixNano())

	for offset := 0; offset < len(ranked); offset += MaxBatchRows {
		chunk := ranked[offset:min(offset+MaxBatchRows, len(ranked))]
		batch, err := s.conn.PrepareBatch(ctx, insertQuery(s.cfg))
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}
		for i, a := range chunk {
			err := batch.Append(
				run.ID,
				run.Params.Start,
				run.Params.RangeLen,
				run.Params.MeritThreshold,
				a.Prime,
				a.Gap,
				a.Merit,
				a.LookupDuration.Seconds(),
				uint32(offset+i+1),
				ingestedAt,
				version,
			)
			if err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append row %d: %w", offset+i, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
		s.logger.Debug("batch sent", zap.Int("offset", offset), zap.Int("rows", len(chunk)))
	}

	s.logger.Info("anomalies stored in clickhouse",
		zap.String("run_id", run.ID.String()),
		zap.String("table", s.cfg.Database+"."+s.cfg.Table),
		zap.Int("rows", len(ranked)),
	)
	return nil
}

// Close releases the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

func createDatabaseDDL(c Config) string {
	return fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.Database)
}

func createTableDDL(c Config) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			run_id UUID,
			window_start UInt64,
			range_len UInt64,
			merit_threshold Float64,
			prime UInt64,
			gap UInt64,
			merit Float64,
			lookup_time Float64,
			merit_rank UInt32,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (window_start, range_len, prime)
		SETTINGS index_granularity = 8192
	`, c.Database, c.Table)
}

func insertQuery(c Config) string {
	return fmt.Sprintf(`INSERT INTO %s.%s (run_id, window_start, range_len, merit_threshold, prime, gap, merit, lookup_time, merit_rank, ingested_at, version)`,
		c.Database, c.Table)
}
