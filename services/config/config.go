// Package config resolves scan settings from defaults, a YAML file, the environment and flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"primegap/services/clickhouse"
	"primegap/services/engine"
	"primegap/services/report"
	"primegap/services/scanner"
	"primegap/services/sieve"
)

// Reference run.
const (
	DefaultStart          uint64  = 10_000_000_000_000_000
	DefaultRangeLen       uint64  = 5_000_000
	DefaultMeritThreshold float64 = 0.25
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
}

// Config holds every setting of a run. It is immutable once validated.
type Config struct {
	Start            uint64  `yaml:"start"`
	RangeLen         uint64  `yaml:"range_len"`
	MeritThreshold   float64 `yaml:"merit_threshold" validate:"gte=0"`
	ShieldMargin     uint64  `yaml:"shield_margin" validate:"gte=1"`
	MaxSieveBytes    uint64  `yaml:"max_sieve_bytes" validate:"gt=0"`
	Workers          int     `yaml:"workers" validate:"gte=1,lte=256"`
	BlockSize        uint64  `yaml:"block_size" validate:"gte=64"`
	ProgressInterval uint64  `yaml:"progress_interval" validate:"gt=0"`

	Output     OutputConfig     `yaml:"output"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Status     StatusConfig     `yaml:"status"`
	SLO        engine.SLOConfig `yaml:"slo"`
}

type OutputConfig struct {
	Dir      string `yaml:"dir"`
	File     string `yaml:"file"`
	Arrow    bool   `yaml:"arrow"`
	Manifest bool   `yaml:"manifest"`
	Download bool   `yaml:"download"`
}

// ClickHouseConfig enables the sink when DSN is set.
type ClickHouseConfig struct {
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database" validate:"required,ident"`
	Table    string `yaml:"table" validate:"required,ident"`
}

// StatusConfig enables the HTTP status server and the gRPC health endpoint.
type StatusConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	GRPCAddr string `yaml:"grpc_addr" validate:"omitempty,hostname_port"`
}

// Default returns the reference run settings.
func Default() Config {
	return Config{
		Start:            DefaultStart,
		RangeLen:         DefaultRangeLen,
		MeritThreshold:   DefaultMeritThreshold,
		ShieldMargin:     sieve.DefaultShieldMargin,
		MaxSieveBytes:    sieve.DefaultMaxBytes,
		Workers:          min(runtime.GOMAXPROCS(0), 256),
		BlockSize:        scanner.DefaultBlockSize,
		ProgressInterval: scanner.DefaultProgressInterval,
		Output: OutputConfig{
			Dir:      ".",
			Download: true,
		},
		ClickHouse: ClickHouseConfig{
			Database: clickhouse.DefaultDatabase,
			Table:    clickhouse.DefaultTable,
		},
	}
}

// Load applies the YAML file at path (if any) and then the environment on top of Default.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getEnv(getenv func(string) string, k, def string) string {
	if v := strings.TrimSpace(getenv(k)); v != "" {
		return v
	}
	return def
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var err error
	count := func(k string, dst *uint64) {
		if err != nil {
			return
		}
		if v := getEnv(getenv, k, ""); v != "" {
			n, perr := ParseCount(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", k, perr)
				return
			}
			*dst = n
		}
	}
	count("GAPSCAN_START", &c.Start)
	count("GAPSCAN_RANGE", &c.RangeLen)
	count("GAPSCAN_SHIELD_MARGIN", &c.ShieldMargin)
	count("GAPSCAN_MAX_SIEVE_BYTES", &c.MaxSieveBytes)
	count("GAPSCAN_PROGRESS_INTERVAL", &c.ProgressInterval)
	if err != nil {
		return err
	}

	if v := getEnv(getenv, "GAPSCAN_MERIT_THRESHOLD", ""); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("GAPSCAN_MERIT_THRESHOLD: %w", perr)
		}
		c.MeritThreshold = f
	}
	if v := getEnv(getenv, "GAPSCAN_WORKERS", ""); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("GAPSCAN_WORKERS: %w", perr)
		}
		c.Workers = n
	}

	c.Output.Dir = getEnv(getenv, "GAPSCAN_OUTPUT_DIR", c.Output.Dir)
	c.Status.Addr = getEnv(getenv, "GAPSCAN_STATUS_ADDR", c.Status.Addr)
	c.Status.GRPCAddr = getEnv(getenv, "GAPSCAN_STATUS_GRPC_ADDR", c.Status.GRPCAddr)
	c.ClickHouse.DSN = getEnv(getenv, "CLICKHOUSE_DSN", c.ClickHouse.DSN)
	c.ClickHouse.Database = getEnv(getenv, "CH_DATABASE", c.ClickHouse.Database)
	c.ClickHouse.Table = getEnv(getenv, "CH_TABLE", c.ClickHouse.Table)
	return nil
}

// Validate checks field constraints and the scan window.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Start > math.MaxUint64-2 || c.RangeLen > math.MaxUint64-2-c.Start {
		return fmt.Errorf("invalid config: start %d + range %d overflows", c.Start, c.RangeLen)
	}
	if limit := c.ShieldLimit(); limit < 2 {
		return fmt.Errorf("invalid config: shield limit %d for end %d must be >= 2, raise shield_margin", limit, c.Params().End())
	}
	return nil
}

// Params is the scan window.
func (c Config) Params() scanner.Params {
	return scanner.Params{Start: c.Start, RangeLen: c.RangeLen, MeritThreshold: c.MeritThreshold}
}

// ShieldLimit is the basis size the configured window needs.
func (c Config) ShieldLimit() uint64 {
	return sieve.ShieldLimit(c.Params().End(), c.ShieldMargin)
}

// ReportPath is Output.File when set, else the derived report name under Output.Dir.
func (c Config) ReportPath() string {
	if c.Output.File != "" {
		return c.Output.File
	}
	return filepath.Join(c.Output.Dir, report.Filename(c.Params()))
}

// SinkConfig returns the ClickHouse destination, or false when the sink is disabled.
func (c Config) SinkConfig() (clickhouse.Config, bool) {
	if c.ClickHouse.DSN == "" {
		return clickhouse.Config{}, false
	}
	return clickhouse.Config{DSN: c.ClickHouse.DSN, Database: c.ClickHouse.Database, Table: c.ClickHouse.Table}, true
}

// Values flattens the settings that determine scan output, for hashing.
func (c Config) Values() map[string]string {
	return map[string]string{
		"start":             strconv.FormatUint(c.Start, 10),
		"range_len":         strconv.FormatUint(c.RangeLen, 10),
		"merit_threshold":   strconv.FormatFloat(c.MeritThreshold, 'g', -1, 64),
		"shield_margin":     strconv.FormatUint(c.ShieldMargin, 10),
		"shield_limit":      strconv.FormatUint(c.ShieldLimit(), 10),
		"workers":           strconv.Itoa(c.Workers),
		"block_size":        strconv.FormatUint(c.BlockSize, 10),
		"progress_interval": strconv.FormatUint(c.ProgressInterval, 10),
		"clickhouse_table":  c.ClickHouse.Database + "." + c.ClickHouse.Table,
	}
}

// Secrets holds values that are hashed but never written out.
func (c Config) Secrets() map[string]string {
	if c.ClickHouse.DSN == "" {
		return nil
	}
	return map[string]string{"clickhouse_dsn": c.ClickHouse.DSN}
}

// ParseCount parses a non-negative integer written plainly, with underscores
// or commas as separators, or in exponent form such as 1e16.
func ParseCount(s string) (uint64, error) {
	s = strings.NewReplacer("_", "", ",", "").Replace(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not a count: %q", s)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not a non-negative integer: %q", s)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("count out of range: %q", s)
	}
	return bi.Uint64(), nil
}
