package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"primegap/services/scanner"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestDefaultIsReferenceRun(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, scanner.Params{Start: 10_000_000_000_000_000, RangeLen: 5_000_000, MeritThreshold: 0.25}, cfg.Params())
	assert.Equal(t, uint64(100_005_000), cfg.ShieldLimit())
	assert.Equal(t, "prime_gap_report_10000000000000000_5000000_m0.25.csv", filepath.Base(cfg.ReportPath()))
	_, ok := cfg.SinkConfig()
	assert.False(t, ok)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gapscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
start: 1000000
range_len: 20000
merit_threshold: 0.5
workers: 4
output:
  dir: reports
  arrow: true
clickhouse:
  table: from_yaml
`), 0o644))

	cfg, err := Load(path, env(map[string]string{
		"GAPSCAN_RANGE":            "1e5",
		"GAPSCAN_STATUS_GRPC_ADDR": "127.0.0.1:9091",
		"CLICKHOUSE_DSN":           "clickhouse://default:@localhost:9000",
		"CH_DATABASE":              "research",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(1_000_000), cfg.Start)
	assert.Equal(t, uint64(100_000), cfg.RangeLen, "env overrides yaml")
	assert.Equal(t, 0.5, cfg.MeritThreshold)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Output.Arrow)
	assert.Equal(t, "127.0.0.1:9091", cfg.Status.GRPCAddr)
	assert.True(t, cfg.Output.Download, "unset yaml keys keep defaults")
	assert.Equal(t, filepath.Join("reports", "prime_gap_report_1000000_100000_m0.5.csv"), cfg.ReportPath())

	sink, ok := cfg.SinkConfig()
	require.True(t, ok)
	assert.Equal(t, "research", sink.Database)
	assert.Equal(t, "from_yaml", sink.Table)
	assert.NotEmpty(t, cfg.Secrets())
	assert.NotContains(t, cfg.Values(), "clickhouse_dsn")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strat: 5\n"), 0o644))
	_, err := Load(path, env(nil))
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default().Params(), cfg.Params())
}

func TestLoadBadEnv(t *testing.T) {
	_, err := Load("", env(map[string]string{"GAPSCAN_START": "-5"}))
	assert.ErrorContains(t, err, "GAPSCAN_START")
	_, err = Load("", env(map[string]string{"GAPSCAN_MERIT_THRESHOLD": "high"}))
	assert.ErrorContains(t, err, "GAPSCAN_MERIT_THRESHOLD")
	_, err = Load("", env(map[string]string{"GAPSCAN_WORKERS": "many"}))
	assert.ErrorContains(t, err, "GAPSCAN_WORKERS")
}

func TestValidate(t *testing.T) {
	mutate := map[string]func(*Config){
		"negative threshold": func(c *Config) { c.MeritThreshold = -0.1 },
		"zero workers":       func(c *Config) { c.Workers = 0 },
		"too many workers":   func(c *Config) { c.Workers = 1000 },
		"tiny block":         func(c *Config) { c.BlockSize = 8 },
		"zero interval":      func(c *Config) { c.ProgressInterval = 0 },
		"zero memory":        func(c *Config) { c.MaxSieveBytes = 0 },
		"bad table":          func(c *Config) { c.ClickHouse.Table = "gaps; drop" },
		"bad status addr":    func(c *Config) { c.Status.Addr = "not an addr" },
		"window overflow":    func(c *Config) { c.Start = ^uint64(0) - 10; c.RangeLen = 100 },
		"shield limit below 2": func(c *Config) {
			c.Start, c.RangeLen, c.ShieldMargin = 0, 0, 1
		},
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			fn(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Start, cfg.RangeLen, cfg.MeritThreshold = 0, 0, 0
	cfg.Status.Addr = "127.0.0.1:9090"
	cfg.Status.GRPCAddr = "127.0.0.1:9091"
	assert.NoError(t, cfg.Validate(), "zero start, zero range and zero threshold are legal")
}

func TestParseCount(t *testing.T) {
	for in, want := range map[string]uint64{
		"0":                    0,
		"100":                  100,
		"10_000_000":           10_000_000,
		"5,000,000":            5_000_000,
		"1e16":                 10_000_000_000_000_000,
		"1E6":                  1_000_000,
		"2.5e3":                2500,
		"18446744073709551615": 18446744073709551615,
	} {
		got, err := ParseCount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "-1", "1.5", "abc", "1e20"} {
		_, err := ParseCount(in)
		assert.Error(t, err, in)
	}
}
