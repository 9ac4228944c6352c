package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"primegap/services/arrowpipeline"
	"primegap/services/engine"
	"primegap/services/report"
	"primegap/services/scanner"
	"primegap/services/sieve"
)

func run(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	a := &app{
		getenv: func(k string) string { return env[k] },
		logger: zap.NewNop(),
	}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScanWritesRankedReport(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, nil,
		"--start", "100", "--range", "50", "--threshold", "0",
		"--out-dir", dir, "--workers", "2", "--arrow", "--manifest", "--no-download")
	require.NoError(t, err, out)
	assert.Contains(t, out, "9 anomalies exported")
	assert.Contains(t, out, "gap found: prime 113, gap 14")

	path := filepath.Join(dir, "prime_gap_report_100_50_m0.csv")
	rows, err := report.ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 9)
	assert.Equal(t, uint64(113), rows[0].Prime)
	assert.Equal(t, uint64(14), rows[0].Gap)
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].Merit, rows[i].Merit)
	}

	data, err := os.ReadFile(filepath.Join(dir, "prime_gap_report_100_50_m0.arrow"))
	require.NoError(t, err)
	table, err := arrowpipeline.NewPipeline(nil).ConvertFromArrow(data)
	require.NoError(t, err)
	assert.Equal(t, scanner.Params{Start: 100, RangeLen: 50}, table.Params)
	assert.Len(t, table.Anomalies, 9)

	m, err := engine.ReadManifest(filepath.Join(dir, "prime_gap_report_100_50_m0.manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, uint64(101), m.Anchor)
	assert.Equal(t, 9, m.Anomalies)
	assert.Equal(t, path, m.ReportPath)
	assert.NotEmpty(t, m.ReportChecksum)
}

func TestScanWithStatusEndpoints(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, nil,
		"--start", "100", "--range", "50", "--threshold", "0", "--out-dir", dir,
		"--status-addr", "127.0.0.1:0", "--status-grpc-addr", "127.0.0.1:0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "9 anomalies exported")
}

func TestScanNoAnomaliesWritesNothing(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, nil, "--start", "100", "--range", "50", "--threshold", "5", "--out-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "no anomalies found")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanZeroRange(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, nil, "--start", "1000", "--range", "0", "--threshold", "0", "--out-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "no anomalies found")
}

func TestScanEnvAndDownload(t *testing.T) {
	dir := t.TempDir()
	downloads := t.TempDir()
	env := map[string]string{
		"GAPSCAN_START":           "100",
		"GAPSCAN_RANGE":           "50",
		"GAPSCAN_MERIT_THRESHOLD": "0.5",
		"GAPSCAN_OUTPUT_DIR":      dir,
		"GAPSCAN_DOWNLOAD_DIR":    downloads,
	}
	_, err := run(t, env)
	require.NoError(t, err)

	name := "prime_gap_report_100_50_m0.5.csv"
	_, err = os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(downloads, name))
	assert.NoError(t, err, "report copied by the download hook")
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gapscan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("start: 100\nrange_len: 50\nmerit_threshold: 5\n"), 0o644))

	out, err := run(t, nil, "--config", cfgPath, "--threshold", "0", "--out", filepath.Join(dir, "r.csv"))
	require.NoError(t, err, out)
	rows, err := report.ReadCSV(filepath.Join(dir, "r.csv"))
	require.NoError(t, err)
	assert.Len(t, rows, 9)
}

func TestScanInvalidSettings(t *testing.T) {
	_, err := run(t, nil, "--workers", "0")
	assert.ErrorContains(t, err, "invalid config")

	_, err = run(t, nil, "--start", "lots")
	assert.ErrorContains(t, err, "--start")

	_, err = run(t, nil, "--threshold", "-1")
	assert.Error(t, err)
}

func TestScanInsufficientMemoryIsFatal(t *testing.T) {
	_, err := run(t, nil, "--start", "100", "--range", "50", "--max-sieve-bytes", "100", "--out-dir", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, sieve.ErrOutOfMemory)
	assert.Contains(t, err.Error(), "insufficient memory")
}

func TestScanCancelled(t *testing.T) {
	a := &app{getenv: func(string) string { return "" }, logger: zap.NewNop()}
	cmd := newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--start", "1e12", "--range", "1e9", "--out-dir", t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cmd.ExecuteContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBasisCommand(t *testing.T) {
	out, err := run(t, nil, "basis", "--limit", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "primes:      25")
	assert.Contains(t, out, "largest:     97")

	out, err = run(t, nil, "basis", "--start", "100", "--range", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "limit:       5,012")
}

func TestTopMergesReports(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	require.NoError(t, report.WriteCSV(a, []scanner.Anomaly{
		{Prime: 1129, Gap: 22, Merit: 0.4474},
		{Prime: 1327, Gap: 34, Merit: 0.6555},
	}))
	require.NoError(t, report.WriteCSV(b, []scanner.Anomaly{
		{Prime: 1327, Gap: 34, Merit: 0.6555},
		{Prime: 9551, Gap: 36, Merit: 0.4286},
		{Prime: 31397, Gap: 72, Merit: 0.6698},
	}))

	out, err := run(t, nil, "top", "-n", "2", a, b)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Prime,Gap,Merit,Lookup_Time", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "31397,72,"))
	assert.True(t, strings.HasPrefix(lines[2], "1327,34,"))
}

func TestTopRequiresInput(t *testing.T) {
	_, err := run(t, nil, "top")
	assert.Error(t, err)
	_, err = run(t, nil, "top", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
