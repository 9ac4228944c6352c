package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"primegap/services/scanner"
	"primegap/services/sieve"
)

func TestSnapshotConfigHashesAreStable(t *testing.T) {
	cfg := map[string]string{"start": "100", "range_len": "50", "merit_threshold": "0"}
	a := SnapshotConfig("v1", cfg, nil)
	b := SnapshotConfig("v1", map[string]string{"merit_threshold": "0", "start": "100", "range_len": "50"}, nil)

	assert.Equal(t, a.ConfigHash, b.ConfigHash)
	assert.Len(t, a.ConfigHash, 64)
	assert.Empty(t, a.SecretsHash)
	assert.Equal(t, cfg, a.Values)

	c := SnapshotConfig("v1", map[string]string{"start": "101", "range_len": "50", "merit_threshold": "0"}, nil)
	assert.NotEqual(t, a.ConfigHash, c.ConfigHash)
}

func TestSnapshotConfigKeepsSecretsOut(t *testing.T) {
	s := SnapshotConfig("v1", map[string]string{"table": "gaps"}, map[string]string{"dsn": "clickhouse://user:hunter2@db:9000"})
	assert.NotEmpty(t, s.SecretsHash)
	for _, v := range s.Values {
		assert.NotContains(t, v, "hunter2")
	}
}

func TestRunManifestRoundTrip(t *testing.T) {
	basis, err := sieve.Build(1000)
	require.NoError(t, err)
	res, err := scanner.New(basis).Scan(context.Background(), scanner.Params{Start: 100, RangeLen: 50})
	require.NoError(t, err)

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(reportPath, []byte("Prime,Gap,Merit,Lookup_Time\n"), 0o644))

	m := NewRunManifest(SnapshotConfig("v1", map[string]string{"start": "100"}, nil))
	m.RecordBasis(basis)
	m.RecordResult(res)
	require.NoError(t, m.RecordReport(reportPath))

	_, err = uuid.Parse(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, EngineVersion, m.EngineVersion)
	assert.Equal(t, uint64(1000), m.BasisLimit)
	assert.Equal(t, 168, m.BasisPrimes)
	assert.Equal(t, uint64(101), m.Anchor)
	assert.Equal(t, uint64(149), m.LastPrime)
	assert.Equal(t, 9, m.Anomalies)
	assert.Equal(t, uint64(14), m.MaxGap)
	assert.Equal(t, uint64(113), m.MaxGapPrime)
	assert.Len(t, m.ReportChecksum, 64)

	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, m.WriteFile(manifestPath))
	got, err := ReadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRunIDsAreUnique(t *testing.T) {
	a := NewRunManifest(nil)
	b := NewRunManifest(nil)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestRecordReportMissingFile(t *testing.T) {
	m := NewRunManifest(nil)
	assert.Error(t, m.RecordReport(filepath.Join(t.TempDir(), "missing.csv")))
	assert.Empty(t, m.ReportChecksum)
}
