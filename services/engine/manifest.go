package engine

// Config snapshot and reproducible run manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"primegap/services/scanner"
	"primegap/services/sieve"
)

// EngineVersion is stamped into every manifest. Overridden at link time for releases.
var EngineVersion = "dev"

type ConfigSnapshot struct {
	Version     string            `json:"version"`
	ConfigHash  string            `json:"config_hash"`
	SecretsHash string            `json:"secrets_hash,omitempty"`
	Timestamp   uint64            `json:"timestamp"`
	Values      map[string]string `json:"values"`
}

// SnapshotConfig hashes the effective configuration. Secrets such as DSNs only contribute a hash.
func SnapshotConfig(version string, config, secrets map[string]string) *ConfigSnapshot {
	configBytes, _ := json.Marshal(config)

	snapshot := &ConfigSnapshot{
		Version:    version,
		ConfigHash: fmt.Sprintf("%x", sha256.Sum256(configBytes)),
		Timestamp:  uint64(time.Now().UnixMilli()),
		Values:     make(map[string]string, len(config)),
	}
	if len(secrets) > 0 {
		secretsBytes, _ := json.Marshal(secrets)
		snapshot.SecretsHash = fmt.Sprintf("%x", sha256.Sum256(secretsBytes))
	}

	// Copy config values (not secrets)
	for k, v := range config {
		snapshot.Values[k] = v
	}
	return snapshot
}

// RunManifest records enough about a scan to reproduce and audit it.
type RunManifest struct {
	RunID          string          `json:"run_id"`
	ConfigSnapshot *ConfigSnapshot `json:"config_snapshot"`
	EngineVersion  string          `json:"engine_version"`
	CreatedAt      uint64          `json:"created_at"`

	Start          uint64  `json:"start"`
	RangeLen       uint64  `json:"range_len"`
	MeritThreshold float64 `json:"merit_threshold"`

	BasisLimit  uint64 `json:"basis_limit"`
	BasisPrimes int    `json:"basis_primes"`

	Anchor           uint64  `json:"anchor"`
	LastPrime        uint64  `json:"last_prime"`
	CandidatesTested uint64  `json:"candidates_tested"`
	PrimesFound      uint64  `json:"primes_found"`
	Anomalies        int     `json:"anomalies"`
	MaxGap           uint64  `json:"max_gap"`
	MaxGapPrime      uint64  `json:"max_gap_prime"`
	MaxMerit         float64 `json:"max_merit"`
	ScanMillis       int64   `json:"scan_ms"`

	ReportPath     string `json:"report_path,omitempty"`
	ReportChecksum string `json:"report_checksum,omitempty"`
}

func NewRunManifest(snapshot *ConfigSnapshot) *RunManifest {
	return &RunManifest{
		RunID:          uuid.New().String(),
		ConfigSnapshot: snapshot,
		EngineVersion:  EngineVersion,
		CreatedAt:      uint64(time.Now().UnixMilli()),
	}
}

// RecordBasis notes the sieve the scan relied on.
func (m *RunManifest) RecordBasis(b *sieve.Basis) {
	m.BasisLimit = b.Limit()
	m.BasisPrimes = b.Len()
}

// RecordResult copies the scan summary.
func (m *RunManifest) RecordResult(res *scanner.Result) {
	m.Start = res.Params.Start
	m.RangeLen = res.Params.RangeLen
	m.MeritThreshold = res.Params.MeritThreshold
	m.Anchor = res.Anchor
	m.LastPrime = res.LastPrime
	m.CandidatesTested = res.Stats.CandidatesTested
	m.PrimesFound = res.Stats.PrimesFound
	m.Anomalies = len(res.Anomalies)
	m.MaxGap = res.Stats.MaxGap
	m.MaxGapPrime = res.Stats.MaxGapPrime
	m.MaxMerit = res.Stats.MaxMerit
	m.ScanMillis = res.Stats.Elapsed.Milliseconds()
}

// RecordReport stores the report path and its sha256.
func (m *RunManifest) RecordReport(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("checksum report: %w", err)
	}
	m.ReportPath = path
	m.ReportChecksum = fmt.Sprintf("%x", h.Sum(nil))
	return nil
}

func (m *RunManifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadManifest loads a manifest written by WriteFile.
func ReadManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
