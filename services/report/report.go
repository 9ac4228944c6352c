// Package report ranks anomalies and writes them as CSV tables.
package report

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"primegap/services/scanner"
)

// ErrNoAnomalies is returned when there is nothing to export; no file is written.
var ErrNoAnomalies = errors.New("report: no anomalies to export")

// Header is the column layout of a report.
var Header = []string{"Prime", "Gap", "Merit", "Lookup_Time"}

// SortByMerit returns a copy ordered by merit, highest first. Ties keep discovery order.
func SortByMerit(anomalies []scanner.Anomaly) []scanner.Anomaly {
	out := make([]scanner.Anomaly, len(anomalies))
	copy(out, anomalies)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Merit > out[j].Merit })
	return out
}

// Filename derives the default report name from the run parameters.
func Filename(p scanner.Params) string {
	return fmt.Sprintf("prime_gap_report_%d_%d_m%s.csv",
		p.Start, p.RangeLen, strconv.FormatFloat(p.MeritThreshold, 'f', -1, 64))
}

// WriteCSV sorts anomalies by merit and writes them to path.
func WriteCSV(path string, anomalies []scanner.Anomaly) error {
	if len(anomalies) == 0 {
		return ErrNoAnomalies
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Encode(f, anomalies); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes the header and the merit-sorted rows to w.
func Encode(w io.Writer, anomalies []scanner.Anomaly) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}
	for _, a := range SortByMerit(anomalies) {
		record := []string{
			strconv.FormatUint(a.Prime, 10),
			strconv.FormatUint(a.Gap, 10),
			decimal.NewFromFloat(a.Merit).String(),
			decimal.NewFromFloat(a.LookupDuration.Seconds()).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCSV loads a report written by WriteCSV. UTF-16 files with a BOM are decoded.
func ReadCSV(path string) ([]scanner.Anomaly, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses report rows from r, skipping the header.
func Decode(r io.Reader) ([]scanner.Anomaly, error) {
	br := bufio.NewReader(r)
	if b, _ := br.Peek(2); len(b) == 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		br = bufio.NewReader(transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	var out []scanner.Anomaly
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		first := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if line == 1 && strings.EqualFold(first, Header[0]) {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 fields, got %d", line, len(rec))
		}
		a, err := parseRow(first, rec[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseRow(prime string, rest []string) (scanner.Anomaly, error) {
	var a scanner.Anomaly
	var err error
	if a.Prime, err = strconv.ParseUint(prime, 10, 64); err != nil {
		return a, fmt.Errorf("prime: %w", err)
	}
	if a.Gap, err = strconv.ParseUint(strings.TrimSpace(rest[0]), 10, 64); err != nil {
		return a, fmt.Errorf("gap: %w", err)
	}
	merit, err := decimal.NewFromString(strings.TrimSpace(rest[1]))
	if err != nil {
		return a, fmt.Errorf("merit: %w", err)
	}
	a.Merit = merit.InexactFloat64()
	if len(rest) > 2 && strings.TrimSpace(rest[2]) != "" {
		secs, err := decimal.NewFromString(strings.TrimSpace(rest[2]))
		if err != nil {
			return a, fmt.Errorf("lookup time: %w", err)
		}
		a.LookupDuration = time.Duration(secs.Mul(decimal.NewFromInt(int64(time.Second))).IntPart())
	}
	return a, nil
}

// Merge combines reports from separate runs, drops repeated primes and ranks the rest.
func Merge(sets ...[]scanner.Anomaly) []scanner.Anomaly {
	seen := make(map[uint64]struct{})
	var all []scanner.Anomaly
	for _, set := range sets {
		for _, a := range set {
			if _, dup := seen[a.Prime]; dup {
				continue
			}
			seen[a.Prime] = struct{}{}
			all = append(all, a)
		}
	}
	return SortByMerit(all)
}
