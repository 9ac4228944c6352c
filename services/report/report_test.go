package report

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"primegap/services/scanner"
)

func sample() []scanner.Anomaly {
	return []scanner.Anomaly{
		{Prime: 101, Gap: 2, Merit: 0.093, LookupDuration: 2 * time.Millisecond},
		{Prime: 113, Gap: 14, Merit: 0.6231, LookupDuration: time.Millisecond},
		{Prime: 139, Gap: 10, Merit: 0.4125, LookupDuration: 3 * time.Millisecond},
		{Prime: 127, Gap: 4, Merit: 0.6231, LookupDuration: 0},
	}
}

func TestSortByMeritDescendingStable(t *testing.T) {
	in := sample()
	got := SortByMerit(in)

	primes := make([]uint64, len(got))
	for i, a := range got {
		primes[i] = a.Prime
	}
	assert.Equal(t, []uint64{113, 127, 139, 101}, primes)
	assert.Equal(t, uint64(101), in[0].Prime, "input must not be reordered")
}

func TestFilenameIsDeterministic(t *testing.T) {
	p := scanner.Params{Start: 10_000_000_000_000_000, RangeLen: 5_000_000, MeritThreshold: 0.25}
	assert.Equal(t, "prime_gap_report_10000000000000000_5000000_m0.25.csv", Filename(p))
	assert.Equal(t, Filename(p), Filename(p))
	assert.Equal(t, "prime_gap_report_100_50_m0.csv", Filename(scanner.Params{Start: 100, RangeLen: 50}))
}

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Prime,Gap,Merit,Lookup_Time", lines[0])
	assert.Equal(t, "113,14,0.6231,0.001", lines[1])
	assert.Equal(t, "127,4,0.6231,0", lines[2])
	assert.Equal(t, "139,10,0.4125,0.003", lines[3])
	assert.Equal(t, "101,2,0.093,0.002", lines[4])
}

func TestWriteCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.csv")
	require.NoError(t, WriteCSV(path, sample()))

	got, err := ReadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, SortByMerit(sample()), got)
}

func TestWriteCSVEmptyWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	err := WriteCSV(path, nil)
	assert.ErrorIs(t, err, ErrNoAnomalies)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecodeUTF16(t *testing.T) {
	text := "Prime,Gap,Merit,Lookup_Time\r\n113,14,0.6231,0.001\r\n"
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFE})
	for _, u := range utf16.Encode([]rune(text)) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, u))
	}

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(113), got[0].Prime)
	assert.Equal(t, uint64(14), got[0].Gap)
	assert.InDelta(t, 0.6231, got[0].Merit, 1e-12)
	assert.Equal(t, time.Millisecond, got[0].LookupDuration)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("Prime,Gap,Merit,Lookup_Time\nabc,1,0.5,0\n"))
	assert.Error(t, err)
}

func TestDecodeRejectsShortRows(t *testing.T) {
	_, err := Decode(strings.NewReader("Prime,Gap,Merit,Lookup_Time\n113,14,0.6231,0.001\n127,4\n"))
	assert.ErrorContains(t, err, "line 3: expected at least 3 fields")
}

func TestMerge(t *testing.T) {
	a := []scanner.Anomaly{{Prime: 1, Gap: 2, Merit: 0.1}, {Prime: 3, Gap: 4, Merit: 0.9}}
	b := []scanner.Anomaly{{Prime: 3, Gap: 4, Merit: 0.9}, {Prime: 7, Gap: 4, Merit: 0.5}}
	got := Merge(a, b)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Prime)
	assert.Equal(t, uint64(7), got[1].Prime)
	assert.Equal(t, uint64(1), got[2].Prime)
}
