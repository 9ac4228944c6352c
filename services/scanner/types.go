package scanner

import (
	"errors"
	"math"
	"time"
)

var (
	ErrNoAnchorFound  = errors.New("scanner: no anchor prime found")
	ErrBasisTooSmall  = errors.New("scanner: basis does not cover scan window")
	ErrWindowOverflow = errors.New("scanner: scan window overflows uint64")
)

// Params is the immutable description of one scan window.
type Params struct {
	Start          uint64
	RangeLen       uint64
	MeritThreshold float64
}

// End is the inclusive upper bound of the window.
func (p Params) End() uint64 { return p.Start + p.RangeLen }

// Anomaly is a gap whose merit reached the threshold. Prime is the prime
// before the gap.
type Anomaly struct {
	Prime          uint64
	Gap            uint64
	Merit          float64
	LookupDuration time.Duration
}

// Stats summarizes a finished scan.
type Stats struct {
	CandidatesTested uint64
	AnchorCandidates uint64
	PrimesFound      uint64
	MaxGap           uint64
	MaxGapPrime      uint64
	MaxMerit         float64
	Elapsed          time.Duration
}

// Result holds everything a scan produced. Anomalies are in discovery order.
type Result struct {
	Params    Params
	Anchor    uint64
	LastPrime uint64
	Anomalies []Anomaly
	Stats     Stats
}

// Progress is reported each time the scanned distance crosses the progress interval.
type Progress struct {
	Scanned          uint64
	Total            uint64
	CandidatesTested uint64
	PrimesFound      uint64
	Anomalies        int
	Done             bool
}

// Merit normalizes gap by the squared natural log of the preceding prime.
func Merit(gap, prev uint64) float64 {
	l := math.Log(float64(prev))
	return float64(gap) / (l * l)
}
