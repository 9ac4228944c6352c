// Package status exposes the progress of a running scan over HTTP.
package status

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"primegap/services/scanner"
)

// Snapshot is the JSON body served at /progress.
type Snapshot struct {
	RunID            string  `json:"run_id"`
	Start            uint64  `json:"start"`
	RangeLen         uint64  `json:"range_len"`
	Scanned          uint64  `json:"scanned"`
	Ratio            float64 `json:"ratio"`
	CandidatesTested uint64  `json:"candidates_tested"`
	PrimesFound      uint64  `json:"primes_found"`
	Anomalies        uint64  `json:"anomalies"`
	MaxMerit         float64 `json:"max_merit"`
	Done             bool    `json:"done"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// Tracker holds the latest scan progress. Updates come from the scanning
// goroutine; reads come from HTTP handlers and the metrics registry.
type Tracker struct {
	runID    string
	params   scanner.Params
	started  time.Time
	registry *prometheus.Registry

	scanned    atomic.Uint64
	candidates atomic.Uint64
	primes     atomic.Uint64
	anomalies  atomic.Uint64
	maxMerit   atomic.Uint64 // float64 bits
	done       atomic.Bool

	candidatesMetric prometheus.CounterFunc
	primesMetric     prometheus.CounterFunc
	anomaliesMetric  prometheus.CounterFunc
	ratioMetric      prometheus.GaugeFunc
	maxMeritMetric   prometheus.GaugeFunc
	meritHist        prometheus.Histogram
}

// NewTracker returns a tracker for one run with its own metrics registry.
func NewTracker(runID string, params scanner.Params) *Tracker {
	t := &Tracker{
		runID:    runID,
		params:   params,
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
	}

	t.candidatesMetric = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gapscan_candidates_tested_total",
		Help: "Odd candidates run through trial division",
	}, func() float64 { return float64(t.candidates.Load()) })
	t.primesMetric = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gapscan_primes_found_total",
		Help: "Primes found inside the window",
	}, func() float64 { return float64(t.primes.Load()) })
	t.anomaliesMetric = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gapscan_anomalies_total",
		Help: "Gaps at or above the merit threshold",
	}, func() float64 { return float64(t.anomalies.Load()) })
	t.ratioMetric = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gapscan_progress_ratio",
		Help: "Fraction of the window scanned",
	}, t.ratio)
	t.maxMeritMetric = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gapscan_max_merit",
		Help: "Highest merit seen so far",
	}, func() float64 { return math.Float64frombits(t.maxMerit.Load()) })
	t.meritHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gapscan_anomaly_merit",
		Help:    "Merit of reported anomalies",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3},
	})

	t.registry.MustRegister(
		t.candidatesMetric,
		t.primesMetric,
		t.anomaliesMetric,
		t.ratioMetric,
		t.maxMeritMetric,
		t.meritHist,
	)
	return t
}

// Update is a scanner.ProgressFunc.
func (t *Tracker) Update(p scanner.Progress) {
	t.scanned.Store(p.Scanned)
	t.candidates.Store(p.CandidatesTested)
	t.primes.Store(p.PrimesFound)
	t.anomalies.Store(uint64(p.Anomalies))
	if p.Done {
		t.done.Store(true)
	}
}

// ObserveAnomaly is a scanner anomaly hook.
func (t *Tracker) ObserveAnomaly(a scanner.Anomaly) {
	t.meritHist.Observe(a.Merit)
	for {
		old := t.maxMerit.Load()
		if a.Merit <= math.Float64frombits(old) {
			return
		}
		if t.maxMerit.CompareAndSwap(old, math.Float64bits(a.Merit)) {
			return
		}
	}
}

func (t *Tracker) ratio() float64 {
	if t.params.RangeLen == 0 {
		if t.done.Load() {
			return 1
		}
		return 0
	}
	return float64(t.scanned.Load()) / float64(t.params.RangeLen)
}

// Snapshot reads the current progress.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		RunID:            t.runID,
		Start:            t.params.Start,
		RangeLen:         t.params.RangeLen,
		Scanned:          t.scanned.Load(),
		Ratio:            t.ratio(),
		CandidatesTested: t.candidates.Load(),
		PrimesFound:      t.primes.Load(),
		Anomalies:        t.anomalies.Load(),
		MaxMerit:         math.Float64frombits(t.maxMerit.Load()),
		Done:             t.done.Load(),
		UptimeSeconds:    time.Since(t.started).Seconds(),
	}
}

// Registry holds this run's collectors.
func (t *Tracker) Registry() *prometheus.Registry { return t.registry }
