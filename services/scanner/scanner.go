// Package scanner walks the odd integers of a window, tracks consecutive primes and
// collects the gaps whose merit reaches a threshold.
package scanner

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"primegap/services/sieve"
)

const (
	DefaultProgressInterval uint64 = 1_000_000
	DefaultBlockSize        uint64 = 1 << 16

	cancelCheckEvery = 4096
	// Prime gaps below 2^64 stay under 1600, so this slack only matters for tiny windows.
	anchorSlack = 4096
)

// ProgressFunc receives progress updates. It runs on the scanning goroutine.
type ProgressFunc func(Progress)

// Scanner scans windows against one immutable basis.
type Scanner struct {
	basis            *sieve.Basis
	logger           *zap.Logger
	workers          int
	blockSize        uint64
	progressInterval uint64
	onProgress       ProgressFunc
	onAnomaly        func(Anomaly)
	now              func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger for anchor and completion events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkers tests candidates on n goroutines per block. Gap tracking stays sequential.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBlockSize sets how many odd candidates a parallel block holds.
func WithBlockSize(n uint64) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithProgress reports progress every interval units of scanned distance.
func WithProgress(interval uint64, fn ProgressFunc) Option {
	return func(s *Scanner) {
		if interval > 0 {
			s.progressInterval = interval
		}
		s.onProgress = fn
	}
}

// WithAnomalyHook is called for each anomaly as soon as it is found.
func WithAnomalyHook(fn func(Anomaly)) Option {
	return func(s *Scanner) { s.onAnomaly = fn }
}

func withClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// New returns a Scanner over basis. The basis must be fully built.
func New(basis *sieve.Basis, opts ...Option) *Scanner {
	s := &Scanner{
		basis:            basis,
		logger:           zap.NewNop(),
		workers:          1,
		blockSize:        DefaultBlockSize,
		progressInterval: DefaultProgressInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan runs the anchor search and the gap pass over p.
func (s *Scanner) Scan(ctx context.Context, p Params) (*Result, error) {
	if p.Start > math.MaxUint64-2 || p.RangeLen > math.MaxUint64-2-p.Start {
		return nil, fmt.Errorf("%w: start=%d range=%d", ErrWindowOverflow, p.Start, p.RangeLen)
	}
	end := p.End()
	if !s.basis.Covers(end) {
		return nil, fmt.Errorf("%w: end=%d needs limit >= %d, have %d",
			ErrBasisTooSmall, end, sieve.Isqrt(end), s.basis.Limit())
	}

	began := s.now()
	st := &scanState{
		params:     p,
		interval:   s.progressInterval,
		nextMark:   s.progressInterval,
		onProgress: s.onProgress,
		onAnomaly:  s.onAnomaly,
	}

	anchor, tried, err := s.findAnchor(ctx, p)
	if err != nil {
		return nil, err
	}
	st.prev = anchor
	st.stats.AnchorCandidates = tried
	s.logger.Debug("anchor prime found",
		zap.Uint64("anchor", anchor),
		zap.Uint64("tried", tried),
	)

	if anchor <= end && end-anchor >= 2 {
		if s.workers > 1 {
			err = s.scanParallel(ctx, anchor+2, end, st)
		} else {
			err = s.scanSequential(ctx, anchor+2, end, st)
		}
		if err != nil {
			return nil, err
		}
	}
	st.finish()

	st.stats.Elapsed = s.now().Sub(began)
	res := &Result{
		Params:    p,
		Anchor:    anchor,
		LastPrime: st.prev,
		Anomalies: st.anomalies,
		Stats:     st.stats,
	}
	if res.Anomalies == nil {
		res.Anomalies = []Anomaly{}
	}
	s.logger.Debug("scan finished",
		zap.Uint64("candidates", st.stats.CandidatesTested),
		zap.Uint64("primes", st.stats.PrimesFound),
		zap.Int("anomalies", len(res.Anomalies)),
		zap.Duration("elapsed", st.stats.Elapsed),
	)
	return res, nil
}

// findAnchor returns the first prime at or after the odd-aligned start. The
// search gives up past 2*RangeLen+anchorSlack or past the basis coverage.
func (s *Scanner) findAnchor(ctx context.Context, p Params) (uint64, uint64, error) {
	curr := p.Start
	if curr%2 == 0 {
		curr++
	}
	limit := satAdd(satAdd(curr, p.RangeLen), satAdd(p.RangeLen, anchorSlack))
	if covered := s.basis.MaxCovered(); covered < limit {
		limit = covered
	}

	var tried uint64
	for curr <= limit {
		if tried%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, tried, err
			}
		}
		tried++
		if s.basis.IsPrime(curr) {
			return curr, tried, nil
		}
		if curr > math.MaxUint64-2 {
			break
		}
		curr += 2
	}
	return 0, tried, fmt.Errorf("%w: searched %d candidates from %d up to %d",
		ErrNoAnchorFound, tried, p.Start, limit)
}

func (s *Scanner) scanSequential(ctx context.Context, from, end uint64, st *scanState) error {
	n := from
	for i := 0; ; i++ {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		t0 := s.now()
		prime := s.basis.IsPrime(n)
		st.stats.CandidatesTested++
		if prime {
			st.observe(n, s.now().Sub(t0))
		}
		st.advance(n)
		if end-n < 2 {
			return nil
		}
		n += 2
	}
}

type hit struct {
	n uint64
	d time.Duration
}

// scanParallel tests one block of candidates across the workers, then feeds
// the hits to the gap tracker in ascending order before starting the next block.
func (s *Scanner) scanParallel(ctx context.Context, from, end uint64, st *scanState) error {
	workers := uint64(s.workers)
	chunks := make([][]hit, s.workers)

	blockStart := from
	for {
		count := min((end-blockStart)/2+1, s.blockSize)
		per := (count + workers - 1) / workers

		g, gctx := errgroup.WithContext(ctx)
		for w := range chunks {
			w := w
			chunks[w] = chunks[w][:0]
			lo := uint64(w) * per
			if lo >= count {
				continue
			}
			n := min(per, count-lo)
			first := blockStart + 2*lo
			g.Go(func() error {
				out := chunks[w]
				for i := uint64(0); i < n; i++ {
					if i%cancelCheckEvery == 0 {
						if err := gctx.Err(); err != nil {
							return err
						}
					}
					c := first + 2*i
					t0 := s.now()
					if s.basis.IsPrime(c) {
						out = append(out, hit{n: c, d: s.now().Sub(t0)})
					}
				}
				chunks[w] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, chunk := range chunks {
			for _, h := range chunk {
				st.observe(h.n, h.d)
			}
		}
		st.stats.CandidatesTested += count
		last := blockStart + 2*(count-1)
		st.advance(last)
		if end-last < 2 {
			return nil
		}
		blockStart = last + 2
	}
}

type scanState struct {
	params     Params
	prev       uint64
	anomalies  []Anomaly
	stats      Stats
	interval   uint64
	nextMark   uint64
	onProgress ProgressFunc
	onAnomaly  func(Anomaly)
}

func (st *scanState) observe(n uint64, d time.Duration) {
	gap := n - st.prev
	merit := Merit(gap, st.prev)
	st.stats.PrimesFound++
	if gap > st.stats.MaxGap {
		st.stats.MaxGap = gap
		st.stats.MaxGapPrime = st.prev
	}
	if merit > st.stats.MaxMerit {
		st.stats.MaxMerit = merit
	}
	if merit >= st.params.MeritThreshold {
		a := Anomaly{Prime: st.prev, Gap: gap, Merit: merit, LookupDuration: d}
		st.anomalies = append(st.anomalies, a)
		if st.onAnomaly != nil {
			st.onAnomaly(a)
		}
	}
	st.prev = n
}

func (st *scanState) advance(n uint64) {
	if st.onProgress == nil {
		return
	}
	scanned := n - st.params.Start
	if scanned < st.nextMark {
		return
	}
	st.report(scanned, false)
	st.nextMark = (scanned/st.interval + 1) * st.interval
}

func (st *scanState) finish() {
	if st.onProgress != nil {
		st.report(st.params.RangeLen, true)
	}
}

func (st *scanState) report(scanned uint64, done bool) {
	st.onProgress(Progress{
		Scanned:          min(scanned, st.params.RangeLen),
		Total:            st.params.RangeLen,
		CandidatesTested: st.stats.CandidatesTested,
		PrimesFound:      st.stats.PrimesFound,
		Anomalies:        len(st.anomalies),
		Done:             done,
	})
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
