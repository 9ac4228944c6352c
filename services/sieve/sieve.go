// Package sieve builds the basis of small primes used as trial divisors for large candidates.
package sieve

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// DefaultShieldMargin is added on top of isqrt(end) when sizing the basis.
const DefaultShieldMargin = 5000

// DefaultMaxBytes caps the boolean scratch array; one byte per index.
const DefaultMaxBytes uint64 = 2 << 30

var (
	ErrInvalidLimit = errors.New("sieve: shield limit must be >= 2")
	ErrOutOfMemory  = errors.New("sieve: insufficient memory for basis")
)

// Basis is the ordered, immutable set of all primes <= Limit.
type Basis struct {
	primes []uint64
	limit  uint64
}

type buildOptions struct {
	maxBytes uint64
}

// Option configures Build.
type Option func(*buildOptions)

// WithMaxBytes sets the scratch memory budget. Requests above it fail with ErrOutOfMemory.
func WithMaxBytes(n uint64) Option {
	return func(o *buildOptions) { o.maxBytes = n }
}

// ShieldLimit returns the basis bound needed to test every candidate up to end.
func ShieldLimit(end, margin uint64) uint64 {
	return Isqrt(end) + margin
}

// Isqrt returns floor(sqrt(n)).
func Isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	for {
		hi, lo := bits.Mul64(r, r)
		if hi == 0 && lo <= n {
			break
		}
		r--
	}
	for {
		hi, lo := bits.Mul64(r+1, r+1)
		if hi != 0 || lo > n {
			break
		}
		r++
	}
	return r
}

// Build runs a sieve of Eratosthenes up to limit and returns the surviving indices.
func Build(limit uint64, opts ...Option) (*Basis, error) {
	o := buildOptions{maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(&o)
	}
	if limit < 2 {
		return nil, ErrInvalidLimit
	}
	if limit >= o.maxBytes || limit == math.MaxUint64 {
		return nil, fmt.Errorf("%w: need %d bytes, budget %d", ErrOutOfMemory, limit+1, o.maxBytes)
	}

	composite, err := allocate(limit + 1)
	if err != nil {
		return nil, err
	}

	// composite[i] == false means i is still a prime candidate.
	composite[0], composite[1] = true, true
	root := Isqrt(limit)
	for p := uint64(2); p <= root; p++ {
		if composite[p] {
			continue
		}
		for m := p * p; m <= limit; m += p {
			composite[m] = true
		}
	}

	// pi(x) < 1.26 x / ln x for x > 1
	estimate := int(1.26*float64(limit)/math.Log(float64(limit))) + 1
	primes := make([]uint64, 0, estimate)
	for i := uint64(2); i <= limit; i++ {
		if !composite[i] {
			primes = append(primes, i)
		}
	}
	return &Basis{primes: primes, limit: limit}, nil
}

func allocate(n uint64) (buf []bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%w: allocating %d bytes: %v", ErrOutOfMemory, n, r)
		}
	}()
	return make([]bool, n), nil
}

// Limit is the shield limit the basis was built for.
func (b *Basis) Limit() uint64 { return b.limit }

// Len is the number of basis primes.
func (b *Basis) Len() int { return len(b.primes) }

// Largest returns the largest basis prime.
func (b *Basis) Largest() uint64 {
	if len(b.primes) == 0 {
		return 0
	}
	return b.primes[len(b.primes)-1]
}

// Primes returns a copy of the basis.
func (b *Basis) Primes() []uint64 {
	out := make([]uint64, len(b.primes))
	copy(out, b.primes)
	return out
}

// Covers reports whether every prime <= sqrt(n) is in the basis, which makes IsPrime(n) sound.
func (b *Basis) Covers(n uint64) bool {
	return Isqrt(n) <= b.limit
}

// MaxCovered is the largest n for which Covers(n) holds.
func (b *Basis) MaxCovered() uint64 {
	hi, lo := bits.Mul64(b.limit+1, b.limit+1)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo - 1
}

// IsPrime tests n by trial division against the basis. The answer is only
// meaningful when Covers(n) holds; past that it reports true for any n with
// no factor in the basis.
func (b *Basis) IsPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for _, p := range b.primes {
		if p > math.MaxUint32 || p*p > n {
			return true
		}
		if n%p == 0 {
			return false
		}
	}
	return true
}
