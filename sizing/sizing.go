// Package sizing quantizes requested pixel sizes onto a small ladder of
// canonical sizes so that artifacts rendered for slightly different viewports
// share a cache entry.
package sizing

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidDimension = errors.New("sizing: invalid dimension")
	ErrInvalidLadder    = errors.New("sizing: invalid ladder")
)

const (
	DefaultMinSize     = 100
	DefaultMaxSize     = 1600
	DefaultGrowthRatio = 1.41
	DefaultQuantum     = 10
)

// Size is a width and height in pixels.
type Size struct {
	Width  int `json:"width" msgpack:"w"`
	Height int `json:"height" msgpack:"h"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Fits reports whether s is at least as large as other on both axes.
func (s Size) Fits(other Size) bool {
	return s.Width >= other.Width && s.Height >= other.Height
}

type config struct {
	minSize int
	maxSize int
	ratio   float64
	quantum int
	ladder  []int
}

// Option configures a Policy.
type Option func(*config)

// WithBounds sets the smallest and largest rung of a generated ladder.
func WithBounds(minSize, maxSize int) Option {
	return func(c *config) {
		c.minSize = minSize
		c.maxSize = maxSize
	}
}

// WithGrowthRatio sets the multiplicative step between generated rungs.
func WithGrowthRatio(ratio float64) Option {
	return func(c *config) { c.ratio = ratio }
}

// WithQuantum rounds every generated rung up to a multiple of q pixels.
// A value of 1 keeps the raw geometric sequence.
func WithQuantum(q int) Option {
	return func(c *config) { c.quantum = q }
}

// WithLadder replaces the generated ladder with an explicit one. The rungs
// must be positive and strictly increasing.
func WithLadder(rungs []int) Option {
	return func(c *config) { c.ladder = append([]int(nil), rungs...) }
}

// Policy maps requested sizes onto canonical sizes. It is immutable after
// construction and safe for concurrent use.
//
// Width and height are quantized independently against the same ladder: the
// canonical size of (w, h) is (smallest rung >= w, smallest rung >= h). That
// pair is the componentwise smallest ladder pair covering the request, and a
// request that sits exactly on a rung on one axis keeps that rung no matter
// what the other axis does.
type Policy struct {
	rungs []int
}

// New builds a Policy. Without options it uses a ladder growing by
// DefaultGrowthRatio from DefaultMinSize to DefaultMaxSize in DefaultQuantum
// steps: 100, 150, 220, 320, 460, 650, 920, 1300, 1600.
func New(opts ...Option) (*Policy, error) {
	cfg := config{
		minSize: DefaultMinSize,
		maxSize: DefaultMaxSize,
		ratio:   DefaultGrowthRatio,
		quantum: DefaultQuantum,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.ladder) > 0 {
		if err := validateLadder(cfg.ladder); err != nil {
			return nil, err
		}
		return &Policy{rungs: cfg.ladder}, nil
	}
	rungs, err := generate(cfg)
	if err != nil {
		return nil, err
	}
	return &Policy{rungs: rungs}, nil
}

// MustNew is like New but panics on an invalid configuration. Intended for
// package level defaults and tests.
func MustNew(opts ...Option) *Policy {
	p, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return p
}

func validateLadder(rungs []int) error {
	for i, r := range rungs {
		if r <= 0 {
			return errors.Wrapf(ErrInvalidLadder, "rung %d is %d", i, r)
		}
		if i > 0 && r <= rungs[i-1] {
			return errors.Wrapf(ErrInvalidLadder, "rung %d (%d) does not exceed rung %d (%d)", i, r, i-1, rungs[i-1])
		}
	}
	return nil
}

func generate(cfg config) ([]int, error) {
	if cfg.minSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidLadder, "min size %d", cfg.minSize)
	}
	if cfg.maxSize < cfg.minSize {
		return nil, errors.Wrapf(ErrInvalidLadder, "max size %d below min size %d", cfg.maxSize, cfg.minSize)
	}
	if cfg.ratio <= 1 || math.IsNaN(cfg.ratio) || math.IsInf(cfg.ratio, 0) {
		return nil, errors.Wrapf(ErrInvalidLadder, "growth ratio %v", cfg.ratio)
	}
	q := cfg.quantum
	if q <= 0 {
		q = 1
	}
	rungs := []int{cfg.minSize}
	for last := cfg.minSize; last < cfg.maxSize; {
		next := roundUp(float64(last)*cfg.ratio, q)
		if next <= last {
			next = last + q
		}
		if next > cfg.maxSize {
			next = cfg.maxSize
		}
		rungs = append(rungs, next)
		last = next
	}
	return rungs, nil
}

// roundUp rounds v up to a multiple of q, ignoring floating point noise just
// above an exact multiple.
func roundUp(v float64, q int) int {
	steps := math.Ceil(v/float64(q) - 1e-9)
	return int(steps) * q
}

// Ladder returns a copy of the rungs, smallest first.
func (p *Policy) Ladder() []int {
	return append([]int(nil), p.rungs...)
}

// Max is the largest canonical size.
func (p *Policy) Max() Size {
	top := p.rungs[len(p.rungs)-1]
	return Size{Width: top, Height: top}
}

// Canonicalize returns the canonical size for a request. Requests beyond the
// top rung are clamped to it; the caller fits the result down, never up.
func (p *Policy) Canonicalize(width, height int) (Size, error) {
	if width <= 0 || height <= 0 {
		return Size{}, errors.Wrapf(ErrInvalidDimension, "requested %dx%d", width, height)
	}
	return Size{Width: p.rung(width), Height: p.rung(height)}, nil
}

func (p *Policy) rung(v int) int {
	for _, r := range p.rungs {
		if r >= v {
			return r
		}
	}
	return p.rungs[len(p.rungs)-1]
}
