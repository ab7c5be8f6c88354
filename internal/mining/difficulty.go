package mining

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DifficultySource yields the network difficulty used in the reward formula.
type DifficultySource interface {
	Difficulty() decimal.Decimal
}

// StaticDifficulty is a fixed difficulty.
type StaticDifficulty decimal.Decimal

func (s StaticDifficulty) Difficulty() decimal.Decimal { return decimal.Decimal(s) }

// diff1Bits is the compact encoding of the difficulty-1 target.
const diff1Bits = 0x1d00ffff

var diff1Target = TargetFromBits(diff1Bits)

// TargetFromBits expands a compact "nBits" value into the full 256-bit
// target. Negative or overflowing encodings return zero.
func TargetFromBits(bits uint32) *big.Int {
	exponent := uint(bits >> 24)
	mantissa := int64(bits & 0x007fffff)
	if bits&0x00800000 != 0 || mantissa == 0 {
		return new(big.Int)
	}
	t := big.NewInt(mantissa)
	if exponent <= 3 {
		return t.Rsh(t, 8*(3-exponent))
	}
	if exponent > 34 {
		return new(big.Int)
	}
	return t.Lsh(t, 8*(exponent-3))
}

// DifficultyFromBits converts compact bits into a difficulty relative to
// the difficulty-1 target, rounded to 8 places.
func DifficultyFromBits(bits uint32) (decimal.Decimal, error) {
	target := TargetFromBits(bits)
	if target.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("invalid compact target %#08x", bits)
	}
	q := new(big.Rat).SetFrac(diff1Target, target)
	return decimal.NewFromString(q.FloatString(8))
}

// DifficultyTracker holds the latest observed network difficulty and falls
// back to a configured value until the first observation.
type DifficultyTracker struct {
	mu         sync.RWMutex
	fallback   decimal.Decimal
	current    decimal.Decimal
	bits       uint32
	height     uint32
	observedAt time.Time
}

// NewDifficultyTracker creates a tracker that reports fallback until Observe
// is called.
func NewDifficultyTracker(fallback decimal.Decimal) *DifficultyTracker {
	return &DifficultyTracker{fallback: fallback}
}

// Observe records the difficulty of the block at height.
func (t *DifficultyTracker) Observe(height, bits uint32) (decimal.Decimal, error) {
	d, err := DifficultyFromBits(bits)
	if err != nil {
		return decimal.Zero, err
	}
	t.mu.Lock()
	t.current = d
	t.bits = bits
	t.height = height
	t.observedAt = time.Now()
	t.mu.Unlock()
	return d, nil
}

// Difficulty returns the observed difficulty, or the fallback.
func (t *DifficultyTracker) Difficulty() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current.IsPositive() {
		return t.current
	}
	return t.fallback
}

// DifficultyStats is the tracker state for the API.
type DifficultyStats struct {
	Difficulty decimal.Decimal `json:"difficulty"`
	Source     string          `json:"source"`
	Bits       string          `json:"bits,omitempty"`
	Height     uint32          `json:"height,omitempty"`
	ObservedAt *time.Time      `json:"observed_at,omitempty"`
}

func (t *DifficultyTracker) Stats() DifficultyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.current.IsPositive() {
		return DifficultyStats{Difficulty: t.fallback, Source: "static"}
	}
	at := t.observedAt
	return DifficultyStats{
		Difficulty: t.current,
		Source:     "network",
		Bits:       fmt.Sprintf("%08x", t.bits),
		Height:     t.height,
		ObservedAt: &at,
	}
}
