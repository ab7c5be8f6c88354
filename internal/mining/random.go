package mining

import (
	"math/rand/v2"
	"sync"
)

// Random is the engine's source of uniform draws in [0, 1).
type Random interface {
	Float64() float64
}

// NewRandom returns a seeded PCG source.
func NewRandom(seed uint64) Random {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// lockedRandom serializes draws; the tick goroutine and SetMining callers
// share one source.
type lockedRandom struct {
	mu  sync.Mutex
	src Random
}

func (r *lockedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}
