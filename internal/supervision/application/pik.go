package application

import (
	"errors"
	"math/rand/v2"
	"sync"
)

const (
	DefaultPIKMin = 100000
	DefaultPIKMax = 999999

	pikAttempts = 16
)

// PIKGenerator issues process instance keys. Each call uses its own random
// source; a candidate held by another live process is redrawn up to
// pikAttempts times before the collision is accepted.
type PIKGenerator struct {
	min, max  int64
	mu        sync.Mutex
	owners    map[int64]int64
	byProcess map[int64]int64
}

// NewPIKGenerator constructs a generator over [min, max].
func NewPIKGenerator(min, max int64) (*PIKGenerator, error) {
	if min <= 0 || max < min {
		return nil, errors.New("supervision: invalid pik range")
	}
	return &PIKGenerator{
		min:       min,
		max:       max,
		owners:    make(map[int64]int64),
		byProcess: make(map[int64]int64),
	}, nil
}

// Next issues a fresh key for processID, different from the one it held
// before, and releases the old one.
func (g *PIKGenerator) Next(processID int64) int64 {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	g.mu.Lock()
	defer g.mu.Unlock()

	span := g.max - g.min + 1
	candidate := g.min + rng.Int64N(span)
	for attempt := 1; attempt < pikAttempts; attempt++ {
		if _, taken := g.owners[candidate]; !taken {
			break
		}
		candidate = g.min + rng.Int64N(span)
	}
	g.releaseLocked(processID)
	g.owners[candidate] = processID
	g.byProcess[processID] = candidate
	return candidate
}

// Adopt registers a key restored from the store.
func (g *PIKGenerator) Adopt(processID, pik int64) {
	if pik == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(processID)
	g.owners[pik] = processID
	g.byProcess[processID] = pik
}

// Release forgets the key held by processID.
func (g *PIKGenerator) Release(processID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(processID)
}

func (g *PIKGenerator) releaseLocked(processID int64) {
	if old, ok := g.byProcess[processID]; ok {
		if g.owners[old] == processID {
			delete(g.owners, old)
		}
		delete(g.byProcess, processID)
	}
}
