package session

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	idSuffixMin = 100_000_000_000_000_000
	idSuffixMax = 500_000_000_000_000_000
)

// IDGenerator produces Bubble style unique ids (`<unix ms>x<18 digits>`).
// Every id is strictly greater than the previous one, both numerically and
// lexicographically.
type IDGenerator struct {
	mutex  sync.Mutex
	now    func() time.Time
	ms     int64
	suffix int64
}

func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

func (g *IDGenerator) Next() string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	ms := g.now().UnixMilli()
	if ms > g.ms {
		g.ms = ms
		g.suffix = idSuffixMin + rand.Int64N(idSuffixMax-idSuffixMin)
	} else {
		g.suffix += 1 + rand.Int64N(1000)
	}
	return fmt.Sprintf("%dx%d", g.ms, g.suffix)
}

// Pair returns two consecutive ids, the upstream expects the ids of a
// simulated click to come in this shape.
func (g *IDGenerator) Pair() (string, string) {
	first := g.Next()
	return first, g.Next()
}
