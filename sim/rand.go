package sim

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Rand is the source of randomness for failure injection and generated
// hashes. Implementations must be safe for concurrent use.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type lockedRand struct {
	mutex sync.Mutex
	r     *rand.Rand
}

// NewRand returns a deterministic, concurrency-safe Rand for the seed
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.r.IntN(n)
}

// fixedRand always returns the same value. Useful to force or suppress
// injected failures.
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }
func (f fixedRand) IntN(n int) int   { return min(int(float64(f)*float64(n)), n-1) }

// FixedRand returns a Rand whose Float64 always returns v
func FixedRand(v float64) Rand {
	return fixedRand(v)
}

const hexDigits = "0123456789abcdef"

// hexString returns "0x" followed by n random hex digits
func hexString(r Rand, n int) string {
	var b strings.Builder
	b.Grow(n + 2)
	b.WriteString("0x")
	for range n {
		b.WriteByte(hexDigits[r.IntN(16)])
	}
	return b.String()
}
