package latency

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/knhk/go-bft"
)

var _ Model = (*LogNormal)(nil)

// LogNormal represents a log normal latency distribution with a configurable
// mean latency. This latency model does not specialise based on host clock time
// nor participants.
type LogNormal struct {
	mu   sync.Mutex
	rng  *rand.Rand
	mean time.Duration
}

// NewLogNormal instantiates a new latency model of log normal latency
// distribution with the given mean.
func NewLogNormal(seed int64, mean time.Duration) (*LogNormal, error) {
	if mean < 0 {
		return nil, errors.New("mean duration cannot be negative")
	}
	return &LogNormal{rng: rand.New(rand.NewSource(seed)), mean: mean}, nil
}

// Sample returns latency samples that correspond to the log normal distribution
// with the configured mean. Messages from a participant to itself have zero
// latency.
func (l *LogNormal) Sample(_ time.Time, from, to bft.NodeID) time.Duration {
	if from == to {
		return 0
	}
	l.mu.Lock()
	norm := l.rng.NormFloat64()
	l.mu.Unlock()
	return time.Duration(math.Exp(norm) * float64(l.mean))
}
