package latency

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/knhk/go-bft"
)

var _ Model = (*Zipf)(nil)

// zipfSteps is the resolution of a Zipf model: samples are multiples of
// max/zipfSteps.
const zipfSteps = 1000

// Zipf draws latencies from a Zipf distribution over [0, max]: most messages
// are fast and a long tail reaches max. Messages from a participant to itself
// have zero latency.
type Zipf struct {
	step time.Duration

	mu   sync.Mutex
	dist *rand.Zipf
}

// NewZipf returns a Zipf latency model with exponent s > 1 and offset v >= 1
// whose samples never exceed max.
func NewZipf(seed int64, s, v float64, max time.Duration) (*Zipf, error) {
	if max < 0 {
		return nil, errors.New("max latency cannot be negative")
	}
	steps, step := uint64(zipfSteps), max/zipfSteps
	if step == 0 {
		steps, step = uint64(max), 1
	}
	dist := rand.NewZipf(rand.New(rand.NewSource(seed)), s, v, steps)
	if dist == nil {
		return nil, fmt.Errorf("zipf parameters are out of band: s=%f, v=%f", s, v)
	}
	return &Zipf{step: step, dist: dist}, nil
}

func (l *Zipf) Sample(_ time.Time, from, to bft.NodeID) time.Duration {
	if from == to {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Duration(l.dist.Uint64()) * l.step
}
