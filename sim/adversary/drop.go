package adversary

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft"
)

var _ Censorer = (*Drop)(nil)

// Drop stochastically drops messages to/from a given set of participants for a
// configured duration of time, mimicking at-most-once message delivery
// semantics across a simulation network.
//
// When no participants are set, all exchanged messages are targeted. A zero
// duration drops forever.
type Drop struct {
	clock           clock.Clock
	targetsByID     map[bft.NodeID]struct{}
	until           time.Time
	dropProbability float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewDrop(clk clock.Clock, seed int64, dropProbability float64, duration time.Duration, targets ...bft.NodeID) *Drop {
	var until time.Time
	if duration > 0 {
		until = clk.Now().Add(duration)
	}
	return &Drop{
		clock:           clk,
		rng:             rand.New(rand.NewSource(seed)),
		dropProbability: dropProbability,
		targetsByID:     targetSet(targets),
		until:           until,
	}
}

func (d *Drop) AllowMessage(from, to bft.NodeID, _ []byte) bool {
	switch {
	case from == to,
		!d.until.IsZero() && d.clock.Now().After(d.until),
		!d.isTargeted(to) && !d.isTargeted(from):
		return true
	default:
		return d.allowStochastically()
	}
}

func (d *Drop) allowStochastically() bool {
	switch {
	case d.dropProbability <= 0:
		return true
	case d.dropProbability >= 1.0:
		return false
	default:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.rng.Float64() > d.dropProbability
	}
}

func (d *Drop) isTargeted(id bft.NodeID) bool {
	if len(d.targetsByID) == 0 {
		// Target all participants if no explicit IDs are set.
		return true
	}
	_, found := d.targetsByID[id]
	return found
}
