package latency

import (
	"time"

	"github.com/knhk/go-bft"
)

// Model represents a latency model of cross participant communication. The
// model offers the ability for implementation of varying latency across a
// simulation, as well as specialised latency across specific participants.
//
// Implementations must be safe for concurrent use.
//
// See LogNormal, Zipf, None.
type Model interface {
	// Sample returns an artificial latency at time t for communications from a
	// participant to another participant.
	Sample(t time.Time, from, to bft.NodeID) time.Duration
}
