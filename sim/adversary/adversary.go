// Package adversary provides message censors that the simulated network
// consults before delivering each message.
package adversary

import "github.com/knhk/go-bft"

// Censorer decides whether a message may travel from one node to another.
// Implementations must be safe for concurrent use.
type Censorer interface {
	AllowMessage(from, to bft.NodeID, payload []byte) bool
}

var (
	_ Censorer = (*allowAll)(nil)

	// AllowAll lets every message through.
	AllowAll Censorer = allowAll{}
)

type allowAll struct{}

func (allowAll) AllowMessage(bft.NodeID, bft.NodeID, []byte) bool { return true }

// CensorFunc adapts a function to a Censorer.
type CensorFunc func(from, to bft.NodeID, payload []byte) bool

func (f CensorFunc) AllowMessage(from, to bft.NodeID, payload []byte) bool {
	return f(from, to, payload)
}

func targetSet(targets []bft.NodeID) map[bft.NodeID]struct{} {
	set := make(map[bft.NodeID]struct{}, len(targets))
	for _, target := range targets {
		set[target] = struct{}{}
	}
	return set
}
