package adversary

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft"
)

var _ Censorer = (*Deny)(nil)

// Deny denies all messages to and/or from a given set of participants for a
// configured duration of time, starting at construction.
type Deny struct {
	clock       clock.Clock
	targetsByID map[bft.NodeID]struct{}
	until       time.Time
	mode        DenyTargetMode
}

type DenyTargetMode int

func (m DenyTargetMode) String() string {
	switch m {
	case DenyToOrFrom:
		return "deny to or from"
	case DenyTo:
		return "deny to"
	case DenyFrom:
		return "deny from"
	default:
		return "unknown"
	}
}

const (
	// DenyToOrFrom denies message to or from target node IDs.
	DenyToOrFrom DenyTargetMode = iota
	// DenyTo only denies messages destined to target node IDs.
	DenyTo
	// DenyFrom only denies messages sent from target node IDs.
	DenyFrom
)

// NewDeny returns a censor that denies messages for the given duration. A
// zero duration denies forever.
func NewDeny(clk clock.Clock, duration time.Duration, mode DenyTargetMode, targets ...bft.NodeID) *Deny {
	var until time.Time
	if duration > 0 {
		until = clk.Now().Add(duration)
	}
	return &Deny{
		clock:       clk,
		targetsByID: targetSet(targets),
		until:       until,
		mode:        mode,
	}
}

func (d *Deny) AllowMessage(from, to bft.NodeID, _ []byte) bool {
	if !d.until.IsZero() && d.clock.Now().After(d.until) {
		return true
	}
	_, fromTarget := d.targetsByID[from]
	_, toTarget := d.targetsByID[to]
	switch d.mode {
	case DenyTo:
		return !toTarget
	case DenyFrom:
		return !fromTarget
	default:
		return !fromTarget && !toTarget
	}
}
