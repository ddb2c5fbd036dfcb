package fault

import (
	"fmt"
	"time"

	"github.com/knhk/go-bft"
)

// Type classifies a detected fault.
type Type uint8

const (
	// Equivocation is two different messages for the same logical slot.
	Equivocation Type = iota + 1
	// Silent is a replica that failed to send an expected message in time.
	Silent
	// Ordering is a message carrying an unexpected sequence number.
	Ordering
	// Authentication is a message from a sender that is not allowed to send it.
	Authentication
	// Logical is a message that violates protocol rules.
	Logical
)

func (t Type) String() string {
	switch t {
	case Equivocation:
		return "equivocation"
	case Silent:
		return "silent"
	case Ordering:
		return "ordering"
	case Authentication:
		return "authentication"
	case Logical:
		return "logical"
	default:
		return fmt.Sprintf("fault(%d)", uint8(t))
	}
}

// Definitive reports whether a fault of this type alone proves the replica
// byzantine. Silent and ordering faults may be caused by a slow network.
func (t Type) Definitive() bool {
	switch t {
	case Equivocation, Authentication, Logical:
		return true
	default:
		return false
	}
}

const (
	MinSeverity = 1
	MaxSeverity = 10
)

// Report is an immutable record of a detected fault.
type Report struct {
	Replica   bft.NodeID
	Type      Type
	Evidence  []byte
	Timestamp time.Time
	// Severity ranges from MinSeverity to MaxSeverity.
	Severity int
}

func (r *Report) String() string {
	return fmt.Sprintf("%s fault by %s (severity %d): %s", r.Type, r.Replica, r.Severity, r.Evidence)
}

// Summary is a point in time view of the fault log.
type Summary struct {
	TotalReplicas int
	// FaultyReplicas lists every replica with at least one report, in the
	// order they were first reported.
	FaultyReplicas     []bft.NodeID
	TotalFaults        int
	SystemSafe         bool
	MaxTolerableFaults int
}

func clampSeverity(s int) int {
	return min(max(s, MinSeverity), MaxSeverity)
}
