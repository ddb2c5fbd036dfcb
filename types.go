package bft

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// NodeID identifies a participant for the lifetime of a cluster.
// The zero value is reserved and never names a valid participant.
type NodeID uint64

// UndefNodeID is the reserved zero NodeID.
const UndefNodeID NodeID = 0

func (id NodeID) String() string { return fmt.Sprintf("node(%d)", uint64(id)) }

// ViewNumber scopes a leader. Views never decrease on a node.
type ViewNumber uint64

// Leader returns the leader of the given view in a fixed rotation over nodes.
// Returns UndefNodeID if nodes is empty.
func Leader(view ViewNumber, nodes []NodeID) NodeID {
	if len(nodes) == 0 {
		return UndefNodeID
	}
	return nodes[uint64(view)%uint64(len(nodes))]
}

// Hash is a blake2b-256 digest.
type Hash [32]byte

// ZeroHash is the parent hash of the first block of a chain.
var ZeroHash Hash

// MakeHash digests the given data.
func MakeHash(data []byte) Hash { return blake2b.Sum256(data) }

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logging.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// Protocol names a consensus protocol variant.
type Protocol string

const (
	ProtocolPBFT     Protocol = "pbft"
	ProtocolHotStuff Protocol = "hotstuff"
)

// DecisionAction is what a workflow decision asks the application to do.
type DecisionAction uint8

const (
	ActionExecute DecisionAction = iota
	ActionSuspend
	ActionCancel
	ActionCompensate
)

func (a DecisionAction) String() string {
	switch a {
	case ActionExecute:
		return "EXECUTE"
	case ActionSuspend:
		return "SUSPEND"
	case ActionCancel:
		return "CANCEL"
	case ActionCompensate:
		return "COMPENSATE"
	default:
		return "UNKNOWN"
	}
}

// Decision is a single application decision that replicas agree on.
type Decision struct {
	WorkflowID string
	Action     DecisionAction
	// Unix milliseconds at which the decision was made by the application.
	Timestamp int64
}

// MarshalDecisions writes a deterministic binary representation of the
// decisions, suitable for hashing.
func MarshalDecisions(buf *bytes.Buffer, decisions []Decision) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(decisions)))
	for _, d := range decisions {
		_ = binary.Write(buf, binary.BigEndian, uint32(len(d.WorkflowID)))
		buf.WriteString(d.WorkflowID)
		_ = binary.Write(buf, binary.BigEndian, d.Action)
		_ = binary.Write(buf, binary.BigEndian, d.Timestamp)
	}
}

// Proof is the evidence that a quorum certified a block.
type Proof struct {
	View      ViewNumber
	VoteCount int
	// Voters that contributed to the certificate, in ascending order.
	Voters []NodeID
}

// CommittedBlock is the caller visible result of a successful proposal.
type CommittedBlock struct {
	Protocol Protocol
	// Height of the block in its chain. For PBFT this is the sequence number.
	Height     uint64
	View       ViewNumber
	Hash       Hash
	ParentHash Hash
	Decisions  []Decision
	Proof      Proof
}

func (b *CommittedBlock) String() string {
	return fmt.Sprintf("%s{height=%d view=%d hash=%s decisions=%d votes=%d}",
		b.Protocol, b.Height, b.View, b.Hash.Short(), len(b.Decisions), b.Proof.VoteCount)
}

// SortedNodeIDs returns a sorted copy of ids with duplicates removed.
func SortedNodeIDs(ids []NodeID) []NodeID {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
