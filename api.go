package bft

import "context"

// Consensus is the capability shared by every agreement protocol. A caller
// selects one implementation at construction time and drives it through
// Propose.
type Consensus interface {
	// Propose asks the cluster to agree on the given decisions and blocks until
	// they are committed, the context is cancelled or the protocol timeout
	// elapses. Only the current leader may propose.
	Propose(ctx context.Context, decisions []Decision) (*CommittedBlock, error)
	// Run processes inbound messages and drives the protocol pacemaker until
	// the context is cancelled.
	Run(ctx context.Context) error
	// CurrentView returns the view the node is currently in.
	CurrentView() ViewNumber
	// Committed returns the blocks committed by this node in height order.
	Committed() []*CommittedBlock
}

// Envelope is a protocol message as seen by the receiver.
type Envelope struct {
	From    NodeID
	Payload []byte
}

// Network is the transport collaborator. Implementations must be safe for
// concurrent use.
type Network interface {
	// Broadcast sends payload to every other participant. The sender does not
	// receive its own broadcast.
	Broadcast(ctx context.Context, payload []byte) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Envelope, error)
	// ByzantineNodes returns the participants the transport currently regards
	// as byzantine.
	ByzantineNodes() []NodeID
}

// CommitSink receives committed blocks in height order.
type CommitSink interface {
	Commit(ctx context.Context, block *CommittedBlock) error
}

// Membership is the read side of a validator registry consulted by the
// protocols to gate message senders.
type Membership interface {
	IsActive(id NodeID) bool
}
