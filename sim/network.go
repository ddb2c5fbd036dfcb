// Package sim provides an in-memory network for running clusters of
// consensus nodes in one process, with fault injection.
package sim

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
)

var log = logging.Logger("bft/sim")

// NodeState is the condition of a simulated node.
type NodeState uint8

const (
	// StateActive nodes send and receive.
	StateActive NodeState = iota
	// StateOffline nodes neither send nor receive.
	StateOffline
	// StateByzantine nodes are quarantined: they still receive but nothing
	// they send is delivered.
	StateByzantine
)

func (s NodeState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateOffline:
		return "offline"
	case StateByzantine:
		return "byzantine"
	default:
		return "unknown"
	}
}

var (
	ErrClosed      = errors.New("network closed")
	ErrUnknownNode = errors.New("unknown node")
)

// Network connects a fixed set of nodes. It is safe for concurrent use.
type Network struct {
	*options

	ids       []bft.NodeID
	endpoints map[bft.NodeID]*Endpoint

	lk     sync.RWMutex
	states map[bft.NodeID]NodeState
	closed bool

	rngLk sync.Mutex
	rng   *rand.Rand

	inFlight  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewNetwork creates a network connecting the given nodes, all active.
func NewNetwork(ids []bft.NodeID, o ...Option) (*Network, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	members := bft.SortedNodeIDs(ids)
	if len(members) == 0 {
		return nil, errors.New("network needs at least one node")
	}
	n := &Network{
		options:   opts,
		ids:       members,
		endpoints: make(map[bft.NodeID]*Endpoint, len(members)),
		states:    make(map[bft.NodeID]NodeState, len(members)),
		rng:       rand.New(rand.NewSource(opts.seed)),
	}
	for _, id := range members {
		n.endpoints[id] = &Endpoint{
			id:      id,
			network: n,
			inbox:   make(chan bft.Envelope, opts.maxQueueSize),
			done:    make(chan struct{}),
		}
		n.states[id] = StateActive
	}
	return n, nil
}

// Endpoint returns the view of the network of node id.
func (n *Network) Endpoint(id bft.NodeID) (*Endpoint, error) {
	e, ok := n.endpoints[id]
	if !ok {
		return nil, ErrUnknownNode
	}
	return e, nil
}

// Nodes returns every node of the network in ascending order.
func (n *Network) Nodes() []bft.NodeID { return slices.Clone(n.ids) }

func (n *Network) setState(id bft.NodeID, state NodeState) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if _, ok := n.states[id]; !ok {
		return ErrUnknownNode
	}
	n.states[id] = state
	log.Infow("node state changed", "node", id, "state", state)
	return nil
}

// MarkOffline disconnects a node.
func (n *Network) MarkOffline(id bft.NodeID) error { return n.setState(id, StateOffline) }

// MarkOnline reconnects a node.
func (n *Network) MarkOnline(id bft.NodeID) error { return n.setState(id, StateActive) }

// HandleByzantineNode quarantines a node found to be byzantine.
func (n *Network) HandleByzantineNode(id bft.NodeID) error { return n.setState(id, StateByzantine) }

func (n *Network) State(id bft.NodeID) NodeState {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.states[id]
}

// ActiveCount returns the number of nodes neither offline nor quarantined.
func (n *Network) ActiveCount() int {
	n.lk.RLock()
	defer n.lk.RUnlock()
	var count int
	for _, state := range n.states {
		if state == StateActive {
			count++
		}
	}
	return count
}

// ByzantineNodes returns the quarantined nodes in ascending order.
func (n *Network) ByzantineNodes() []bft.NodeID {
	n.lk.RLock()
	defer n.lk.RUnlock()
	var ids []bft.NodeID
	for _, id := range n.ids {
		if n.states[id] == StateByzantine {
			ids = append(ids, id)
		}
	}
	return ids
}

// PendingCount returns the number of messages sent but not yet received,
// including messages still subject to latency.
func (n *Network) PendingCount() int {
	count := int(n.inFlight.Load())
	for _, e := range n.endpoints {
		count += len(e.inbox)
	}
	return count
}

// Stats returns the number of deliveries and drops so far.
func (n *Network) Stats() (delivered, dropped int64) {
	return n.delivered.Load(), n.dropped.Load()
}

// Close stops every endpoint. Pending and later messages are discarded.
func (n *Network) Close() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, e := range n.endpoints {
		close(e.done)
	}
	return nil
}

func (n *Network) chance(p float64) bool {
	switch {
	case p <= 0:
		return false
	case p >= 1:
		return true
	}
	n.rngLk.Lock()
	defer n.rngLk.Unlock()
	return n.rng.Float64() < p
}

func (n *Network) broadcast(from bft.NodeID, payload []byte) error {
	n.lk.RLock()
	closed := n.closed
	senderState := n.states[from]
	states := make(map[bft.NodeID]NodeState, len(n.states))
	for id, state := range n.states {
		states[id] = state
	}
	n.lk.RUnlock()

	if closed {
		return ErrClosed
	}
	if senderState != StateActive {
		n.dropped.Add(int64(len(n.ids) - 1))
		return nil
	}
	now := n.clock.Now()
	for _, to := range n.ids {
		if to == from {
			continue
		}
		if states[to] == StateOffline || !n.allowed(from, to, payload) || n.chance(n.lossRate) {
			n.dropped.Add(1)
			continue
		}
		msg := bft.Envelope{From: from, Payload: slices.Clone(payload)}
		if n.chance(n.corruptionRate) {
			clear(msg.Payload)
		}
		target := n.endpoints[to]
		if delay := n.latency.Sample(now, from, to); delay > 0 {
			n.inFlight.Add(1)
			n.clock.AfterFunc(delay, func() {
				n.inFlight.Add(-1)
				target.enqueue(msg)
			})
			continue
		}
		target.enqueue(msg)
	}
	return nil
}

func (n *Network) allowed(from, to bft.NodeID, payload []byte) bool {
	for _, censor := range n.censors {
		if !censor.AllowMessage(from, to, payload) {
			return false
		}
	}
	return true
}

var _ bft.Network = (*Endpoint)(nil)

// Endpoint is the network as seen by one node.
type Endpoint struct {
	id      bft.NodeID
	network *Network
	inbox   chan bft.Envelope
	done    chan struct{}
}

func (e *Endpoint) ID() bft.NodeID { return e.id }

func (e *Endpoint) enqueue(msg bft.Envelope) {
	if e.network.State(e.id) == StateOffline {
		e.network.dropped.Add(1)
		return
	}
	select {
	case <-e.done:
		e.network.dropped.Add(1)
	case e.inbox <- msg:
		e.network.delivered.Add(1)
	default:
		e.network.dropped.Add(1)
		log.Debugw("queue full, dropping message", "to", e.id, "from", msg.From)
	}
}

// Broadcast sends payload to every other node. Messages from nodes that are
// offline or quarantined are silently dropped.
func (e *Endpoint) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.network.broadcast(e.id, payload)
}

func (e *Endpoint) Receive(ctx context.Context) (bft.Envelope, error) {
	select {
	case <-ctx.Done():
		return bft.Envelope{}, ctx.Err()
	case <-e.done:
		return bft.Envelope{}, ErrClosed
	case msg := <-e.inbox:
		return msg, nil
	}
}

func (e *Endpoint) ByzantineNodes() []bft.NodeID { return e.network.ByzantineNodes() }

// Inject delivers a message to this endpoint as if sent by from, bypassing
// every fault injection. It lets tests play a byzantine sender.
func (e *Endpoint) Inject(from bft.NodeID, payload []byte) {
	e.enqueue(bft.Envelope{From: from, Payload: slices.Clone(payload)})
}
