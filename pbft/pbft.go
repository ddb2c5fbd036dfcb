package pbft

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/fault"
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("bft/pbft")

var _ bft.Consensus = (*Consensus)(nil)

var (
	errNotMember     = errors.New("sender is not a member")
	errFutureView    = errors.New("message for a future view")
	errViewChanging  = errors.New("view change in progress")
	errOutsideWindow = errors.New("sequence number outside window")
)

// Consensus runs three-phase PBFT for one node over a network collaborator.
//
// The primary of view v is the member at v mod n of the sorted membership.
// It assigns sequence numbers with pre-prepares. A slot is prepared once a
// quorum of matching prepares is seen, counting the pre-prepare as the
// primary's, and committed once a quorum of matching commits is seen.
// Committed slots execute strictly in sequence order.
type Consensus struct {
	*options

	self    bft.NodeID
	nodes   []bft.NodeID
	index   map[bft.NodeID]int
	timeout time.Duration
	network bft.Network
	quorum  int
	weak    int

	mu           sync.Mutex
	view         bft.ViewNumber
	viewChanging bool
	// requested is the highest view this node asked to move to.
	requested bft.ViewNumber
	// changingSince is when the pending view change started.
	changingSince time.Time
	// awaiting is when the node started waiting for a pre-prepare, or zero.
	awaiting     time.Time
	nextSeq      uint64
	lastExecuted uint64
	lastHash     bft.Hash
	slots        map[uint64]*slot
	waiters      map[uint64]*waiter
	viewChanges  map[bft.ViewNumber]map[bft.NodeID]*ViewChange
	announced    map[bft.ViewNumber]bool
	committed    []*bft.CommittedBlock
	undelivered  []*bft.CommittedBlock

	deliverLk sync.Mutex
}

type vote struct {
	view   bft.ViewNumber
	digest bft.Hash
}

type slot struct {
	view      bft.ViewNumber
	block     *Block
	digest    bft.Hash
	since     time.Time
	prepares  map[vote]map[bft.NodeID]struct{}
	commits   map[vote]map[bft.NodeID]struct{}
	prepared  bool
	committed bool
	// executed slots are kept for a window so that a new view can re-propose
	// them to replicas that missed their commit.
	executed bool
}

func newSlot() *slot {
	return &slot{
		prepares: make(map[vote]map[bft.NodeID]struct{}),
		commits:  make(map[vote]map[bft.NodeID]struct{}),
	}
}

func addVote(votes map[vote]map[bft.NodeID]struct{}, key vote, from bft.NodeID) {
	voters, ok := votes[key]
	if !ok {
		voters = make(map[bft.NodeID]struct{})
		votes[key] = voters
	}
	voters[from] = struct{}{}
}

type waiter struct {
	digest bft.Hash
	ch     chan *bft.CommittedBlock
}

// outbox collects messages to broadcast once the state lock is released.
type outbox []*Message

func (o *outbox) add(m *Message) { *o = append(*o, m) }

// New creates the protocol instance of node self in a cluster of nodes. Every
// wait for a quorum is bounded by timeout.
func New(self bft.NodeID, nodes []bft.NodeID, timeout time.Duration, network bft.Network, o ...Option) (*Consensus, error) {
	if timeout <= 0 {
		return nil, bft.Configuration("timeout must be positive, got %s", timeout)
	}
	if network == nil {
		return nil, bft.Configuration("missing network")
	}
	members := bft.SortedNodeIDs(nodes)
	if len(members) == 0 {
		return nil, bft.InvalidValidatorSet("no nodes")
	}
	index := make(map[bft.NodeID]int, len(members))
	for i, member := range members {
		if member == bft.UndefNodeID {
			return nil, bft.Configuration("membership contains the undefined node id")
		}
		index[member] = i
	}
	if _, ok := index[self]; !ok {
		return nil, bft.Configuration("%s is not a member", self)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	if opts.detector == nil {
		if opts.detector, err = fault.NewDetector(len(members), fault.WithClock(opts.clock)); err != nil {
			return nil, err
		}
	}
	if opts.pacemakerInterval == 0 {
		opts.pacemakerInterval = max(timeout/4, time.Millisecond)
	}
	log.Infow("pbft initialised", "node", self, "n", len(members),
		"f", bft.MaxByzantine(len(members)), "timeout", timeout)
	return &Consensus{
		options:     opts,
		self:        self,
		nodes:       members,
		index:       index,
		timeout:     timeout,
		network:     network,
		quorum:      bft.QuorumSize(len(members)),
		weak:        bft.WeakQuorumSize(len(members)),
		slots:       make(map[uint64]*slot),
		waiters:     make(map[uint64]*waiter),
		viewChanges: make(map[bft.ViewNumber]map[bft.NodeID]*ViewChange),
		announced:   make(map[bft.ViewNumber]bool),
	}, nil
}

func (c *Consensus) initialised() bool {
	return c.options != nil && c.network != nil && len(c.nodes) > 0
}

func (c *Consensus) primary(view bft.ViewNumber) bft.NodeID { return bft.Leader(view, c.nodes) }

func (c *Consensus) CurrentView() bft.ViewNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Primary returns the primary of the current view.
func (c *Consensus) Primary() bft.NodeID { return c.primary(c.CurrentView()) }

// LastExecuted returns the sequence number of the last executed block.
func (c *Consensus) LastExecuted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExecuted
}

func (c *Consensus) Committed() []*bft.CommittedBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.committed)
}

// Propose assigns the next sequence number to the decisions and waits until
// the block executes on this node.
//
// Only the primary of the current view may propose. If the block does not
// execute within the timeout the node starts a view change and
// QuorumNotReached is returned with the size of the largest phase quorum seen.
// A primary with a full window of blocks in flight fails with
// QuorumNotReached and no votes, without assigning a sequence number.
func (c *Consensus) Propose(ctx context.Context, decisions []bft.Decision) (_ *bft.CommittedBlock, _err error) {
	if !c.initialised() {
		return nil, bft.Configuration("pbft consensus is not initialised")
	}
	defer func() {
		metrics.proposals.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, _err)))
	}()

	var out outbox
	c.mu.Lock()
	view := c.view
	if primary := c.primary(view); primary != c.self {
		c.mu.Unlock()
		return nil, bft.Configuration("only primary can propose: view %d is led by %s", view, primary)
	}
	if c.viewChanging {
		requested := c.requested
		c.mu.Unlock()
		return nil, bft.ViewSyncTimeout(view, requested)
	}
	seq := max(c.nextSeq, c.lastExecuted) + 1
	if seq > c.lastExecuted+c.windowSize {
		c.mu.Unlock()
		return nil, windowFull(c.quorum)
	}
	c.nextSeq = seq
	pp := &PrePrepare{View: view, Seq: seq, Block: Block{
		Seq:       seq,
		Primary:   c.self,
		Decisions: slices.Clone(decisions),
		Timestamp: c.clock.Now().UnixMilli(),
	}}
	digest := pp.Block.Digest()
	w := &waiter{digest: digest, ch: make(chan *bft.CommittedBlock, 1)}
	c.waiters[seq] = w
	out.add(&Message{Type: PrePrepareMessage, PrePrepare: pp})
	c.acceptPrePrepare(ctx, pp, digest, &out)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[seq] == w {
			delete(c.waiters, seq)
		}
		c.mu.Unlock()
	}()

	start := c.clock.Now()
	c.send(ctx, out)
	c.flush(ctx)
	log.Debugw("proposed", "node", c.self, "view", view, "seq", seq, "digest", digest.Short())

	timer := c.clock.Timer(c.timeout)
	defer timer.Stop()
	select {
	case block := <-w.ch:
		if block == nil {
			return nil, bft.QuorumNotReached(0, c.quorum)
		}
		metrics.commitLatency.Record(ctx, c.clock.Since(start).Seconds())
		return block, nil
	case <-timer.C:
		have := c.progress(seq, view, digest)
		log.Warnw("proposal timed out", "node", c.self, "view", view, "seq", seq, "have", have, "need", c.quorum)
		c.RequestViewChange(ctx)
		return nil, bft.QuorumNotReached(have, c.quorum)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// windowFull reports that no sequence number is free until in-flight blocks
// execute.
func windowFull(need int) *bft.Error {
	err := bft.QuorumNotReached(0, need)
	err.Reason = "sequence window full"
	return err
}

// progress returns the vote count of the phase the slot is in.
func (c *Consensus) progress(seq uint64, view bft.ViewNumber, digest bft.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[seq]
	if !ok {
		return 0
	}
	key := vote{view: view, digest: digest}
	if s.prepared {
		return len(s.commits[key])
	}
	return len(s.prepares[key])
}

// AwaitProposal arms the pacemaker: unless a pre-prepare arrives within the
// timeout, the node starts a view change. Callers use it on every node when
// they submit decisions to the primary, so that a silent primary is replaced.
func (c *Consensus) AwaitProposal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awaiting.IsZero() {
		c.awaiting = c.clock.Now()
	}
}

// Run receives and handles messages and drives the pacemaker until ctx is
// cancelled.
func (c *Consensus) Run(ctx context.Context) error {
	if !c.initialised() {
		return bft.Configuration("pbft consensus is not initialised")
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			env, err := c.network.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("receiving message: %w", err)
			}
			if err := c.handle(ctx, env); err != nil {
				metrics.rejected.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, err)))
				log.Debugw("rejected message", "node", c.self, "from", env.From, "err", err)
			}
		}
	})
	eg.Go(func() error {
		ticker := c.clock.Ticker(c.pacemakerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.checkProgress(ctx)
			}
		}
	})
	return eg.Wait()
}

func (c *Consensus) handle(ctx context.Context, env bft.Envelope) error {
	if _, member := c.index[env.From]; !member {
		c.detector.Record(env.From, fault.Authentication, []byte("pbft message from non-member"), 7)
		return errNotMember
	}
	if c.membership != nil && !c.membership.IsActive(env.From) {
		return fmt.Errorf("%s is not an active validator", env.From)
	}
	msg, err := UnmarshalMessage(env.Payload)
	if err != nil {
		return err
	}
	metrics.messages.Add(ctx, 1, metric.WithAttributes(attrMessageType.String(msg.Type.String())))

	var out outbox
	c.mu.Lock()
	switch msg.Type {
	case PrePrepareMessage:
		err = c.onPrePrepare(ctx, env.From, msg.PrePrepare, &out)
	case PrepareMessage:
		err = c.onPrepare(ctx, env.From, msg.Prepare, &out)
	case CommitMessage:
		err = c.onCommit(ctx, env.From, msg.Commit, &out)
	case ViewChangeMessage:
		err = c.onViewChange(ctx, env.From, msg.ViewChange, &out)
	case NewViewMessage:
		err = c.onNewView(ctx, env.From, msg.NewView, &out)
	default:
		err = errMalformedMessage
	}
	c.mu.Unlock()
	c.send(ctx, out)
	c.flush(ctx)
	return err
}

func slotKey(kind string, view bft.ViewNumber, seq uint64) string {
	return fmt.Sprintf("pbft/%s/%d/%d", kind, view, seq)
}

func (c *Consensus) logical(from bft.NodeID, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	c.detector.Record(from, fault.Logical, []byte(reason), 7)
	return bft.ByzantineNodeDetected("%s: %s", from, reason)
}

func (c *Consensus) impersonation(from, claimed bft.NodeID, kind string) error {
	c.detector.Record(from, fault.Authentication, []byte(fmt.Sprintf("%s of %s relayed as own", kind, claimed)), 7)
	return bft.ByzantineNodeDetected("%s sent a %s of %s", from, kind, claimed)
}

// checkView rejects messages that do not belong to the current view.
func (c *Consensus) checkView(view bft.ViewNumber) error {
	switch {
	case view < c.view:
		return bft.ViewSyncTimeout(view, c.view)
	case view > c.view:
		return fmt.Errorf("%w: %d, current %d", errFutureView, view, c.view)
	}
	return nil
}

func (c *Consensus) inWindow(seq uint64) bool {
	return seq > c.lastExecuted && seq <= c.lastExecuted+c.windowSize
}

func (c *Consensus) slot(seq uint64) *slot {
	s, ok := c.slots[seq]
	if !ok {
		s = newSlot()
		c.slots[seq] = s
	}
	return s
}

func (c *Consensus) onPrePrepare(ctx context.Context, from bft.NodeID, pp *PrePrepare, out *outbox) error {
	if primary := c.primary(pp.View); from != primary {
		return c.logical(from, "pre-prepare for view %d not from its primary %s", pp.View, primary)
	}
	digest := pp.Block.Digest()
	if c.detector.Observe(from, slotKey("pre-prepare", pp.View, pp.Seq), digest[:]) != nil {
		return bft.ByzantineNodeDetected("%s sent conflicting pre-prepares for view %d seq %d", from, pp.View, pp.Seq)
	}
	if err := c.checkView(pp.View); err != nil {
		return err
	}
	if c.viewChanging {
		return errViewChanging
	}
	if !c.inWindow(pp.Seq) {
		c.detector.DetectOrderingFault(from, c.lastExecuted+1, pp.Seq)
		return fmt.Errorf("%w: seq %d, last executed %d", errOutsideWindow, pp.Seq, c.lastExecuted)
	}
	if s, ok := c.slots[pp.Seq]; ok && s.block != nil && s.view == pp.View {
		return nil
	}
	if expected := max(c.nextSeq, c.lastExecuted) + 1; pp.Seq != expected {
		c.detector.DetectOrderingFault(from, expected, pp.Seq)
	}
	c.nextSeq = max(c.nextSeq, pp.Seq)
	c.acceptPrePrepare(ctx, pp, digest, out)
	return nil
}

// acceptPrePrepare records the block of a slot, counts the prepare votes of
// the primary and of this node, and advances the slot.
func (c *Consensus) acceptPrePrepare(ctx context.Context, pp *PrePrepare, digest bft.Hash, out *outbox) {
	block := pp.Block
	block.Decisions = slices.Clone(block.Decisions)
	s := c.slot(pp.Seq)
	if s.executed {
		return
	}
	s.view, s.block, s.digest = pp.View, &block, digest
	s.since = c.clock.Now()
	s.prepared, s.committed = false, false
	c.awaiting = time.Time{}

	key := vote{view: pp.View, digest: digest}
	primary := c.primary(pp.View)
	addVote(s.prepares, key, primary)
	if primary != c.self {
		addVote(s.prepares, key, c.self)
		out.add(&Message{Type: PrepareMessage, Prepare: &Prepare{View: pp.View, Seq: pp.Seq, Digest: digest, Node: c.self}})
	}
	c.advance(ctx, pp.Seq, out)
}

func (c *Consensus) onPrepare(ctx context.Context, from bft.NodeID, p *Prepare, out *outbox) error {
	if p.Node != from {
		return c.impersonation(from, p.Node, "prepare")
	}
	if c.detector.Observe(from, slotKey("prepare", p.View, p.Seq), p.Digest[:]) != nil {
		return bft.ByzantineNodeDetected("%s sent conflicting prepares for view %d seq %d", from, p.View, p.Seq)
	}
	if err := c.checkView(p.View); err != nil {
		return err
	}
	if p.Seq <= c.lastExecuted {
		return nil
	}
	if !c.inWindow(p.Seq) {
		return fmt.Errorf("%w: seq %d, last executed %d", errOutsideWindow, p.Seq, c.lastExecuted)
	}
	addVote(c.slot(p.Seq).prepares, vote{view: p.View, digest: p.Digest}, from)
	c.advance(ctx, p.Seq, out)
	return nil
}

func (c *Consensus) onCommit(ctx context.Context, from bft.NodeID, m *Commit, out *outbox) error {
	if m.Node != from {
		return c.impersonation(from, m.Node, "commit")
	}
	if c.detector.Observe(from, slotKey("commit", m.View, m.Seq), m.Digest[:]) != nil {
		return bft.ByzantineNodeDetected("%s sent conflicting commits for view %d seq %d", from, m.View, m.Seq)
	}
	if err := c.checkView(m.View); err != nil {
		return err
	}
	if m.Seq <= c.lastExecuted {
		return nil
	}
	if !c.inWindow(m.Seq) {
		return fmt.Errorf("%w: seq %d, last executed %d", errOutsideWindow, m.Seq, c.lastExecuted)
	}
	addVote(c.slot(m.Seq).commits, vote{view: m.View, digest: m.Digest}, from)
	c.advance(ctx, m.Seq, out)
	return nil
}

// advance moves a slot through the prepared and committed phases and
// executes every slot that became ready.
func (c *Consensus) advance(ctx context.Context, seq uint64, out *outbox) {
	s, ok := c.slots[seq]
	if !ok || s.block == nil {
		return
	}
	key := vote{view: s.view, digest: s.digest}
	if !s.prepared && len(s.prepares[key]) >= c.quorum {
		s.prepared = true
		addVote(s.commits, key, c.self)
		out.add(&Message{Type: CommitMessage, Commit: &Commit{View: s.view, Seq: seq, Digest: s.digest, Node: c.self}})
		log.Debugw("prepared", "node", c.self, "view", s.view, "seq", seq)
	}
	if s.prepared && !s.committed && len(s.commits[key]) >= c.quorum {
		s.committed = true
		log.Debugw("committed locally", "node", c.self, "view", s.view, "seq", seq)
	}
	c.execute(ctx)
}

func (c *Consensus) execute(ctx context.Context) {
	for {
		seq := c.lastExecuted + 1
		s, ok := c.slots[seq]
		if !ok || !s.committed || s.executed {
			return
		}
		key := vote{view: s.view, digest: s.digest}
		voters := make([]bft.NodeID, 0, len(s.commits[key]))
		for id := range s.commits[key] {
			voters = append(voters, id)
		}
		slices.Sort(voters)
		block := &bft.CommittedBlock{
			Protocol:   bft.ProtocolPBFT,
			Height:     seq,
			View:       s.view,
			Hash:       s.digest,
			ParentHash: c.lastHash,
			Decisions:  slices.Clone(s.block.Decisions),
			Proof:      bft.Proof{View: s.view, VoteCount: len(voters), Voters: voters},
		}
		c.lastExecuted, c.lastHash = seq, s.digest
		s.executed = true
		if seq > c.windowSize {
			delete(c.slots, seq-c.windowSize)
		}
		c.committed = append(c.committed, block)
		c.undelivered = append(c.undelivered, block)
		if w, ok := c.waiters[seq]; ok {
			delete(c.waiters, seq)
			if w.digest == s.digest {
				w.ch <- block
			} else {
				w.ch <- nil
			}
		}
		metrics.executed.Add(ctx, 1)
		metrics.lastExecuted.Record(ctx, int64(seq))
		log.Infow("executed block", "node", c.self, "block", block)
	}
}

func (c *Consensus) send(ctx context.Context, out outbox) {
	for _, msg := range out {
		payload, err := msg.Marshal()
		if err != nil {
			log.Errorw("failed to encode message", "type", msg.Type, "err", err)
			continue
		}
		if err := c.network.Broadcast(ctx, payload); err != nil {
			log.Warnw("failed to broadcast", "type", msg.Type, "err", err)
		}
	}
}

// flush hands executed blocks to the commit sink in sequence order.
func (c *Consensus) flush(ctx context.Context) {
	c.deliverLk.Lock()
	defer c.deliverLk.Unlock()
	c.mu.Lock()
	blocks := c.undelivered
	c.undelivered = nil
	c.mu.Unlock()
	if c.commitSink == nil {
		return
	}
	for _, block := range blocks {
		if err := c.commitSink.Commit(ctx, block); err != nil {
			log.Errorw("commit sink rejected block", "height", block.Height, "err", err)
		}
	}
}
