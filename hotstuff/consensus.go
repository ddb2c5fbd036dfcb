package hotstuff

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

var log = logging.Logger("bft/hotstuff")

var _ bft.Consensus = (*Consensus)(nil)

// Consensus runs chained HotStuff for one node over a network collaborator.
//
// The leader of view v is the member at v mod n of the sorted membership. A
// block proposed in view v is certified once a quorum of nodes vote for it,
// after which every node moves to view v+1. Blocks become final under the
// three-chain rule and are delivered to the commit sink. While certified
// decisions wait for their commit, the leaders of the following views propose
// empty blocks to extend the chain.
type Consensus struct {
	*options

	self    bft.NodeID
	nodes   []bft.NodeID
	timeout time.Duration
	network bft.Network
	node    *Node

	mu       sync.Mutex
	waiters  map[bft.Hash]*waiter
	proposed map[bft.ViewNumber]bool
	// pending records when the node started waiting for a certificate in a view.
	pending  map[bft.ViewNumber]time.Time
	timeouts map[bft.ViewNumber]map[bft.NodeID]*QuorumCertificate
	timedOut map[bft.ViewNumber]bool

	fill chan bft.ViewNumber

	commitLk  sync.Mutex
	committed []*bft.CommittedBlock
}

// waiter is a proposal of this node waiting for its certificate and, when
// final is set, for the block committed at its height.
type waiter struct {
	height    uint64
	certified chan *QuorumCertificate
	final     chan *bft.CommittedBlock
}

// New creates the protocol instance of node self in a cluster of nodes. Every
// wait for a quorum is bounded by timeout.
func New(self bft.NodeID, nodes []bft.NodeID, timeout time.Duration, network bft.Network, o ...Option) (*Consensus, error) {
	if timeout <= 0 {
		return nil, bft.Configuration("timeout must be positive, got %s", timeout)
	}
	if network == nil {
		return nil, bft.Configuration("missing network")
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	node, err := newNode(self, nodes, opts.clock)
	if err != nil {
		return nil, err
	}
	if opts.detector == nil {
		if opts.detector, err = fault.NewDetector(node.cfg.TotalNodes, fault.WithClock(opts.clock)); err != nil {
			return nil, err
		}
	}
	if opts.pacemakerInterval == 0 {
		opts.pacemakerInterval = max(timeout/4, time.Millisecond)
	}
	log.Infow("hotstuff initialised", "node", self, "n", node.cfg.TotalNodes,
		"f", node.cfg.MaxByzantine(), "timeout", timeout)
	return &Consensus{
		options:  opts,
		self:     self,
		nodes:    node.Nodes(),
		timeout:  timeout,
		network:  network,
		node:     node,
		waiters:  make(map[bft.Hash]*waiter),
		proposed: make(map[bft.ViewNumber]bool),
		pending:  make(map[bft.ViewNumber]time.Time),
		timeouts: make(map[bft.ViewNumber]map[bft.NodeID]*QuorumCertificate),
		timedOut: make(map[bft.ViewNumber]bool),
		fill:     make(chan bft.ViewNumber, 1),
	}, nil
}

// Node exposes the underlying state machine.
func (c *Consensus) Node() *Node { return c.node }

func (c *Consensus) CurrentView() bft.ViewNumber {
	if c.node == nil {
		return 0
	}
	return c.node.View()
}

// Leader returns the leader of the current view.
func (c *Consensus) Leader() bft.NodeID { return bft.Leader(c.CurrentView(), c.nodes) }

func (c *Consensus) Committed() []*bft.CommittedBlock {
	c.commitLk.Lock()
	defer c.commitLk.Unlock()
	return slices.Clone(c.committed)
}

// Propose proposes the decisions as a block in the current view and waits
// until the block is committed by the three-chain rule.
//
// Only the leader of the current view may propose. If no quorum certifies the
// block within the timeout the node times out of the view and QuorumNotReached
// is returned. A certified block that is not committed in time, or whose
// height is committed with another block, fails with ViewSyncTimeout; the
// block may still commit later.
func (c *Consensus) Propose(ctx context.Context, decisions []bft.Decision) (_ *bft.CommittedBlock, _err error) {
	if c.node == nil || c.network == nil || c.options == nil {
		return nil, bft.Configuration("hotstuff consensus is not initialised")
	}
	defer func() {
		metrics.proposals.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, _err)))
	}()

	view := c.node.View()
	if leader := bft.Leader(view, c.nodes); leader != c.self {
		return nil, bft.Configuration("only leader can propose: view %d is led by %s", view, leader)
	}
	command, err := decisionsCodec.Encode(decisions)
	if err != nil {
		return nil, fmt.Errorf("encoding decisions: %w", err)
	}
	start := c.clock.Now()
	w := &waiter{
		certified: make(chan *QuorumCertificate, 1),
		final:     make(chan *bft.CommittedBlock, 1),
	}
	block, err := c.certify(ctx, view, command, w)
	if err != nil {
		return nil, err
	}
	hash := block.Hash()
	defer c.forget(hash)

	timer := c.clock.Timer(c.finalityTimeout())
	defer timer.Stop()
	select {
	case committed := <-w.final:
		if committed.Hash != hash {
			log.Warnw("certified block superseded", "node", c.self, "block", block, "committed", committed.Hash.Short())
			return nil, c.notCommitted(block, "height %d committed with block %s", block.Height, committed.Hash.Short())
		}
		metrics.commitLatency.Record(ctx, c.clock.Since(start).Seconds())
		return committed, nil
	case <-timer.C:
		log.Warnw("certified block not committed in time", "node", c.self, "block", block)
		return nil, c.notCommitted(block, "certified block %s not committed in time", hash.Short())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finalityTimeout bounds the wait for a commit once a block is certified,
// allowing every member to fail to lead once.
func (c *Consensus) finalityTimeout() time.Duration {
	return time.Duration(len(c.nodes)+2) * c.timeout
}

func (c *Consensus) notCommitted(block *BlockHeader, format string, args ...any) *bft.Error {
	err := bft.ViewSyncTimeout(block.View, c.node.View())
	err.Reason = fmt.Sprintf(format, args...)
	return err
}

// certify proposes command in view and waits for its certificate. The waiter
// stays registered on success; the caller must forget it.
func (c *Consensus) certify(ctx context.Context, view bft.ViewNumber, command []byte, w *waiter) (_ *BlockHeader, _err error) {
	c.mu.Lock()
	if c.proposed[view] {
		c.mu.Unlock()
		return nil, bft.Configuration("already proposed in view %d", view)
	}
	c.proposed[view] = true
	c.mu.Unlock()

	msg, err := c.node.Propose(command, c.node.HighQC())
	if err != nil {
		return nil, err
	}
	block := msg.Propose.Block
	hash := block.Hash()
	if _, err := c.node.Vote(hash, view); err != nil {
		return nil, err
	}

	w.height = block.Height
	c.mu.Lock()
	c.waiters[hash] = w
	c.mu.Unlock()
	defer func() {
		if _err != nil {
			c.forget(hash)
		}
	}()

	start := c.clock.Now()
	if qc := c.node.CollectVote(hash, view, c.self); qc != nil {
		c.onQuorum(ctx, qc)
	}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding proposal: %w", err)
	}
	if err := c.network.Broadcast(ctx, payload); err != nil {
		return nil, fmt.Errorf("broadcasting proposal: %w", err)
	}
	log.Debugw("proposed", "node", c.self, "block", &block)

	timer := c.clock.Timer(c.timeout)
	defer timer.Stop()
	select {
	case <-w.certified:
		metrics.certifyLatency.Record(ctx, c.clock.Since(start).Seconds())
		return &block, nil
	case <-timer.C:
		have, need := c.node.VoteCount(hash, view), c.node.cfg.QuorumSize()
		log.Warnw("proposal timed out", "node", c.self, "view", view, "have", have, "need", need)
		c.sendTimeout(ctx, view)
		return nil, bft.QuorumNotReached(have, need)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Consensus) forget(hash bft.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, hash)
}

// fillView proposes an empty block in view if this node still leads it and
// certified decisions are waiting for their commit.
func (c *Consensus) fillView(ctx context.Context, view bft.ViewNumber) {
	if c.node.View() != view || !c.node.HasUncommittedDecisions() {
		return
	}
	w := &waiter{certified: make(chan *QuorumCertificate, 1)}
	block, err := c.certify(ctx, view, nil, w)
	if err != nil {
		log.Debugw("empty block not certified", "node", c.self, "view", view, "err", err)
		return
	}
	c.forget(block.Hash())
	metrics.emptyBlocks.Add(ctx, 1)
}

// AwaitProposal arms the pacemaker for the current view: unless a block is
// certified in it within the timeout, the node times out of the view. Callers
// use it on every node when they submit decisions to the leader, so that a
// silent leader is replaced.
func (c *Consensus) AwaitProposal() {
	c.markPending(c.node.View())
}

// Run receives and handles messages and drives the pacemaker until ctx is
// cancelled.
func (c *Consensus) Run(ctx context.Context) error {
	if c.node == nil || c.network == nil || c.options == nil {
		return bft.Configuration("hotstuff consensus is not initialised")
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
		for {
			select {
			case <-ctx.Done():
				return nil
			case view := <-c.fill:
				c.fillView(ctx, view)
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

var errNotMember = errors.New("sender is not a member")

func (c *Consensus) handle(ctx context.Context, env bft.Envelope) error {
	if _, member := c.node.SignerIndex(env.From); !member {
		c.detector.Record(env.From, fault.Authentication, []byte("hotstuff message from non-member"), 7)
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
	switch msg.Type {
	case ProposeMessage:
		return c.handlePropose(ctx, env.From, msg.Propose)
	case VoteMessage:
		return c.handleVote(ctx, env.From, msg.Vote)
	case GenericMessage:
		return c.handleGeneric(ctx, env.From, msg.Generic)
	case TimeoutMessage:
		return c.handleTimeout(ctx, env.From, msg.Timeout)
	default:
		return errMalformedMessage
	}
}

func slot(kind string, view bft.ViewNumber) string {
	return fmt.Sprintf("hotstuff/%s/%d", kind, view)
}

func (c *Consensus) logical(from bft.NodeID, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	c.detector.Record(from, fault.Logical, []byte(reason), 7)
	return bft.ByzantineNodeDetected("%s: %s", from, reason)
}

func (c *Consensus) handlePropose(ctx context.Context, from bft.NodeID, p *Propose) error {
	block := p.Block
	hash := block.Hash()
	leader := bft.Leader(block.View, c.nodes)
	if from != leader || block.Leader != leader {
		return c.logical(from, "proposal for view %d not from its leader %s", block.View, leader)
	}
	if c.detector.Observe(from, slot("propose", block.View), hash[:]) != nil {
		return bft.ByzantineNodeDetected("%s proposed two blocks in view %d", from, block.View)
	}
	if current := c.node.View(); block.View < current {
		return bft.ViewSyncTimeout(block.View, current)
	}
	parent := &p.QC
	if !parent.Verify(c.node.cfg.TotalNodes) || parent.BlockHash != block.ParentHash ||
		parent.BlockHeight+1 != block.Height || !c.validSigners(parent) {
		return c.logical(from, "proposal in view %d carries an invalid parent certificate", block.View)
	}

	c.deliver(ctx, c.node.applyQC(parent))
	c.node.AddBlock(block)
	if block.View > c.node.View() {
		c.advance(block.View)
	}
	vote, err := c.node.Vote(hash, block.View)
	if err != nil {
		return err
	}
	c.markPending(block.View)
	payload, err := vote.Marshal()
	if err != nil {
		return err
	}
	return c.network.Broadcast(ctx, payload)
}

func (c *Consensus) handleVote(ctx context.Context, from bft.NodeID, v *Vote) error {
	if v.Voter != from {
		c.detector.Record(from, fault.Authentication, []byte(fmt.Sprintf("vote of %s relayed as own", v.Voter)), 7)
		return bft.ByzantineNodeDetected("%s sent a vote of %s", from, v.Voter)
	}
	if c.detector.Observe(from, slot("vote", v.View), v.BlockHash[:]) != nil {
		return bft.ByzantineNodeDetected("%s voted twice in view %d", from, v.View)
	}
	if bft.Leader(v.View, c.nodes) != c.self {
		return nil
	}
	if qc := c.node.CollectVote(v.BlockHash, v.View, v.Voter); qc != nil {
		c.onQuorum(ctx, qc)
	}
	return nil
}

// onQuorum is called on the leader when a certificate forms for its block.
func (c *Consensus) onQuorum(ctx context.Context, qc *QuorumCertificate) {
	metrics.certified.Add(ctx, 1)
	c.deliver(ctx, c.node.applyQC(qc))
	announce := &Message{Type: GenericMessage, Generic: &Generic{
		BlockHash:   qc.BlockHash,
		View:        qc.View,
		VoteCount:   qc.VoteCount,
		BlockHeight: qc.BlockHeight,
		Signers:     qc.Signers,
	}}
	if payload, err := announce.Marshal(); err != nil {
		log.Errorw("failed to encode certificate announcement", "err", err)
	} else if err := c.network.Broadcast(ctx, payload); err != nil {
		log.Warnw("failed to announce certificate", "view", qc.View, "err", err)
	}
	c.advance(qc.View + 1)

	c.mu.Lock()
	w, ok := c.waiters[qc.BlockHash]
	c.mu.Unlock()
	if ok {
		select {
		case w.certified <- qc:
		default:
		}
	}
}

func (c *Consensus) handleGeneric(ctx context.Context, from bft.NodeID, g *Generic) error {
	if leader := bft.Leader(g.View, c.nodes); from != leader {
		return c.logical(from, "certificate for view %d not announced by its leader %s", g.View, leader)
	}
	qc := g.QC()
	if !qc.Verify(c.node.cfg.TotalNodes) || !c.validSigners(qc) {
		return c.logical(from, "invalid certificate announced for view %d", g.View)
	}
	metrics.certified.Add(ctx, 1)
	c.deliver(ctx, c.node.applyQC(qc))
	c.advance(g.View + 1)
	return nil
}

func (c *Consensus) handleTimeout(ctx context.Context, from bft.NodeID, t *Timeout) error {
	if t.Node != from {
		c.detector.Record(from, fault.Authentication, []byte(fmt.Sprintf("timeout of %s relayed as own", t.Node)), 7)
		return bft.ByzantineNodeDetected("%s sent a timeout of %s", from, t.Node)
	}
	high := &t.HighQC
	if !high.IsGenesis() && !c.validSigners(high) {
		return c.logical(from, "timeout for view %d carries an invalid certificate", t.View)
	}
	c.onTimeout(ctx, t.View, from, high)
	return nil
}

// validSigners checks that the signer set of qc names exactly VoteCount
// distinct members.
func (c *Consensus) validSigners(qc *QuorumCertificate) bool {
	if qc.IsGenesis() {
		return true
	}
	indexes, err := qc.Signers.Indexes()
	if err != nil || len(indexes) != qc.VoteCount {
		return false
	}
	return len(indexes) == 0 || indexes[len(indexes)-1] < uint64(len(c.nodes))
}

func (c *Consensus) markPending(view bft.ViewNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[view]; !ok {
		c.pending[view] = c.clock.Now()
	}
}

func (c *Consensus) checkProgress(ctx context.Context) {
	view := c.node.View()
	c.mu.Lock()
	since, waiting := c.pending[view]
	c.mu.Unlock()
	if waiting && c.clock.Since(since) >= c.timeout {
		c.sendTimeout(ctx, view)
	}
}

// sendTimeout abandons view, at most once per view.
func (c *Consensus) sendTimeout(ctx context.Context, view bft.ViewNumber) {
	c.mu.Lock()
	if c.timedOut[view] {
		c.mu.Unlock()
		return
	}
	c.timedOut[view] = true
	c.mu.Unlock()

	high := c.node.HighQC()
	msg := &Message{Type: TimeoutMessage, Timeout: &Timeout{View: view, Node: c.self, HighQC: *high}}
	if payload, err := msg.Marshal(); err != nil {
		log.Errorw("failed to encode timeout", "err", err)
	} else if err := c.network.Broadcast(ctx, payload); err != nil {
		log.Warnw("failed to broadcast timeout", "view", view, "err", err)
	}
	log.Debugw("timed out of view", "node", c.self, "view", view)
	c.onTimeout(ctx, view, c.self, high)
}

// onTimeout counts a timeout for view. A weak quorum makes this node join; a
// quorum moves it to the next view, adopting the highest certificate reported.
func (c *Consensus) onTimeout(ctx context.Context, view bft.ViewNumber, from bft.NodeID, high *QuorumCertificate) {
	if view < c.node.View() {
		return
	}
	c.mu.Lock()
	senders, ok := c.timeouts[view]
	if !ok {
		senders = make(map[bft.NodeID]*QuorumCertificate)
		c.timeouts[view] = senders
	}
	senders[from] = high
	count := len(senders)
	var highest *QuorumCertificate
	if count >= c.node.cfg.QuorumSize() {
		for _, qc := range senders {
			if highest == nil || higherQC(qc, highest) {
				highest = qc
			}
		}
		delete(c.timeouts, view)
	}
	join := highest == nil && count >= bft.WeakQuorumSize(c.node.cfg.TotalNodes) && !c.timedOut[view]
	c.mu.Unlock()

	if join {
		c.sendTimeout(ctx, view)
		return
	}
	if highest == nil {
		return
	}
	c.deliver(ctx, c.node.applyQC(highest))
	next := view + 1
	if next <= c.node.View() {
		return
	}
	leader := bft.Leader(view, c.nodes)
	if leader != c.self {
		c.detector.DetectSilentFault(leader, c.timeout)
	}
	c.advance(next)
	metrics.viewChanges.Add(ctx, 1)
	log.Infow("view change", "node", c.self, "from", view, "to", next, "leader", bft.Leader(next, c.nodes))
}

// advance moves to view and forgets pacemaker state of earlier views. While
// certified decisions are uncommitted the view is expected to produce a block:
// its leader proposes an empty one and every node arms the pacemaker.
func (c *Consensus) advance(view bft.ViewNumber) {
	if err := c.node.SyncView(view, bft.Leader(view, c.nodes)); err != nil {
		return
	}
	c.forgetBefore(view)
	if !c.node.HasUncommittedDecisions() {
		return
	}
	c.markPending(view)
	if bft.Leader(view, c.nodes) == c.self {
		select {
		case c.fill <- view:
		default:
		}
	}
}

func (c *Consensus) forgetBefore(view bft.ViewNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for v := range c.pending {
		if v < view {
			delete(c.pending, v)
		}
	}
	for v := range c.timeouts {
		if v < view {
			delete(c.timeouts, v)
		}
	}
	for v := range c.timedOut {
		if v < view {
			delete(c.timedOut, v)
		}
	}
	for v := range c.proposed {
		if v < view {
			delete(c.proposed, v)
		}
	}
}

func (c *Consensus) toCommittedBlock(block *BlockHeader, qc *QuorumCertificate) *bft.CommittedBlock {
	var decisions []bft.Decision
	if len(block.Command) > 0 {
		if err := decisionsCodec.Decode(block.Command, &decisions); err != nil {
			log.Warnw("block carries undecodable decisions", "block", block, "err", err)
		}
	}
	result := &bft.CommittedBlock{
		Protocol:   bft.ProtocolHotStuff,
		Height:     block.Height,
		View:       block.View,
		Hash:       block.Hash(),
		ParentHash: block.ParentHash,
		Decisions:  decisions,
	}
	if qc != nil {
		result.Proof = bft.Proof{View: qc.View, VoteCount: qc.VoteCount, Voters: c.voters(qc)}
	}
	return result
}

func (c *Consensus) voters(qc *QuorumCertificate) []bft.NodeID {
	indexes, err := qc.Signers.Indexes()
	if err != nil {
		return nil
	}
	voters := make([]bft.NodeID, 0, len(indexes))
	for _, i := range indexes {
		if i < uint64(len(c.nodes)) {
			voters = append(voters, c.nodes[i])
		}
	}
	return voters
}

// deliver records blocks committed by the node, hands them to the sink and
// wakes the proposals waiting at their heights.
func (c *Consensus) deliver(ctx context.Context, blocks []*BlockHeader) {
	if len(blocks) == 0 {
		return
	}
	c.commitLk.Lock()
	defer c.commitLk.Unlock()
	for _, block := range blocks {
		qc, _ := c.node.Certificate(block.Hash())
		committed := c.toCommittedBlock(block, qc)
		c.committed = append(c.committed, committed)
		c.notifyFinal(committed)
		metrics.commits.Add(ctx, 1)
		metrics.committedHeight.Record(ctx, int64(committed.Height))
		log.Infow("committed block", "node", c.self, "block", committed)
		if c.commitSink != nil {
			if err := c.commitSink.Commit(ctx, committed); err != nil {
				log.Errorw("commit sink rejected block", "height", committed.Height, "err", err)
			}
		}
	}
}

func (c *Consensus) notifyFinal(committed *bft.CommittedBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		if w.final == nil || w.height != committed.Height {
			continue
		}
		select {
		case w.final <- committed:
		default:
		}
	}
}
