package pbft

import (
	"context"
	"slices"
	"time"

	"github.com/knhk/go-bft"
)

// RequestViewChange asks the cluster to move past the current view, or past
// the view already requested if a view change is in progress.
func (c *Consensus) RequestViewChange(ctx context.Context) {
	var out outbox
	c.mu.Lock()
	c.requestViewChange(ctx, max(c.view, c.requested)+1, &out)
	c.mu.Unlock()
	c.send(ctx, out)
	c.flush(ctx)
}

func (c *Consensus) checkProgress(ctx context.Context) {
	var out outbox
	c.mu.Lock()
	now := c.clock.Now()
	stalled := !c.awaiting.IsZero() && now.Sub(c.awaiting) >= c.timeout
	for _, s := range c.slots {
		if s.block != nil && !s.executed && s.view == c.view && now.Sub(s.since) >= c.timeout {
			stalled = true
			break
		}
	}
	if c.viewChanging {
		// The view change itself stalled: the next primary is silent too.
		stalled = now.Sub(c.changingSince) >= c.timeout
	}
	if stalled {
		c.requestViewChange(ctx, max(c.view, c.requested)+1, &out)
	}
	c.mu.Unlock()
	c.send(ctx, out)
	c.flush(ctx)
}

func (c *Consensus) requestViewChange(ctx context.Context, newView bft.ViewNumber, out *outbox) {
	if newView <= c.view || newView <= c.requested {
		return
	}
	c.requested = newView
	c.viewChanging = true
	c.changingSince = c.clock.Now()
	c.awaiting = time.Time{}
	vc := &ViewChange{
		NewView:      newView,
		Node:         c.self,
		LastExecuted: c.lastExecuted,
		Prepared:     c.preparedEntries(),
	}
	out.add(&Message{Type: ViewChangeMessage, ViewChange: vc})
	log.Infow("requesting view change", "node", c.self, "view", c.view, "to", newView, "prepared", len(vc.Prepared))
	_ = c.onViewChange(ctx, c.self, vc, out)
}

// preparedEntries lists the prepared slots, including the executed ones still
// retained.
func (c *Consensus) preparedEntries() []PreparedEntry {
	var entries []PreparedEntry
	for seq, s := range c.slots {
		if s.prepared && s.block != nil {
			entries = append(entries, PreparedEntry{View: s.view, Seq: seq, Block: *s.block})
		}
	}
	slices.SortFunc(entries, func(a, b PreparedEntry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return entries
}

func (c *Consensus) onViewChange(ctx context.Context, from bft.NodeID, vc *ViewChange, out *outbox) error {
	if vc.Node != from {
		return c.impersonation(from, vc.Node, "view change")
	}
	if vc.NewView <= c.view {
		return bft.ViewSyncTimeout(vc.NewView, c.view)
	}
	for _, entry := range vc.Prepared {
		if entry.Block.Seq != entry.Seq || entry.View >= vc.NewView {
			return c.logical(from, "view change to %d carries an invalid prepared entry for seq %d", vc.NewView, entry.Seq)
		}
	}
	senders, ok := c.viewChanges[vc.NewView]
	if !ok {
		senders = make(map[bft.NodeID]*ViewChange)
		c.viewChanges[vc.NewView] = senders
	}
	senders[from] = vc

	if len(senders) >= c.weak && c.requested < vc.NewView {
		// Joining records this node's own view change, which re-enters here.
		c.requestViewChange(ctx, vc.NewView, out)
		return nil
	}
	if len(senders) >= c.quorum && c.primary(vc.NewView) == c.self && !c.announced[vc.NewView] {
		c.announced[vc.NewView] = true
		nv := c.buildNewView(vc.NewView, senders)
		out.add(&Message{Type: NewViewMessage, NewView: nv})
		c.enterView(ctx, nv, out)
	}
	return nil
}

// buildNewView re-proposes, in the new view, every slot above the lowest last
// executed block reported by the view changes. Slots this node executed are
// re-proposed with the executed block, later ones with the block prepared in
// the highest view. Gaps are filled with null blocks.
func (c *Consensus) buildNewView(view bft.ViewNumber, senders map[bft.NodeID]*ViewChange) *NewView {
	low := c.lastExecuted
	for _, vc := range senders {
		low = min(low, vc.LastExecuted)
	}
	// Executed blocks can only be re-proposed while they are retained.
	for low < c.lastExecuted && !c.retained(low+1) {
		low++
	}

	best := make(map[uint64]PreparedEntry)
	top := c.lastExecuted
	changers := make([]bft.NodeID, 0, len(senders))
	for id, vc := range senders {
		changers = append(changers, id)
		for _, entry := range vc.Prepared {
			if entry.Seq <= c.lastExecuted || entry.Seq > c.lastExecuted+c.windowSize {
				continue
			}
			if current, ok := best[entry.Seq]; !ok || entry.View > current.View {
				best[entry.Seq] = entry
			}
			top = max(top, entry.Seq)
		}
	}
	slices.Sort(changers)
	nv := &NewView{NewView: view, ViewChangers: changers}
	for seq := low + 1; seq <= top; seq++ {
		block := Block{Seq: seq, Primary: c.self}
		if seq <= c.lastExecuted {
			block = *c.slots[seq].block
		} else if entry, ok := best[seq]; ok {
			block = entry.Block
		}
		nv.PrePrepares = append(nv.PrePrepares, PrePrepare{View: view, Seq: seq, Block: block})
	}
	return nv
}

func (c *Consensus) retained(seq uint64) bool {
	s, ok := c.slots[seq]
	return ok && s.executed && s.block != nil
}

func (c *Consensus) onNewView(ctx context.Context, from bft.NodeID, nv *NewView, out *outbox) error {
	if primary := c.primary(nv.NewView); from != primary {
		return c.logical(from, "new view %d not from its primary %s", nv.NewView, primary)
	}
	if nv.NewView <= c.view {
		return bft.ViewSyncTimeout(nv.NewView, c.view)
	}
	changers := bft.SortedNodeIDs(nv.ViewChangers)
	var members int
	for _, id := range changers {
		if _, ok := c.index[id]; ok {
			members++
		}
	}
	if members < c.quorum {
		return c.logical(from, "new view %d backed by %d view changes, need %d", nv.NewView, members, c.quorum)
	}
	for _, pp := range nv.PrePrepares {
		if pp.View != nv.NewView || pp.Block.Seq != pp.Seq {
			return c.logical(from, "new view %d carries an invalid pre-prepare for seq %d", nv.NewView, pp.Seq)
		}
	}
	c.enterView(ctx, nv, out)
	return nil
}

// enterView installs the new view and processes its re-proposals.
func (c *Consensus) enterView(ctx context.Context, nv *NewView, out *outbox) {
	old := c.view
	c.view = nv.NewView
	c.requested = max(c.requested, nv.NewView)
	c.viewChanging = false
	c.awaiting = time.Time{}
	for v := range c.viewChanges {
		if v <= nv.NewView {
			delete(c.viewChanges, v)
		}
	}
	for v := range c.announced {
		if v < nv.NewView {
			delete(c.announced, v)
		}
	}
	for seq, s := range c.slots {
		if !s.executed {
			delete(c.slots, seq)
		}
	}
	c.nextSeq = c.lastExecuted
	for i := range nv.PrePrepares {
		pp := &nv.PrePrepares[i]
		if pp.Seq <= c.lastExecuted {
			c.confirmExecuted(pp, out)
			continue
		}
		if !c.inWindow(pp.Seq) {
			continue
		}
		c.nextSeq = max(c.nextSeq, pp.Seq)
		c.acceptPrePrepare(ctx, pp, pp.Block.Digest(), out)
	}
	if primary := c.primary(old); primary != c.self {
		c.detector.DetectSilentFault(primary, c.timeout)
	}
	metrics.viewChanges.Add(ctx, 1)
	log.Infow("view change", "node", c.self, "from", old, "to", nv.NewView,
		"primary", c.primary(nv.NewView), "reproposed", len(nv.PrePrepares))
}

// confirmExecuted votes in the current view for a re-proposed block this node
// already executed, so that the replicas that missed its commit can execute
// it too.
func (c *Consensus) confirmExecuted(pp *PrePrepare, out *outbox) {
	s, ok := c.slots[pp.Seq]
	if !ok || !s.executed {
		return
	}
	digest := pp.Block.Digest()
	if digest != s.digest {
		log.Warnw("re-proposed block differs from the executed one", "node", c.self,
			"view", pp.View, "seq", pp.Seq, "executed", s.digest.Short(), "proposed", digest.Short())
		return
	}
	if c.primary(pp.View) != c.self {
		out.add(&Message{Type: PrepareMessage, Prepare: &Prepare{View: pp.View, Seq: pp.Seq, Digest: digest, Node: c.self}})
	}
	out.add(&Message{Type: CommitMessage, Commit: &Commit{View: pp.View, Seq: pp.Seq, Digest: digest, Node: c.self}})
}
