package pbft_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/fault"
	"github.com/knhk/go-bft/pbft"
	"github.com/knhk/go-bft/sim"
	"github.com/knhk/go-bft/sim/adversary"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 300 * time.Millisecond

var members = []bft.NodeID{1, 2, 3, 4}

func decisions(i int) []bft.Decision {
	return []bft.Decision{{WorkflowID: fmt.Sprintf("wf-%d", i), Action: bft.ActionExecute, Timestamp: int64(i)}}
}

type recordingSink struct {
	mu     sync.Mutex
	blocks []*bft.CommittedBlock
}

func (s *recordingSink) Commit(_ context.Context, b *bft.CommittedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *recordingSink) heights() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	heights := make([]uint64, len(s.blocks))
	for i, b := range s.blocks {
		heights[i] = b.Height
	}
	return heights
}

type cluster struct {
	network   *sim.Network
	endpoints map[bft.NodeID]*sim.Endpoint
	nodes     map[bft.NodeID]*pbft.Consensus
	detectors map[bft.NodeID]*fault.Detector
	sinks     map[bft.NodeID]*recordingSink
}

func newCluster(t *testing.T, ids []bft.NodeID, netOpts ...sim.Option) *cluster {
	t.Helper()
	network, err := sim.NewNetwork(ids, netOpts...)
	require.NoError(t, err)
	c := &cluster{
		network:   network,
		endpoints: make(map[bft.NodeID]*sim.Endpoint),
		nodes:     make(map[bft.NodeID]*pbft.Consensus),
		detectors: make(map[bft.NodeID]*fault.Detector),
		sinks:     make(map[bft.NodeID]*recordingSink),
	}
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	for _, id := range ids {
		endpoint, err := network.Endpoint(id)
		require.NoError(t, err)
		detector, err := fault.NewDetector(len(ids))
		require.NoError(t, err)
		sink := &recordingSink{}
		node, err := pbft.New(id, ids, testTimeout, endpoint,
			pbft.WithFaultDetector(detector),
			pbft.WithCommitSink(sink),
			pbft.WithPacemakerInterval(20*time.Millisecond))
		require.NoError(t, err)
		c.endpoints[id], c.nodes[id], c.detectors[id], c.sinks[id] = endpoint, node, detector, sink
		eg.Go(func() error { return node.Run(ctx) })
	}
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
		require.NoError(t, network.Close())
	})
	return c
}

func (c *cluster) requireExecuted(t *testing.T, ids []bft.NodeID, count int) {
	t.Helper()
	for _, id := range ids {
		node := c.nodes[id]
		require.Eventually(t, func() bool { return len(node.Committed()) == count },
			5*time.Second, 5*time.Millisecond, "node %s executed %d blocks", id, len(node.Committed()))
	}
}

func TestNew(t *testing.T) {
	network, err := sim.NewNetwork(members)
	require.NoError(t, err)
	endpoint, err := network.Endpoint(1)
	require.NoError(t, err)

	_, err = pbft.New(1, members, 0, endpoint)
	require.ErrorIs(t, err, bft.ErrConfiguration)
	_, err = pbft.New(1, members, time.Second, nil)
	require.ErrorIs(t, err, bft.ErrConfiguration)
	_, err = pbft.New(1, nil, time.Second, endpoint)
	require.ErrorIs(t, err, bft.ErrInvalidValidatorSet)
	_, err = pbft.New(9, members, time.Second, endpoint)
	require.ErrorIs(t, err, bft.ErrConfiguration)
	_, err = pbft.New(1, members, time.Second, endpoint, pbft.WithWindowSize(0))
	require.Error(t, err)

	var zero pbft.Consensus
	_, err = zero.Propose(context.Background(), decisions(0))
	require.ErrorIs(t, err, bft.ErrConfiguration)
	require.ErrorIs(t, zero.Run(context.Background()), bft.ErrConfiguration)
}

func TestConsensus_SingleNode(t *testing.T) {
	network, err := sim.NewNetwork([]bft.NodeID{1})
	require.NoError(t, err)
	endpoint, err := network.Endpoint(1)
	require.NoError(t, err)
	sink := &recordingSink{}
	node, err := pbft.New(1, []bft.NodeID{1}, testTimeout, endpoint, pbft.WithCommitSink(sink))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		block, err := node.Propose(context.Background(), decisions(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), block.Height)
		require.Equal(t, []bft.NodeID{1}, block.Proof.Voters)
	}
	require.Equal(t, []uint64{1, 2, 3}, sink.heights())
	require.Equal(t, uint64(3), node.LastExecuted())
}

func TestConsensus_ThreePhaseCommit(t *testing.T) {
	c := newCluster(t, members)
	ctx := context.Background()
	primary := c.nodes[1]

	var executed []*bft.CommittedBlock
	for i := 1; i <= 3; i++ {
		block, err := primary.Propose(ctx, decisions(i))
		require.NoError(t, err)
		require.Equal(t, bft.ProtocolPBFT, block.Protocol)
		require.Equal(t, uint64(i), block.Height)
		require.Zero(t, block.View)
		require.Equal(t, decisions(i), block.Decisions)
		require.GreaterOrEqual(t, block.Proof.VoteCount, 3)
		require.Len(t, block.Proof.Voters, block.Proof.VoteCount)
		if i > 1 {
			require.Equal(t, executed[i-2].Hash, block.ParentHash)
		} else {
			require.True(t, block.ParentHash.IsZero())
		}
		executed = append(executed, block)
	}

	c.requireExecuted(t, members, 3)
	for _, id := range members {
		for i, block := range c.nodes[id].Committed() {
			require.Equal(t, executed[i].Hash, block.Hash)
		}
		require.Equal(t, []uint64{1, 2, 3}, c.sinks[id].heights())
		require.Empty(t, c.detectors[id].Suspected())
	}
}

func TestConsensus_PipelinedProposals(t *testing.T) {
	c := newCluster(t, members)
	ctx := context.Background()

	const count = 10
	var eg errgroup.Group
	for i := range count {
		eg.Go(func() error {
			_, err := c.nodes[1].Propose(ctx, decisions(i))
			return err
		})
	}
	require.NoError(t, eg.Wait())

	c.requireExecuted(t, members, count)
	want := make([]uint64, count)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	for _, id := range members {
		require.Equal(t, want, c.sinks[id].heights())
	}
}

func TestConsensus_OnlyPrimaryProposes(t *testing.T) {
	c := newCluster(t, members)
	_, err := c.nodes[3].Propose(context.Background(), decisions(0))
	require.ErrorIs(t, err, bft.ErrConfiguration)
	require.ErrorContains(t, err, "only primary can propose")
}

func TestConsensus_ToleratesOneSilentBackup(t *testing.T) {
	c := newCluster(t, members)
	require.NoError(t, c.network.MarkOffline(4))

	block, err := c.nodes[1].Propose(context.Background(), decisions(1))
	require.NoError(t, err)
	require.Equal(t, []bft.NodeID{1, 2, 3}, block.Proof.Voters)
	c.requireExecuted(t, []bft.NodeID{1, 2, 3}, 1)
	require.Empty(t, c.nodes[4].Committed())
}

func TestConsensus_ViewChangeReplacesSilentPrimary(t *testing.T) {
	c := newCluster(t, members)
	require.NoError(t, c.network.MarkOffline(1))
	ctx := context.Background()

	_, err := c.nodes[1].Propose(ctx, decisions(0))
	var target *bft.Error
	require.ErrorAs(t, err, &target)
	require.Equal(t, bft.KindQuorumNotReached, target.Kind)
	require.Equal(t, 1, target.Have)
	require.Equal(t, 3, target.Need)

	for _, id := range []bft.NodeID{2, 3, 4} {
		c.nodes[id].AwaitProposal()
	}
	for _, id := range []bft.NodeID{2, 3, 4} {
		node := c.nodes[id]
		require.Eventually(t, func() bool { return node.CurrentView() == 1 },
			5*time.Second, 5*time.Millisecond, "node %s did not change view", id)
	}
	require.Equal(t, bft.NodeID(2), c.nodes[3].Primary())

	block, err := c.nodes[2].Propose(ctx, decisions(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Height)
	require.Equal(t, bft.ViewNumber(1), block.View)
	c.requireExecuted(t, []bft.NodeID{2, 3, 4}, 1)

	for _, id := range []bft.NodeID{2, 3, 4} {
		var silent bool
		for _, report := range c.detectors[id].Reports() {
			if report.Replica == 1 && report.Type == fault.Silent {
				silent = true
			}
		}
		require.True(t, silent, "node %s did not report the silent primary", id)
		require.False(t, c.detectors[id].IsSuspected(1))
	}
}

func TestConsensus_ViewChangeKeepsPreparedBlocks(t *testing.T) {
	// Commits of view 0 never arrive, so the slot prepares everywhere but
	// cannot execute until a new primary re-proposes it.
	var censorCommits atomic.Bool
	c := newCluster(t, members, sim.WithCensor(adversary.CensorFunc(func(_, _ bft.NodeID, payload []byte) bool {
		msg, err := pbft.UnmarshalMessage(payload)
		if err != nil || !censorCommits.Load() {
			return true
		}
		return msg.Type != pbft.CommitMessage || msg.Commit.View != 0
	})))
	ctx := context.Background()

	first, err := c.nodes[1].Propose(ctx, decisions(1))
	require.NoError(t, err)
	c.requireExecuted(t, members, 1)

	censorCommits.Store(true)
	_, err = c.nodes[1].Propose(ctx, decisions(2))
	require.ErrorIs(t, err, bft.ErrQuorumNotReached)

	c.requireExecuted(t, members, 2)
	for _, id := range members {
		committed := c.nodes[id].Committed()
		require.Equal(t, first.Hash, committed[0].Hash)
		require.Equal(t, decisions(2), committed[1].Decisions)
		require.Equal(t, first.Hash, committed[1].ParentHash)
		require.Equal(t, bft.ViewNumber(1), committed[1].View)
		require.Equal(t, bft.ViewNumber(1), c.nodes[id].CurrentView())
	}
}

func TestConsensus_ViewChangeCatchesUpLaggingReplicas(t *testing.T) {
	// Nodes 3 and 4 never see a commit of view 0: the blocks execute on 1
	// and 2 only, until a view change re-proposes them.
	lagging := map[bft.NodeID]bool{3: true, 4: true}
	c := newCluster(t, members, sim.WithCensor(adversary.CensorFunc(func(_, to bft.NodeID, payload []byte) bool {
		msg, err := pbft.UnmarshalMessage(payload)
		if err != nil || !lagging[to] {
			return true
		}
		return msg.Type != pbft.CommitMessage || msg.Commit.View != 0
	})))
	ctx := context.Background()

	var executed []*bft.CommittedBlock
	for i := 1; i <= 2; i++ {
		block, err := c.nodes[1].Propose(ctx, decisions(i))
		require.NoError(t, err)
		executed = append(executed, block)
	}
	c.requireExecuted(t, []bft.NodeID{1, 2}, 2)
	require.Empty(t, c.nodes[3].Committed())

	c.requireExecuted(t, members, 2)
	for _, id := range members {
		for i, block := range c.nodes[id].Committed() {
			require.Equal(t, executed[i].Hash, block.Hash)
			require.Equal(t, executed[i].ParentHash, block.ParentHash)
			require.Equal(t, decisions(i+1), block.Decisions)
		}
		require.Equal(t, []uint64{1, 2}, c.sinks[id].heights())
		require.Empty(t, c.detectors[id].Suspected())
	}
	for id := range lagging {
		require.GreaterOrEqual(t, c.nodes[id].CurrentView(), bft.ViewNumber(1))
	}

	// The cluster keeps going in the new view.
	require.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if node.CurrentView() != c.nodes[1].CurrentView() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	primary := c.nodes[c.nodes[1].Primary()]
	block, err := primary.Propose(ctx, decisions(3))
	require.NoError(t, err)
	require.Equal(t, uint64(3), block.Height)
	require.Equal(t, executed[1].Hash, block.ParentHash)
	c.requireExecuted(t, members, 3)
}

func TestConsensus_FullWindow(t *testing.T) {
	network, err := sim.NewNetwork(members)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, network.Close()) })
	endpoint, err := network.Endpoint(1)
	require.NoError(t, err)
	node, err := pbft.New(1, members, testTimeout, endpoint, pbft.WithWindowSize(1))
	require.NoError(t, err)

	// The abandoned proposal keeps its sequence number in flight.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = node.Propose(cancelled, decisions(1))
	require.ErrorIs(t, err, context.Canceled)

	_, err = node.Propose(context.Background(), decisions(2))
	require.ErrorIs(t, err, bft.ErrQuorumNotReached)
	require.Equal(t, bft.KindQuorumNotReached, bft.KindOf(err))
	var target *bft.Error
	require.ErrorAs(t, err, &target)
	require.Zero(t, target.Have)
	require.Equal(t, 3, target.Need)
	require.Equal(t, "sequence window full", target.Reason)
}

func TestConsensus_DetectsEquivocatingPrimary(t *testing.T) {
	c := newCluster(t, members)
	for _, command := range []string{"left", "right"} {
		block := pbft.Block{Seq: 1, Primary: 1, Decisions: []bft.Decision{{WorkflowID: command}}}
		msg := &pbft.Message{Type: pbft.PrePrepareMessage, PrePrepare: &pbft.PrePrepare{View: 0, Seq: 1, Block: block}}
		payload, err := msg.Marshal()
		require.NoError(t, err)
		c.endpoints[3].Inject(1, payload)
	}

	require.Eventually(t, func() bool { return c.detectors[3].IsSuspected(1) },
		5*time.Second, 5*time.Millisecond)
	reports := c.detectors[3].Reports()
	require.Equal(t, fault.Equivocation, reports[0].Type)
	require.Equal(t, 9, reports[0].Severity)
}

func TestConsensus_OrderingFault(t *testing.T) {
	c := newCluster(t, members)
	block := pbft.Block{Seq: 500, Primary: 1}
	msg := &pbft.Message{Type: pbft.PrePrepareMessage, PrePrepare: &pbft.PrePrepare{View: 0, Seq: 500, Block: block}}
	payload, err := msg.Marshal()
	require.NoError(t, err)
	c.endpoints[2].Inject(1, payload)

	require.Eventually(t, func() bool { return len(c.detectors[2].Reports()) == 1 },
		5*time.Second, 5*time.Millisecond)
	report := c.detectors[2].Reports()[0]
	require.Equal(t, fault.Ordering, report.Type)
	require.Equal(t, 8, report.Severity)
	require.Equal(t, "expected 1 got 500 gap 499", string(report.Evidence))
	require.False(t, c.detectors[2].IsSuspected(1), "ordering faults are not conclusive")
}

func TestConsensus_RejectsForgedMessages(t *testing.T) {
	c := newCluster(t, members)

	t.Run("non-member", func(t *testing.T) {
		msg := &pbft.Message{Type: pbft.PrepareMessage, Prepare: &pbft.Prepare{Seq: 1, Node: 77}}
		payload, err := msg.Marshal()
		require.NoError(t, err)
		c.endpoints[2].Inject(77, payload)
		require.Eventually(t, func() bool { return c.detectors[2].IsSuspected(77) },
			5*time.Second, 5*time.Millisecond)
		require.Equal(t, fault.Authentication, c.detectors[2].Reports()[0].Type)
	})
	t.Run("pre-prepare from a backup", func(t *testing.T) {
		block := pbft.Block{Seq: 1, Primary: 3}
		msg := &pbft.Message{Type: pbft.PrePrepareMessage, PrePrepare: &pbft.PrePrepare{View: 0, Seq: 1, Block: block}}
		payload, err := msg.Marshal()
		require.NoError(t, err)
		c.endpoints[4].Inject(3, payload)
		require.Eventually(t, func() bool { return c.detectors[4].IsSuspected(3) },
			5*time.Second, 5*time.Millisecond)
		require.Equal(t, fault.Logical, c.detectors[4].Reports()[0].Type)
	})
	t.Run("relayed commit", func(t *testing.T) {
		msg := &pbft.Message{Type: pbft.CommitMessage, Commit: &pbft.Commit{Seq: 1, Node: 4}}
		payload, err := msg.Marshal()
		require.NoError(t, err)
		c.endpoints[1].Inject(2, payload)
		require.Eventually(t, func() bool { return c.detectors[1].IsSuspected(2) },
			5*time.Second, 5*time.Millisecond)
		require.False(t, c.detectors[1].IsSuspected(4))
	})
}
