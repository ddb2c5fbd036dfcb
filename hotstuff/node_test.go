package hotstuff_test

import (
	"sync"
	"testing"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/hotstuff"
	"github.com/stretchr/testify/require"
)

var members = []bft.NodeID{1, 2, 3, 4}

func newNodes(t *testing.T) map[bft.NodeID]*hotstuff.Node {
	t.Helper()
	nodes := make(map[bft.NodeID]*hotstuff.Node)
	for _, id := range members {
		node, err := hotstuff.NewNode(id, members)
		require.NoError(t, err)
		nodes[id] = node
	}
	return nodes
}

func TestNewNode(t *testing.T) {
	_, err := hotstuff.NewNode(1, []bft.NodeID{1, 2, 3})
	require.ErrorIs(t, err, bft.ErrInvalidValidatorSet)
	_, err = hotstuff.NewNode(9, members)
	require.ErrorIs(t, err, bft.ErrConfiguration)
	_, err = hotstuff.NewNode(1, []bft.NodeID{0, 1, 2, 3})
	require.ErrorIs(t, err, bft.ErrConfiguration)

	node, err := hotstuff.NewNode(2, []bft.NodeID{4, 3, 2, 1, 1})
	require.NoError(t, err)
	require.Equal(t, members, node.Nodes())
	require.Equal(t, bft.NodeID(1), node.Leader())
	require.Zero(t, node.View())
	require.Nil(t, node.LockedQC())
	require.True(t, node.HighQC().IsGenesis())
}

func TestNode_ThreeChainCommit(t *testing.T) {
	nodes := newNodes(t)
	leader := nodes[1]
	parent := hotstuff.GenesisQC(leader.Config())

	var proposed []bft.Hash
	for cycle := uint64(1); cycle <= 4; cycle++ {
		view := leader.View()
		msg, err := leader.Propose([]byte{byte(cycle)}, parent)
		require.NoError(t, err)
		require.Equal(t, hotstuff.ProposeMessage, msg.Type)
		block := msg.Propose.Block
		require.Equal(t, cycle, block.Height)
		require.Equal(t, view, block.View)
		require.Equal(t, parent.BlockHash, block.ParentHash)
		hash := block.Hash()
		proposed = append(proposed, hash)

		var qc *hotstuff.QuorumCertificate
		for i, id := range []bft.NodeID{2, 3, 4} {
			nodes[id].AddBlock(block)
			vote, err := nodes[id].Vote(hash, view)
			require.NoError(t, err)
			require.Equal(t, id, vote.Vote.Voter)
			formed := leader.CollectVote(hash, view, vote.Vote.Voter)
			if i < 2 {
				require.Nil(t, formed, "quorum of 4 is 3")
				continue
			}
			require.NotNil(t, formed)
			qc = formed
		}
		require.Equal(t, 3, qc.VoteCount)
		require.Equal(t, cycle, qc.BlockHeight)
		require.Nil(t, leader.CollectVote(hash, view, 1), "certificate forms once")

		committed, ok := leader.GenericCommit(qc)
		require.Equal(t, cycle, leader.CommitHeight())
		if cycle < 3 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.Equal(t, proposed[cycle-3], committed)
			require.Equal(t, cycle-2, leader.CommittedHeight())
		}
		require.NoError(t, leader.SyncView(view+1, bft.Leader(view+1, members)))
		for _, id := range []bft.NodeID{2, 3, 4} {
			require.NoError(t, nodes[id].SyncView(view+1, bft.Leader(view+1, members)))
		}
		parent = qc
	}
	require.Equal(t, bft.ViewNumber(3), leader.LockedQC().View)
	require.Equal(t, proposed[1], leader.CommitQC().BlockHash)
}

func TestNode_CommitsSkippedAncestors(t *testing.T) {
	leader, err := hotstuff.NewNode(1, members)
	require.NoError(t, err)
	parent := hotstuff.GenesisQC(leader.Config())
	var proposed []bft.Hash
	var last *hotstuff.QuorumCertificate
	for range 4 {
		msg, err := leader.Propose(nil, parent)
		require.NoError(t, err)
		hash := msg.Propose.Block.Hash()
		proposed = append(proposed, hash)
		for _, voter := range members[:3] {
			if qc := leader.CollectVote(hash, leader.View(), voter); qc != nil {
				last = qc
			}
		}
		require.NotNil(t, last)
		parent = last
		require.NoError(t, leader.SyncView(leader.View()+1, 1))
	}
	// Only the newest certificate is applied: heights 1 and 2 commit together.
	committed, ok := leader.GenericCommit(last)
	require.True(t, ok)
	require.Equal(t, proposed[1], committed)
	require.Equal(t, uint64(2), leader.CommittedHeight())
}

// certify has the voters accept the proposal the way replicas do and returns
// the certificate formed on the proposer.
func certify(t *testing.T, proposer *hotstuff.Node, msg *hotstuff.Message, voters ...*hotstuff.Node) *hotstuff.QuorumCertificate {
	t.Helper()
	block := msg.Propose.Block
	hash := block.Hash()
	var qc *hotstuff.QuorumCertificate
	for _, voter := range voters {
		voter.GenericCommit(&msg.Propose.QC)
		voter.AddBlock(block)
		vote, err := voter.Vote(hash, block.View)
		require.NoError(t, err)
		if formed := proposer.CollectVote(hash, block.View, vote.Vote.Voter); formed != nil {
			qc = formed
		}
	}
	require.NotNil(t, qc)
	return qc
}

func TestNode_CommitNeedsConsecutiveViews(t *testing.T) {
	nodes := newNodes(t)
	leader := nodes[1]
	parent := hotstuff.GenesisQC(leader.Config())
	var proposed []bft.Hash
	for _, view := range []bft.ViewNumber{0, 1, 5, 6} {
		require.NoError(t, leader.SyncView(view, bft.Leader(view, members)))
		msg, err := leader.Propose(nil, parent)
		require.NoError(t, err)
		proposed = append(proposed, msg.Propose.Block.Hash())
		parent = certify(t, leader, msg, nodes[2], nodes[3], nodes[4])

		committed, ok := leader.GenericCommit(parent)
		switch view {
		case 5:
			require.False(t, ok, "a gap between the views of a chain defers the commit")
			require.Zero(t, leader.CommittedHeight())
		case 6:
			require.True(t, ok)
			require.Equal(t, proposed[1], committed)
			require.Equal(t, uint64(2), leader.CommittedHeight())
		}
	}
}

func TestNode_LockedNodesRefuseFork(t *testing.T) {
	nodes := newNodes(t)
	proposer := nodes[1]
	honest := []*hotstuff.Node{nodes[2], nodes[3]}

	parent := hotstuff.GenesisQC(proposer.Config())
	var chain []bft.Hash
	for view := range bft.ViewNumber(3) {
		require.NoError(t, proposer.SyncView(view, bft.Leader(view, members)))
		msg, err := proposer.Propose([]byte("x"), parent)
		require.NoError(t, err)
		chain = append(chain, msg.Propose.Block.Hash())
		parent = certify(t, proposer, msg, nodes[2], nodes[3], nodes[4])
	}
	for _, node := range honest {
		committed, ok := node.GenericCommit(parent)
		require.True(t, ok)
		require.Equal(t, chain[0], committed)
		require.Equal(t, chain[2], node.LockedQC().BlockHash)
	}

	// A later leader forks off genesis, proposing a competing block at
	// the committed height.
	forker, err := hotstuff.NewNode(4, members)
	require.NoError(t, err)
	require.NoError(t, forker.SyncView(7, 4))
	fork, err := forker.Propose([]byte("y"), hotstuff.GenesisQC(forker.Config()))
	require.NoError(t, err)
	require.Equal(t, uint64(1), fork.Propose.Block.Height)
	for _, node := range honest {
		node.AddBlock(fork.Propose.Block)
		_, err := node.Vote(fork.Propose.Block.Hash(), 7)
		require.ErrorIs(t, err, bft.ErrByzantineNodeDetected)
		require.ErrorContains(t, err, "does not extend locked block")
		require.Equal(t, uint64(1), node.CommittedHeight())
	}

	// Extending the locked block is still accepted in a later view.
	require.NoError(t, proposer.SyncView(8, bft.Leader(8, members)))
	msg, err := proposer.Propose([]byte("x"), parent)
	require.NoError(t, err)
	qc := certify(t, proposer, msg, nodes[2], nodes[3], nodes[4])
	require.Equal(t, uint64(4), qc.BlockHeight)
}

func TestNode_Propose(t *testing.T) {
	node, err := hotstuff.NewNode(1, members)
	require.NoError(t, err)

	_, err = node.Propose(nil, &hotstuff.QuorumCertificate{VoteCount: 2})
	var target *bft.Error
	require.ErrorAs(t, err, &target)
	require.Equal(t, bft.KindQuorumNotReached, target.Kind)
	require.Equal(t, 2, target.Have)
	require.Equal(t, 3, target.Need)

	_, err = node.Propose(nil, nil)
	require.ErrorIs(t, err, bft.ErrConfiguration)
}

func TestNode_Vote(t *testing.T) {
	a, b := bft.MakeHash([]byte("a")), bft.MakeHash([]byte("b"))
	t.Run("stale view", func(t *testing.T) {
		node, err := hotstuff.NewNode(2, members)
		require.NoError(t, err)
		require.NoError(t, node.SyncView(5, 2))
		_, err = node.Vote(a, 4)
		require.ErrorIs(t, err, bft.ErrViewSyncTimeout)
	})
	t.Run("advances view", func(t *testing.T) {
		node, err := hotstuff.NewNode(2, members)
		require.NoError(t, err)
		_, err = node.Vote(a, 7)
		require.NoError(t, err)
		require.Equal(t, bft.ViewNumber(7), node.View())
	})
	t.Run("no conflicting votes", func(t *testing.T) {
		node, err := hotstuff.NewNode(2, members)
		require.NoError(t, err)
		_, err = node.Vote(a, 1)
		require.NoError(t, err)
		_, err = node.Vote(a, 1)
		require.NoError(t, err, "repeating a vote is harmless")
		_, err = node.Vote(b, 1)
		require.ErrorIs(t, err, bft.ErrByzantineNodeDetected)
	})
}

func TestNode_CollectVote(t *testing.T) {
	t.Run("counts each voter once", func(t *testing.T) {
		node, err := hotstuff.NewNode(1, members)
		require.NoError(t, err)
		msg, err := node.Propose(nil, hotstuff.GenesisQC(node.Config()))
		require.NoError(t, err)
		hash := msg.Propose.Block.Hash()
		for range 5 {
			require.Nil(t, node.CollectVote(hash, 0, 2))
		}
		require.Equal(t, 1, node.VoteCount(hash, 0))
		require.Nil(t, node.CollectVote(hash, 0, 99), "non-members are ignored")
		require.Equal(t, 1, node.VoteCount(hash, 0))
		require.Nil(t, node.CollectVote(hash, 0, 3))
		require.NotNil(t, node.CollectVote(hash, 0, 4))
	})
	t.Run("tallies are per view", func(t *testing.T) {
		node, err := hotstuff.NewNode(1, members)
		require.NoError(t, err)
		msg, err := node.Propose(nil, hotstuff.GenesisQC(node.Config()))
		require.NoError(t, err)
		hash := msg.Propose.Block.Hash()
		node.CollectVote(hash, 0, 2)
		node.CollectVote(hash, 1, 3)
		require.Equal(t, 1, node.VoteCount(hash, 0))
		require.Equal(t, 1, node.VoteCount(hash, 1))
	})
	t.Run("unknown block certifies once known", func(t *testing.T) {
		leader, err := hotstuff.NewNode(1, members)
		require.NoError(t, err)
		replica, err := hotstuff.NewNode(2, members)
		require.NoError(t, err)
		msg, err := leader.Propose(nil, hotstuff.GenesisQC(leader.Config()))
		require.NoError(t, err)
		hash := msg.Propose.Block.Hash()
		for _, voter := range []bft.NodeID{1, 2, 3} {
			require.Nil(t, replica.CollectVote(hash, 0, voter))
		}
		replica.AddBlock(msg.Propose.Block)
		qc := replica.CollectVote(hash, 0, 4)
		require.NotNil(t, qc)
		require.Equal(t, 4, qc.VoteCount)
		require.Equal(t, uint64(1), qc.BlockHeight)
	})
	t.Run("concurrent voters", func(t *testing.T) {
		many := make([]bft.NodeID, 31)
		for i := range many {
			many[i] = bft.NodeID(i + 1)
		}
		node, err := hotstuff.NewNode(1, many)
		require.NoError(t, err)
		msg, err := node.Propose(nil, hotstuff.GenesisQC(node.Config()))
		require.NoError(t, err)
		hash := msg.Propose.Block.Hash()

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			formed []*hotstuff.QuorumCertificate
		)
		for _, voter := range many {
			for range 3 {
				wg.Add(1)
				go func(voter bft.NodeID) {
					defer wg.Done()
					if qc := node.CollectVote(hash, 0, voter); qc != nil {
						mu.Lock()
						formed = append(formed, qc)
						mu.Unlock()
					}
				}(voter)
			}
		}
		wg.Wait()
		require.Len(t, formed, 1)
		require.Equal(t, node.Config().QuorumSize(), formed[0].VoteCount)
		require.Equal(t, len(many), node.VoteCount(hash, 0))
		indexes, err := formed[0].Signers.Indexes()
		require.NoError(t, err)
		require.Len(t, indexes, formed[0].VoteCount)
	})
}

func TestNode_GenericCommit(t *testing.T) {
	node, err := hotstuff.NewNode(2, members)
	require.NoError(t, err)

	_, ok := node.GenericCommit(&hotstuff.QuorumCertificate{VoteCount: 1, View: 9})
	require.False(t, ok)
	require.Zero(t, node.View(), "unverifiable certificates are ignored")

	qc := &hotstuff.QuorumCertificate{BlockHash: bft.MakeHash([]byte("x")), View: 4, VoteCount: 3, BlockHeight: 1}
	_, ok = node.GenericCommit(qc)
	require.False(t, ok)
	require.Equal(t, bft.ViewNumber(4), node.View())
	require.Equal(t, qc, node.LockedQC())

	older := &hotstuff.QuorumCertificate{BlockHash: bft.MakeHash([]byte("y")), View: 2, VoteCount: 3, BlockHeight: 5}
	node.GenericCommit(older)
	require.Equal(t, qc, node.LockedQC(), "the lock never moves to a lower view")
	require.Equal(t, uint64(5), node.CommitHeight())

	node.GenericCommit(qc)
	require.Equal(t, uint64(5), node.CommitHeight(), "commit height never decreases")
}

func TestNode_SyncView(t *testing.T) {
	node, err := hotstuff.NewNode(1, members)
	require.NoError(t, err)
	require.NoError(t, node.SyncView(3, 4))
	require.Equal(t, bft.ViewNumber(3), node.View())
	require.Equal(t, bft.NodeID(4), node.Leader())
	require.NoError(t, node.SyncView(3, 4))
	require.ErrorIs(t, node.SyncView(2, 3), bft.ErrViewSyncTimeout)
}
