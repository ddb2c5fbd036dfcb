package hotstuff

import (
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft"
)

// Node is the per replica HotStuff state machine. It holds no network state
// and is safe for concurrent use. Vote tallies are kept per view and each view
// is locked independently of the others and of the chain state.
type Node struct {
	id    bft.NodeID
	cfg   Config
	nodes []bft.NodeID
	index map[bft.NodeID]uint64
	clock clock.Clock

	lk           sync.RWMutex
	view         bft.ViewNumber
	leader       bft.NodeID
	lockedQC     *QuorumCertificate
	commitQC     *QuorumCertificate
	highQC       *QuorumCertificate
	blocks       map[bft.Hash]*BlockHeader
	certified    map[bft.Hash]*QuorumCertificate
	voted        map[bft.ViewNumber]bft.Hash
	commitHeight uint64
	// commitTip is the certified block at commitHeight.
	commitTip       bft.Hash
	committedHeight uint64
	committedHash   bft.Hash

	talliesLk sync.RWMutex
	tallies   map[bft.ViewNumber]*tally
}

type tally struct {
	mu     sync.Mutex
	voters map[bft.Hash]map[bft.NodeID]struct{}
	formed map[bft.Hash]*QuorumCertificate
}

// NewNode creates the state machine of node id in a cluster of the given
// members. The order of nodes is irrelevant.
func NewNode(id bft.NodeID, nodes []bft.NodeID) (*Node, error) {
	return newNode(id, nodes, clock.New())
}

func newNode(id bft.NodeID, nodes []bft.NodeID, clk clock.Clock) (*Node, error) {
	members := bft.SortedNodeIDs(nodes)
	cfg, err := NewConfig(len(members))
	if err != nil {
		return nil, err
	}
	index := make(map[bft.NodeID]uint64, len(members))
	for i, member := range members {
		if member == bft.UndefNodeID {
			return nil, bft.Configuration("membership contains the undefined node id")
		}
		index[member] = uint64(i)
	}
	if _, ok := index[id]; !ok {
		return nil, bft.Configuration("%s is not a member", id)
	}
	return &Node{
		id:        id,
		cfg:       cfg,
		nodes:     members,
		index:     index,
		clock:     clk,
		leader:    bft.Leader(0, members),
		highQC:    GenesisQC(cfg),
		blocks:    make(map[bft.Hash]*BlockHeader),
		certified: make(map[bft.Hash]*QuorumCertificate),
		voted:     make(map[bft.ViewNumber]bft.Hash),
		tallies:   make(map[bft.ViewNumber]*tally),
	}, nil
}

// Propose builds a block extending the block certified by parentQC in the
// current view and returns the proposal message.
func (n *Node) Propose(command []byte, parentQC *QuorumCertificate) (*Message, error) {
	if parentQC == nil {
		return nil, bft.Configuration("missing parent certificate")
	}
	if !parentQC.Verify(n.cfg.TotalNodes) {
		return nil, bft.QuorumNotReached(parentQC.VoteCount, n.cfg.QuorumSize())
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	block := BlockHeader{
		Height:     parentQC.BlockHeight + 1,
		View:       n.view,
		ParentHash: parentQC.BlockHash,
		Leader:     n.id,
		Command:    slices.Clone(command),
		Timestamp:  n.clock.Now().UnixMilli(),
	}
	n.blocks[block.Hash()] = &block
	log.Debugw("proposing block", "node", n.id, "block", &block)
	return &Message{
		Type:    ProposeMessage,
		Propose: &Propose{Block: block, QC: *parentQC},
	}, nil
}

// AddBlock records a block received from a leader and returns its hash.
func (n *Node) AddBlock(block BlockHeader) bft.Hash {
	hash := block.Hash()
	n.lk.Lock()
	defer n.lk.Unlock()
	if _, exists := n.blocks[hash]; !exists {
		block.Command = slices.Clone(block.Command)
		n.blocks[hash] = &block
	}
	return hash
}

// Vote votes for a block in the given view, advancing the current view to it.
//
// Voting for an older view fails with ViewSyncTimeout. Voting for a view below
// the locked certificate, or for a second block in a view already voted in,
// fails with ByzantineNodeDetected. Once locked, the node only votes for a
// block that extends the locked block, or whose parent is certified in a view
// above the lock.
func (n *Node) Vote(blockHash bft.Hash, view bft.ViewNumber) (*Message, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if view < n.view {
		return nil, bft.ViewSyncTimeout(view, n.view)
	}
	if n.lockedQC != nil && n.lockedQC.View > view {
		return nil, bft.ByzantineNodeDetected("vote for view %d below locked view %d", view, n.lockedQC.View)
	}
	if !n.safeToVote(blockHash) {
		return nil, bft.ByzantineNodeDetected("block %s does not extend locked block %s",
			blockHash.Short(), n.lockedQC.BlockHash.Short())
	}
	if previous, voted := n.voted[view]; voted && previous != blockHash {
		return nil, bft.ByzantineNodeDetected("conflicting proposal in view %d: voted %s, asked %s",
			view, previous.Short(), blockHash.Short())
	}
	n.voted[view] = blockHash
	n.view = view
	return &Message{
		Type: VoteMessage,
		Vote: &Vote{BlockHash: blockHash, Voter: n.id, View: view},
	}, nil
}

// safeToVote must be called with lk held.
func (n *Node) safeToVote(hash bft.Hash) bool {
	locked := n.lockedQC
	if locked == nil || locked.IsGenesis() || hash == locked.BlockHash {
		return true
	}
	b, ok := n.blocks[hash]
	if !ok {
		return false
	}
	if justify, ok := n.certified[b.ParentHash]; ok && justify.View > locked.View {
		return true
	}
	for b.Height > locked.BlockHeight {
		if b.ParentHash == locked.BlockHash {
			return true
		}
		if b, ok = n.blocks[b.ParentHash]; !ok {
			return false
		}
	}
	return false
}

func (n *Node) tally(view bft.ViewNumber) *tally {
	n.talliesLk.RLock()
	t, ok := n.tallies[view]
	n.talliesLk.RUnlock()
	if ok {
		return t
	}
	n.talliesLk.Lock()
	defer n.talliesLk.Unlock()
	if t, ok = n.tallies[view]; !ok {
		t = &tally{
			voters: make(map[bft.Hash]map[bft.NodeID]struct{}),
			formed: make(map[bft.Hash]*QuorumCertificate),
		}
		n.tallies[view] = t
	}
	return t
}

// CollectVote counts the vote of voter for a block in a view. Each voter is
// counted at most once per block and view, and votes from non-members are
// ignored. It returns the certificate the first time the count reaches a
// quorum, and nil otherwise.
func (n *Node) CollectVote(blockHash bft.Hash, view bft.ViewNumber, voter bft.NodeID) *QuorumCertificate {
	if _, member := n.index[voter]; !member {
		return nil
	}
	t := n.tally(view)
	t.mu.Lock()
	defer t.mu.Unlock()

	voters, ok := t.voters[blockHash]
	if !ok {
		voters = make(map[bft.NodeID]struct{})
		t.voters[blockHash] = voters
	}
	if _, duplicate := voters[voter]; duplicate {
		return nil
	}
	voters[voter] = struct{}{}
	if len(voters) < n.cfg.QuorumSize() || t.formed[blockHash] != nil {
		return nil
	}

	n.lk.RLock()
	block, known := n.blocks[blockHash]
	n.lk.RUnlock()
	if !known {
		log.Debugw("quorum reached for unknown block", "node", n.id, "block", blockHash.Short(), "view", view)
		return nil
	}
	indexes := make([]uint64, 0, len(voters))
	for v := range voters {
		indexes = append(indexes, n.index[v])
	}
	signers, err := NewSignerSet(indexes...)
	if err != nil {
		log.Errorw("failed to encode signers", "err", err)
		return nil
	}
	qc := &QuorumCertificate{
		BlockHash:   blockHash,
		View:        view,
		VoteCount:   len(voters),
		BlockHeight: block.Height,
		Signers:     signers,
	}
	t.formed[blockHash] = qc
	log.Debugw("quorum certificate formed", "node", n.id, "qc", qc)
	return qc
}

// VoteCount returns the number of distinct votes counted for a block in a view.
func (n *Node) VoteCount(blockHash bft.Hash, view bft.ViewNumber) int {
	n.talliesLk.RLock()
	t, ok := n.tallies[view]
	n.talliesLk.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voters[blockHash])
}

// GenericCommit applies a certificate: it may strengthen the lock, advance the
// view and commit blocks. A block is committed once it heads a three-chain:
// the certified block b2 has parent b1, b1 has parent b, and b2 was proposed
// in the view right after b1. Every uncommitted ancestor of b is committed
// with it. It returns the hash of the newest block committed by this call.
func (n *Node) GenericCommit(qc *QuorumCertificate) (bft.Hash, bool) {
	committed := n.applyQC(qc)
	if len(committed) == 0 {
		return bft.ZeroHash, false
	}
	return committed[len(committed)-1].Hash(), true
}

// applyQC returns the blocks newly committed by qc in height order.
func (n *Node) applyQC(qc *QuorumCertificate) []*BlockHeader {
	if !qc.Verify(n.cfg.TotalNodes) {
		return nil
	}
	n.lk.Lock()
	defer n.lk.Unlock()

	if !qc.IsGenesis() {
		if _, ok := n.certified[qc.BlockHash]; !ok {
			n.certified[qc.BlockHash] = qc
		}
	}
	if higherQC(qc, n.highQC) {
		n.highQC = qc
	}
	if n.lockedQC == nil || higherQC(qc, n.lockedQC) {
		n.lockedQC = qc
	}
	if qc.View > n.view {
		n.view = qc.View
	}
	if qc.BlockHeight > n.commitHeight {
		n.commitHeight = qc.BlockHeight
		n.commitTip = qc.BlockHash
	}

	b2, ok := n.blocks[qc.BlockHash]
	if !ok || qc.IsGenesis() {
		return nil
	}
	b1, ok := n.blocks[b2.ParentHash]
	if !ok || b2.View != b1.View+1 {
		return nil
	}
	b, ok := n.blocks[b1.ParentHash]
	if !ok {
		if b1.Height > 1 {
			log.Debugw("three-chain satisfied but chain is incomplete", "node", n.id, "height", b1.Height-1)
		}
		return nil
	}
	if b.Height <= n.committedHeight {
		return nil
	}
	var chain []*BlockHeader
	for c := b; ; {
		chain = append(chain, c)
		if c.Height == n.committedHeight+1 {
			if c.ParentHash != n.committedHash {
				log.Errorw("refusing to commit a chain that conflicts with committed history",
					"node", n.id, "height", c.Height, "committed", n.committedHash.Short())
				return nil
			}
			break
		}
		if c = n.blocks[c.ParentHash]; c == nil {
			log.Debugw("missing ancestor of block to commit", "node", n.id, "height", b.Height)
			return nil
		}
	}
	slices.Reverse(chain)

	n.committedHeight = b.Height
	n.committedHash = b.Hash()
	if cert, ok := n.certified[n.committedHash]; ok {
		n.commitQC = cert
	} else {
		n.commitQC = qc
	}
	log.Debugw("three-chain commit", "node", n.id, "height", b.Height, "blocks", len(chain))
	return chain
}

// higherQC orders certificates by view, then by height.
func higherQC(qc, than *QuorumCertificate) bool {
	if qc.View != than.View {
		return qc.View > than.View
	}
	return qc.BlockHeight > than.BlockHeight
}

// HasUncommittedDecisions reports whether a block on the chain certified by
// the highest certificate carries a command and is not committed yet.
func (n *Node) HasUncommittedDecisions() bool {
	n.lk.RLock()
	defer n.lk.RUnlock()
	for b := n.blocks[n.highQC.BlockHash]; b != nil && b.Height > n.committedHeight; b = n.blocks[b.ParentHash] {
		if len(b.Command) > 0 {
			return true
		}
	}
	return false
}

// SyncView moves the node to a later view led by leader.
func (n *Node) SyncView(newView bft.ViewNumber, leader bft.NodeID) error {
	n.lk.Lock()
	if newView < n.view {
		current := n.view
		n.lk.Unlock()
		return bft.ViewSyncTimeout(newView, current)
	}
	n.view = newView
	n.leader = leader
	for v := range n.voted {
		if v < newView {
			delete(n.voted, v)
		}
	}
	n.lk.Unlock()

	n.talliesLk.Lock()
	defer n.talliesLk.Unlock()
	for v := range n.tallies {
		if v+1 < newView {
			delete(n.tallies, v)
		}
	}
	return nil
}

func (n *Node) ID() bft.NodeID { return n.id }

func (n *Node) Config() Config { return n.cfg }

// Nodes returns the sorted membership.
func (n *Node) Nodes() []bft.NodeID { return slices.Clone(n.nodes) }

// SignerIndex returns the position of id in the sorted membership.
func (n *Node) SignerIndex(id bft.NodeID) (uint64, bool) {
	i, ok := n.index[id]
	return i, ok
}

func (n *Node) View() bft.ViewNumber {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.view
}

func (n *Node) Leader() bft.NodeID {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.leader
}

// LockedQC returns the locked certificate, or nil if none is locked yet.
func (n *Node) LockedQC() *QuorumCertificate {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.lockedQC
}

// CommitQC returns the certificate of the newest committed block, or nil.
func (n *Node) CommitQC() *QuorumCertificate {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.commitQC
}

// HighQC returns the highest certificate known, starting at genesis.
func (n *Node) HighQC() *QuorumCertificate {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.highQC
}

func (n *Node) CommitHeight() uint64 {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.commitHeight
}

// CommittedHeight returns the height of the newest committed block.
func (n *Node) CommittedHeight() uint64 {
	n.lk.RLock()
	defer n.lk.RUnlock()
	return n.committedHeight
}

func (n *Node) Block(hash bft.Hash) (BlockHeader, bool) {
	n.lk.RLock()
	defer n.lk.RUnlock()
	b, ok := n.blocks[hash]
	if !ok {
		return BlockHeader{}, false
	}
	return *b, true
}

// Certificate returns the first certificate applied for the block.
func (n *Node) Certificate(hash bft.Hash) (*QuorumCertificate, bool) {
	n.lk.RLock()
	defer n.lk.RUnlock()
	qc, ok := n.certified[hash]
	return qc, ok
}
