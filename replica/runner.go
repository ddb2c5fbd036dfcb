package replica

import (
	"context"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/certstore"
)

// runner is one protocol instance over a fixed membership.
type runner struct {
	protocol protocol
	members  []bft.NodeID
	sink     *epochSink

	cancel context.CancelFunc
	done   chan error
}

func (r *runner) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan error, 1)
	go func() { r.done <- r.protocol.Run(ctx) }()
}

func (r *runner) stop() error {
	r.cancel()
	return <-r.done
}

var _ bft.CommitSink = (*epochSink)(nil)

// epochSink stores the blocks of one protocol instance after the blocks the
// store already holds. Every instance numbers its blocks from height one; the
// sink shifts them so that the stored chain stays contiguous across restarts.
type epochSink struct {
	store      *certstore.Store
	baseHeight uint64
	baseHash   bft.Hash
}

func newEpochSink(store *certstore.Store) *epochSink {
	sink := &epochSink{store: store}
	if latest := store.Latest(); latest != nil {
		sink.baseHeight, sink.baseHash = latest.Height, latest.Hash
	}
	return sink
}

func (s *epochSink) Commit(ctx context.Context, block *bft.CommittedBlock) error {
	return s.store.Put(ctx, s.translate(block))
}

func (s *epochSink) translate(block *bft.CommittedBlock) *bft.CommittedBlock {
	if block == nil {
		return nil
	}
	shifted := *block
	shifted.Height += s.baseHeight
	if block.Height == 1 {
		shifted.ParentHash = s.baseHash
	}
	return &shifted
}
