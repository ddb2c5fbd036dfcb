package certstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Kubuxu/go-broadcast"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/internal/encoding"
	"golang.org/x/xerrors"
)

var ErrBlockNotFound = errors.New("block not found")

var _ bft.CommitSink = (*Store)(nil)

var blockCodec = encoding.NewCBOR[bft.CommittedBlock]()

// Store is responsible for storing and relaying committed blocks.
type Store struct {
	writeLk   sync.Mutex
	ds        datastore.Datastore
	busBlocks broadcast.Channel[*bft.CommittedBlock]
}

// NewStore creates a certstore.
// The passed Datastore has to be thread safe.
func NewStore(ctx context.Context, ds datastore.Datastore) (*Store, error) {
	cs := &Store{
		ds: namespace.Wrap(ds, datastore.NewKey("/certstore")),
	}
	latest, err := cs.loadEdge(ctx, query.OrderByKeyDescending{})
	if err != nil {
		return nil, xerrors.Errorf("loading latest block: %w", err)
	}
	if latest != nil {
		cs.busBlocks.Publish(latest)
		metrics.latestHeight.Record(ctx, int64(latest.Height))
	}
	return cs, nil
}

// loadEdge returns the first block in the given key order, or nil if the
// store is empty.
func (cs *Store) loadEdge(ctx context.Context, order query.Order) (*bft.CommittedBlock, error) {
	// Keys are fixed width hex so key order is height order.
	res, err := cs.ds.Query(ctx, query.Query{
		Prefix: "/blocks",
		Orders: []query.Order{order},
		Limit:  1,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to query for the edge block: %w", err)
	}
	defer res.Close()
	val, ok := res.NextSync()
	if !ok {
		return nil, nil
	}
	if val.Error != nil {
		return nil, xerrors.Errorf("reading edge block: %w", val.Error)
	}
	var b bft.CommittedBlock
	if err := blockCodec.Decode(val.Value, &b); err != nil {
		return nil, xerrors.Errorf("unmarshalling edge block: %w", err)
	}
	return &b, nil
}

// Latest returns the newest available block
func (cs *Store) Latest() *bft.CommittedBlock {
	return cs.busBlocks.Last()
}

// First returns the oldest available block, or nil if the store is empty.
func (cs *Store) First(ctx context.Context) (*bft.CommittedBlock, error) {
	return cs.loadEdge(ctx, query.OrderByKey{})
}

func (cs *Store) Get(ctx context.Context, height uint64) (*bft.CommittedBlock, error) {
	b, err := cs.ds.Get(ctx, keyForHeight(height))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("block at %d: %w", height, ErrBlockNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("accessing block in datastore: %w", err)
	}

	var block bft.CommittedBlock
	if err := blockCodec.Decode(b, &block); err != nil {
		return nil, xerrors.Errorf("unmarshalling block: %w", err)
	}
	return &block, nil
}

// GetRange returns the blocks from start to end inclusive in increasing height
// order. If it encounters a missing block, it returns the blocks before it and
// a wrapped ErrBlockNotFound.
func (cs *Store) GetRange(ctx context.Context, start uint64, end uint64) ([]*bft.CommittedBlock, error) {
	if start > end {
		return nil, xerrors.Errorf("start is larger then end: %d > %d", start, end)
	}
	if end-start > uint64(math.MaxInt)-1 {
		return nil, xerrors.Errorf("range %d to %d is too large", start, end)
	}

	var blocks []*bft.CommittedBlock
	for i := start; i <= end; i++ {
		b, err := cs.ds.Get(ctx, keyForHeight(i))
		if errors.Is(err, datastore.ErrNotFound) {
			return blocks, xerrors.Errorf("block at %d: %w", i, ErrBlockNotFound)
		}
		if err != nil {
			return nil, xerrors.Errorf("accessing block at %d for range request: %w", i, err)
		}
		var block bft.CommittedBlock
		if err := blockCodec.Decode(b, &block); err != nil {
			return nil, xerrors.Errorf("unmarshalling block at %d: %w", i, err)
		}
		blocks = append(blocks, &block)
	}
	return blocks, nil
}

func keyForHeight(h uint64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/blocks/%016X", h))
}

// Put saves a block in the store and notifies subscribers.
// It errors if adding the block would create a gap or fork the stored chain.
// Putting a block that is already stored is a no-op.
func (cs *Store) Put(ctx context.Context, block *bft.CommittedBlock) error {
	data, err := blockCodec.Encode(*block)
	if err != nil {
		return xerrors.Errorf("marshalling block at %d: %w", block.Height, err)
	}

	cs.writeLk.Lock()
	defer cs.writeLk.Unlock()

	if latest := cs.Latest(); latest != nil {
		switch {
		case block.Height <= latest.Height:
			stored, err := cs.Get(ctx, block.Height)
			if errors.Is(err, ErrBlockNotFound) {
				return xerrors.Errorf("attempted to add block at %d below the oldest stored block", block.Height)
			}
			if err != nil {
				return err
			}
			if stored.Hash != block.Hash {
				return xerrors.Errorf("block at %d conflicts with stored block: %s != %s",
					block.Height, block.Hash.Short(), stored.Hash.Short())
			}
			return nil
		case block.Height != latest.Height+1:
			return xerrors.Errorf("attempted to add block at %d but the previous one is %d",
				block.Height, latest.Height)
		case block.ParentHash != latest.Hash:
			return xerrors.Errorf("block at %d has parent %s but the previous block is %s",
				block.Height, block.ParentHash.Short(), latest.Hash.Short())
		}
	}

	if err := cs.ds.Put(ctx, keyForHeight(block.Height), data); err != nil {
		return xerrors.Errorf("putting the block: %w", err)
	}
	cs.busBlocks.Publish(block) // Publish within the lock to ensure ordering
	metrics.latestHeight.Record(ctx, int64(block.Height))
	return nil
}

// Commit implements bft.CommitSink.
func (cs *Store) Commit(ctx context.Context, block *bft.CommittedBlock) error {
	return cs.Put(ctx, block)
}

// Subscribe is used to subscribe to the broadcast channel.
// If the passed channel is full at any point, it will be dropped from subscription and closed.
// To stop subscribing, either the closer function can be used or the channel can be abandoned.
// Passing a channel multiple times to the Subscribe function will result in a panic.
// The channel will receive new blocks sequentially.
func (cs *Store) Subscribe(ch chan<- *bft.CommittedBlock) (last *bft.CommittedBlock, closer func()) {
	return cs.busBlocks.Subscribe(ch)
}
