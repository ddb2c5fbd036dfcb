package certstore_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/certstore"
	"github.com/stretchr/testify/require"
)

func newDatastore() datastore.Batching {
	return ds_sync.MutexWrap(datastore.NewMapDatastore())
}

// makeChain returns count linked blocks starting at height first.
func makeChain(first uint64, count int, parent bft.Hash) []*bft.CommittedBlock {
	blocks := make([]*bft.CommittedBlock, count)
	for i := range blocks {
		height := first + uint64(i)
		blocks[i] = &bft.CommittedBlock{
			Protocol:   bft.ProtocolHotStuff,
			Height:     height,
			View:       bft.ViewNumber(height),
			Hash:       bft.MakeHash([]byte(fmt.Sprintf("block-%d", height))),
			ParentHash: parent,
			Decisions:  []bft.Decision{{WorkflowID: fmt.Sprintf("wf-%d", height), Action: bft.ActionSuspend, Timestamp: int64(height)}},
			Proof:      bft.Proof{View: bft.ViewNumber(height), VoteCount: 3, Voters: []bft.NodeID{1, 2, 3}},
		}
		parent = blocks[i].Hash
	}
	return blocks
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)
	require.Nil(t, cs.Latest())

	_, err = cs.Get(ctx, 1)
	require.ErrorIs(t, err, certstore.ErrBlockNotFound)

	chain := makeChain(1, 3, bft.ZeroHash)
	for _, block := range chain {
		require.NoError(t, cs.Put(ctx, block))
		require.Equal(t, block, cs.Latest())
	}
	for _, block := range chain {
		got, err := cs.Get(ctx, block.Height)
		require.NoError(t, err)
		require.Equal(t, block, got)
	}
	first, err := cs.First(ctx)
	require.NoError(t, err)
	require.Equal(t, chain[0], first)
}

func TestStore_PutRejectsGapsAndForks(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)
	chain := makeChain(5, 3, bft.ZeroHash)
	require.NoError(t, cs.Commit(ctx, chain[0]), "an empty store accepts any first height")
	require.NoError(t, cs.Commit(ctx, chain[1]))

	t.Run("gap", func(t *testing.T) {
		require.ErrorContains(t, cs.Put(ctx, makeChain(8, 1, chain[1].Hash)[0]), "previous one is 6")
	})
	t.Run("wrong parent", func(t *testing.T) {
		orphan := *chain[2]
		orphan.ParentHash = bft.MakeHash([]byte("elsewhere"))
		require.ErrorContains(t, cs.Put(ctx, &orphan), "has parent")
	})
	t.Run("duplicate", func(t *testing.T) {
		require.NoError(t, cs.Put(ctx, chain[1]))
		require.Equal(t, chain[1], cs.Latest())
	})
	t.Run("conflicting", func(t *testing.T) {
		fork := *chain[0]
		fork.Hash = bft.MakeHash([]byte("fork"))
		require.ErrorContains(t, cs.Put(ctx, &fork), "conflicts")
	})
	t.Run("below first", func(t *testing.T) {
		require.Error(t, cs.Put(ctx, makeChain(2, 1, bft.ZeroHash)[0]))
	})
	require.Equal(t, uint64(6), cs.Latest().Height)
}

func TestStore_GetRange(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)
	chain := makeChain(1, 5, bft.ZeroHash)
	for _, block := range chain {
		require.NoError(t, cs.Put(ctx, block))
	}

	got, err := cs.GetRange(ctx, 2, 4)
	require.NoError(t, err)
	require.Equal(t, chain[1:4], got)

	got, err = cs.GetRange(ctx, 4, 9)
	require.ErrorIs(t, err, certstore.ErrBlockNotFound)
	require.Equal(t, chain[3:], got, "available blocks are returned")

	_, err = cs.GetRange(ctx, 3, 2)
	require.Error(t, err)
}

func TestStore_ReopenLoadsLatest(t *testing.T) {
	ctx := context.Background()
	ds := newDatastore()
	cs, err := certstore.NewStore(ctx, ds)
	require.NoError(t, err)
	chain := makeChain(1, 20, bft.ZeroHash)
	for _, block := range chain {
		require.NoError(t, cs.Put(ctx, block))
	}

	reopened, err := certstore.NewStore(ctx, ds)
	require.NoError(t, err)
	require.Equal(t, chain[19], reopened.Latest())
	require.NoError(t, reopened.Put(ctx, makeChain(21, 1, chain[19].Hash)[0]))
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)
	chain := makeChain(1, 4, bft.ZeroHash)
	require.NoError(t, cs.Put(ctx, chain[0]))

	ch := make(chan *bft.CommittedBlock, 10)
	last, closer := cs.Subscribe(ch)
	defer closer()
	require.Equal(t, chain[0], last)

	for _, block := range chain[1:] {
		require.NoError(t, cs.Put(ctx, block))
	}
	for _, want := range chain[1:] {
		require.Equal(t, want, <-ch)
	}
}

func TestSnapshot_ExportImport(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)

	var buf bytes.Buffer
	_, _, err = cs.ExportSnapshot(ctx, "test", &buf)
	require.ErrorIs(t, err, certstore.ErrEmptyStore)

	chain := makeChain(3, 10, bft.ZeroHash)
	for _, block := range chain {
		require.NoError(t, cs.Put(ctx, block))
	}
	digest, header, err := cs.ExportSnapshot(ctx, "test", &buf)
	require.NoError(t, err)
	require.False(t, digest.IsZero())
	require.Equal(t, uint64(3), header.FirstHeight)
	require.Equal(t, uint64(12), header.LatestHeight)
	require.Equal(t, bft.ProtocolHotStuff, header.Protocol)
	snapshot := buf.Bytes()

	var again bytes.Buffer
	digest2, _, err := cs.ExportSnapshot(ctx, "test", &again)
	require.NoError(t, err)
	require.Equal(t, digest, digest2, "export is deterministic")

	ds := newDatastore()
	require.NoError(t, certstore.ImportSnapshotToDatastore(ctx, bytes.NewReader(snapshot), ds, nil))
	imported, err := certstore.NewStore(ctx, ds)
	require.NoError(t, err)
	require.Equal(t, chain[9], imported.Latest())
	got, err := imported.GetRange(ctx, 3, 12)
	require.NoError(t, err)
	require.Equal(t, chain, got)
}

func TestSnapshot_ImportRejectsBrokenSnapshots(t *testing.T) {
	ctx := context.Background()
	cs, err := certstore.NewStore(ctx, newDatastore())
	require.NoError(t, err)
	for _, block := range makeChain(1, 3, bft.ZeroHash) {
		require.NoError(t, cs.Put(ctx, block))
	}
	var buf bytes.Buffer
	_, _, err = cs.ExportSnapshot(ctx, "test", &buf)
	require.NoError(t, err)
	snapshot := buf.Bytes()

	t.Run("truncated", func(t *testing.T) {
		err := certstore.ImportSnapshotToDatastore(ctx, bytes.NewReader(snapshot[:len(snapshot)-5]), newDatastore(), nil)
		require.Error(t, err)
	})
	t.Run("empty", func(t *testing.T) {
		err := certstore.ImportSnapshotToDatastore(ctx, bytes.NewReader(nil), newDatastore(), nil)
		require.Error(t, err)
	})
	t.Run("header only", func(t *testing.T) {
		header := certstore.SnapshotHeader{Version: certstore.SnapshotVersion, FirstHeight: 1, LatestHeight: 1}
		var b bytes.Buffer
		_, err := header.WriteTo(&b)
		require.NoError(t, err)
		err = certstore.ImportSnapshotToDatastore(ctx, bytes.NewReader(b.Bytes()), newDatastore(), nil)
		require.ErrorIs(t, err, certstore.ErrNoBlockExtracted)
	})
	t.Run("unsupported version", func(t *testing.T) {
		header := certstore.SnapshotHeader{Version: 99}
		var b bytes.Buffer
		_, err := header.WriteTo(&b)
		require.NoError(t, err)
		err = certstore.ImportSnapshotToDatastore(ctx, bytes.NewReader(b.Bytes()), newDatastore(), nil)
		require.ErrorIs(t, err, certstore.ErrUnsupportedSnapshot)
	})
}
