package certstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/autobatch"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/internal/encoding"
	"github.com/knhk/go-bft/manifest"
	"golang.org/x/crypto/blake2b"
)

const (
	// SnapshotVersion is the version of the snapshot format written by
	// ExportSnapshot.
	SnapshotVersion = 1

	maxSnapshotBlockSize = 16 << 20
)

var (
	ErrEmptyStore          = errors.New("store holds no blocks")
	ErrNoBlockExtracted    = errors.New("no block is found in the snapshot")
	ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")
)

var headerCodec = encoding.NewCBOR[SnapshotHeader]()

// SnapshotHeader opens a snapshot. It is followed by every block from
// FirstHeight to LatestHeight, each encoded as CBOR with a varint length
// prefix.
type SnapshotHeader struct {
	Version      uint64
	NetworkName  manifest.NetworkName
	Protocol     bft.Protocol
	FirstHeight  uint64
	LatestHeight uint64
}

func (h *SnapshotHeader) WriteTo(w io.Writer) (int64, error) {
	data, err := headerCodec.Encode(*h)
	if err != nil {
		return 0, err
	}
	return writeSnapshotBlockBytes(w, bytes.NewBuffer(data))
}

// ExportSnapshot writes every stored block up to the latest one and returns
// the blake2b digest of the written stream.
func (cs *Store) ExportSnapshot(ctx context.Context, network manifest.NetworkName, writer io.Writer) (bft.Hash, *SnapshotHeader, error) {
	latest := cs.Latest()
	if latest == nil {
		return bft.ZeroHash, nil, ErrEmptyStore
	}
	first, err := cs.First(ctx)
	if err != nil {
		return bft.ZeroHash, nil, fmt.Errorf("failed to find the first block: %w", err)
	}
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return bft.ZeroHash, nil, err
	}
	hw := hashWriter{hasher: hasher, writer: writer}
	header := SnapshotHeader{
		Version:      SnapshotVersion,
		NetworkName:  network,
		Protocol:     latest.Protocol,
		FirstHeight:  first.Height,
		LatestHeight: latest.Height,
	}
	if _, err := header.WriteTo(hw); err != nil {
		return bft.ZeroHash, nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for i := header.FirstHeight; i <= header.LatestHeight; i++ {
		block, err := cs.ds.Get(ctx, keyForHeight(i))
		if err != nil {
			return bft.ZeroHash, nil, fmt.Errorf("failed to get block at height %d: %w", i, err)
		}
		if _, err := writeSnapshotBlockBytes(hw, bytes.NewBuffer(block)); err != nil {
			return bft.ZeroHash, nil, err
		}
	}
	var digest bft.Hash
	copy(digest[:], hasher.Sum(nil))
	return digest, &header, nil
}

type hashWriter struct {
	hasher hash.Hash
	writer io.Writer
}

func (w hashWriter) Write(p []byte) (n int, err error) {
	if _, err := w.hasher.Write(p); err != nil {
		return 0, err
	}
	return w.writer.Write(p)
}

type SnapshotReader interface {
	io.Reader
	io.ByteReader
}

// ImportSnapshotToDatastore imports a snapshot into the specified Datastore,
// checking that its blocks form a contiguous chain. The snapshot is validated
// against the manifest if one is provided.
func ImportSnapshotToDatastore(ctx context.Context, snapshot SnapshotReader, ds datastore.Batching, m *manifest.Manifest) (_err error) {
	headerBytes, err := readSnapshotBlockBytes(snapshot)
	if err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	var header SnapshotHeader
	if err := headerCodec.Decode(headerBytes, &header); err != nil {
		return fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	if header.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, header.Version)
	}
	if m != nil {
		if m.NetworkName != header.NetworkName {
			return fmt.Errorf("network name in the snapshot (%s) does not match that in the manifest (%s)", header.NetworkName, m.NetworkName)
		}
		if m.Protocol != header.Protocol {
			return fmt.Errorf("protocol in the snapshot (%s) does not match that in the manifest (%s)", header.Protocol, m.Protocol)
		}
	}

	dsb := autobatch.NewAutoBatching(ds, 1000)
	defer func() {
		if err := dsb.Flush(ctx); err != nil && _err == nil {
			_err = fmt.Errorf("failed to flush imported blocks: %w", err)
		}
	}()
	store := namespace.Wrap(dsb, datastore.NewKey("/certstore"))

	var latest *bft.CommittedBlock
	for i := header.FirstHeight; ; i++ {
		data, err := readSnapshotBlockBytes(snapshot)
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read block: %w", err)
		}
		var block bft.CommittedBlock
		if err := blockCodec.Decode(data, &block); err != nil {
			return fmt.Errorf("failed to decode block: %w", err)
		}
		switch {
		case block.Height != i:
			return fmt.Errorf("the block at height %d is missing", i)
		case i > header.LatestHeight:
			return fmt.Errorf("block at height %d is found, expected latest height %d", i, header.LatestHeight)
		case latest != nil && block.ParentHash != latest.Hash:
			return fmt.Errorf("block at height %d does not extend block %s", i, latest.Hash.Short())
		case block.Protocol != header.Protocol:
			return fmt.Errorf("block at height %d was agreed by %s, snapshot is %s", i, block.Protocol, header.Protocol)
		}
		if err := store.Put(ctx, keyForHeight(block.Height), data); err != nil {
			return err
		}
		latest = &block
	}
	if latest == nil {
		return ErrNoBlockExtracted
	}
	if latest.Height != header.LatestHeight {
		return fmt.Errorf("extracted latest height %d, but %d is expected", latest.Height, header.LatestHeight)
	}
	return nil
}

// writeSnapshotBlockBytes writes header or data block with a varint-encoded length prefix
func writeSnapshotBlockBytes(writer io.Writer, buffer *bytes.Buffer) (int64, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(buffer.Len()))
	len1, err := bytes.NewBuffer(buf[:n]).WriteTo(writer)
	if err != nil {
		return 0, err
	}
	len2, err := buffer.WriteTo(writer)
	if err != nil {
		return 0, err
	}
	return len1 + len2, nil
}

func readSnapshotBlockBytes(reader SnapshotReader) ([]byte, error) {
	n1, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	if n1 > maxSnapshotBlockSize {
		return nil, fmt.Errorf("block of %d bytes exceeds the maximum of %d", n1, maxSnapshotBlockSize)
	}
	buf := make([]byte, n1)
	n2, err := io.ReadFull(reader, buf)
	if err != nil {
		return nil, err
	}
	if n2 != int(n1) {
		return nil, fmt.Errorf("incomplete block, %d bytes expected, %d bytes got", n1, n2)
	}
	return buf, nil
}
