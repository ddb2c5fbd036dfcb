package hotstuff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/filecoin-project/go-bitfield"
	rlepluslazy "github.com/filecoin-project/go-bitfield/rle"
	"github.com/knhk/go-bft"
)

const blockDomainSeparationTag = "HOTSTUFF:BLOCK:"

// BlockHeader is a proposal in the chain. Height is always the parent height
// plus one.
type BlockHeader struct {
	Height     uint64
	View       bft.ViewNumber
	ParentHash bft.Hash
	Leader     bft.NodeID
	Command    []byte
	// Unix milliseconds at which the leader created the block.
	Timestamp int64
}

// Hash digests every field of the header.
func (b *BlockHeader) Hash() bft.Hash {
	var buf bytes.Buffer
	buf.WriteString(blockDomainSeparationTag)
	_ = binary.Write(&buf, binary.BigEndian, b.Height)
	_ = binary.Write(&buf, binary.BigEndian, b.View)
	buf.Write(b.ParentHash[:])
	_ = binary.Write(&buf, binary.BigEndian, b.Leader)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(b.Command)))
	buf.Write(b.Command)
	_ = binary.Write(&buf, binary.BigEndian, b.Timestamp)
	return bft.MakeHash(buf.Bytes())
}

func (b *BlockHeader) String() string {
	return fmt.Sprintf("block{height=%d view=%d leader=%d hash=%s}", b.Height, b.View, b.Leader, b.Hash().Short())
}

// SignerSet is the set of node indexes, positions in the sorted membership,
// that voted for a certificate.
type SignerSet struct {
	bitfield.BitField
}

// NewSignerSet returns a set of the given indexes.
func NewSignerSet(indexes ...uint64) (SignerSet, error) {
	sorted := slices.Clone(indexes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	runs, err := rlepluslazy.RunsFromSlice(sorted)
	if err != nil {
		return SignerSet{}, err
	}
	bf, err := bitfield.NewFromIter(runs)
	if err != nil {
		return SignerSet{}, err
	}
	return SignerSet{BitField: bf}, nil
}

// Indexes returns the members of the set in ascending order.
func (s SignerSet) Indexes() ([]uint64, error) {
	var indexes []uint64
	if err := s.BitField.ForEach(func(i uint64) error {
		indexes = append(indexes, i)
		return nil
	}); err != nil {
		return nil, err
	}
	return indexes, nil
}

// MarshalCBOR embeds the RLE+ encoding of the set as a CBOR byte string.
func (s SignerSet) MarshalCBOR() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.BitField.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SignerSet) UnmarshalCBOR(data []byte) error {
	return s.BitField.UnmarshalCBOR(bytes.NewReader(data))
}

// QuorumCertificate proves that a quorum of nodes voted for a block in a view.
// It is never modified once formed.
type QuorumCertificate struct {
	BlockHash   bft.Hash
	View        bft.ViewNumber
	VoteCount   int
	BlockHeight uint64
	Signers     SignerSet
}

// Verify reports whether the certificate carries a quorum of votes for a
// cluster of n nodes.
func (qc *QuorumCertificate) Verify(n int) bool {
	return qc != nil && qc.VoteCount >= bft.QuorumSize(n)
}

// IsGenesis reports whether qc certifies the implicit genesis block.
func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.BlockHeight == 0 && qc.BlockHash.IsZero()
}

func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("qc{height=%d view=%d votes=%d block=%s}", qc.BlockHeight, qc.View, qc.VoteCount, qc.BlockHash.Short())
}

// GenesisQC returns the certificate of the implicit genesis block at height
// zero, which every chain extends.
func GenesisQC(cfg Config) *QuorumCertificate {
	return &QuorumCertificate{
		VoteCount: cfg.QuorumSize(),
		Signers:   SignerSet{BitField: bitfield.New()},
	}
}
