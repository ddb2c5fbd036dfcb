package pbft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/internal/encoding"
)

const blockDomainSeparationTag = "PBFT:BLOCK:"

// Block is the unit ordered by a sequence number. A block without decisions
// is a null block, used to fill gaps after a view change.
type Block struct {
	Seq       uint64
	Primary   bft.NodeID
	Decisions []bft.Decision
	// Unix milliseconds at which the primary created the block.
	Timestamp int64
}

// Digest identifies the block. It does not depend on the view, so a block
// re-proposed after a view change keeps its digest.
func (b *Block) Digest() bft.Hash {
	var buf bytes.Buffer
	buf.WriteString(blockDomainSeparationTag)
	_ = binary.Write(&buf, binary.BigEndian, b.Seq)
	_ = binary.Write(&buf, binary.BigEndian, b.Primary)
	bft.MarshalDecisions(&buf, b.Decisions)
	_ = binary.Write(&buf, binary.BigEndian, b.Timestamp)
	return bft.MakeHash(buf.Bytes())
}

type MessageType uint8

const (
	PrePrepareMessage MessageType = iota + 1
	PrepareMessage
	CommitMessage
	ViewChangeMessage
	NewViewMessage
)

func (t MessageType) String() string {
	switch t {
	case PrePrepareMessage:
		return "PRE-PREPARE"
	case PrepareMessage:
		return "PREPARE"
	case CommitMessage:
		return "COMMIT"
	case ViewChangeMessage:
		return "VIEW-CHANGE"
	case NewViewMessage:
		return "NEW-VIEW"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// PrePrepare assigns a sequence number to a block in a view. It also counts
// as the prepare vote of the primary.
type PrePrepare struct {
	View  bft.ViewNumber
	Seq   uint64
	Block Block
}

type Prepare struct {
	View   bft.ViewNumber
	Seq    uint64
	Digest bft.Hash
	Node   bft.NodeID
}

type Commit struct {
	View   bft.ViewNumber
	Seq    uint64
	Digest bft.Hash
	Node   bft.NodeID
}

// PreparedEntry is a block that was prepared in View but not yet executed.
type PreparedEntry struct {
	View  bft.ViewNumber
	Seq   uint64
	Block Block
}

// ViewChange asks to move to NewView, carrying the prepared state of Node.
type ViewChange struct {
	NewView      bft.ViewNumber
	Node         bft.NodeID
	LastExecuted uint64
	Prepared     []PreparedEntry
}

// NewView installs a view. PrePrepares re-propose every slot between the
// lowest last executed block reported and the highest prepared slot reported.
type NewView struct {
	NewView      bft.ViewNumber
	ViewChangers []bft.NodeID
	PrePrepares  []PrePrepare
}

// Message is the tagged union of every message exchanged by the protocol.
// Exactly the field matching Type is set.
type Message struct {
	Type       MessageType
	PrePrepare *PrePrepare `cbor:",omitempty"`
	Prepare    *Prepare    `cbor:",omitempty"`
	Commit     *Commit     `cbor:",omitempty"`
	ViewChange *ViewChange `cbor:",omitempty"`
	NewView    *NewView    `cbor:",omitempty"`
}

var (
	messageCodec = encoding.NewCBOR[Message]()

	errMalformedMessage = errors.New("malformed message")
)

func (m *Message) Marshal() ([]byte, error) { return messageCodec.Encode(*m) }

// UnmarshalMessage decodes and validates the shape of a message.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := messageCodec.Decode(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	var set int
	for _, present := range []bool{m.PrePrepare != nil, m.Prepare != nil, m.Commit != nil, m.ViewChange != nil, m.NewView != nil} {
		if present {
			set++
		}
	}
	var ok bool
	switch m.Type {
	case PrePrepareMessage:
		ok = m.PrePrepare != nil && m.PrePrepare.Block.Seq == m.PrePrepare.Seq
	case PrepareMessage:
		ok = m.Prepare != nil
	case CommitMessage:
		ok = m.Commit != nil
	case ViewChangeMessage:
		ok = m.ViewChange != nil
	case NewViewMessage:
		ok = m.NewView != nil
	}
	if !ok || set != 1 {
		return nil, fmt.Errorf("%w: type %s with %d payloads", errMalformedMessage, m.Type, set)
	}
	return &m, nil
}
