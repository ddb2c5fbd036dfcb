package hotstuff

import (
	"errors"
	"fmt"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/internal/encoding"
)

type MessageType uint8

const (
	ProposeMessage MessageType = iota + 1
	VoteMessage
	GenericMessage
	TimeoutMessage
)

func (t MessageType) String() string {
	switch t {
	case ProposeMessage:
		return "PROPOSE"
	case VoteMessage:
		return "VOTE"
	case GenericMessage:
		return "GENERIC"
	case TimeoutMessage:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Propose carries a new block and the certificate of its parent.
type Propose struct {
	Block BlockHeader
	QC    QuorumCertificate
}

type Vote struct {
	BlockHash bft.Hash
	Voter     bft.NodeID
	View      bft.ViewNumber
}

// Generic announces a newly formed certificate.
type Generic struct {
	BlockHash   bft.Hash
	View        bft.ViewNumber
	VoteCount   int
	BlockHeight uint64
	Signers     SignerSet
}

func (g *Generic) QC() *QuorumCertificate {
	return &QuorumCertificate{
		BlockHash:   g.BlockHash,
		View:        g.View,
		VoteCount:   g.VoteCount,
		BlockHeight: g.BlockHeight,
		Signers:     g.Signers,
	}
}

// Timeout tells peers that Node gave up on View. HighQC is the highest
// certificate Node knows.
type Timeout struct {
	View   bft.ViewNumber
	Node   bft.NodeID
	HighQC QuorumCertificate
}

// Message is the tagged union of every message exchanged by the protocol.
// Exactly the field matching Type is set.
type Message struct {
	Type    MessageType
	Propose *Propose `cbor:",omitempty"`
	Vote    *Vote    `cbor:",omitempty"`
	Generic *Generic `cbor:",omitempty"`
	Timeout *Timeout `cbor:",omitempty"`
}

var (
	messageCodec   = encoding.NewCBOR[Message]()
	decisionsCodec = encoding.NewCBOR[[]bft.Decision]()

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
	for _, present := range []bool{m.Propose != nil, m.Vote != nil, m.Generic != nil, m.Timeout != nil} {
		if present {
			set++
		}
	}
	var ok bool
	switch m.Type {
	case ProposeMessage:
		ok = m.Propose != nil
	case VoteMessage:
		ok = m.Vote != nil
	case GenericMessage:
		ok = m.Generic != nil
	case TimeoutMessage:
		ok = m.Timeout != nil
	}
	if !ok || set != 1 {
		return nil, fmt.Errorf("%w: type %s with %d payloads", errMalformedMessage, m.Type, set)
	}
	return &m, nil
}
