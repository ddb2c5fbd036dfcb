// Package psutil holds the GossipSub parameters shared by the packages that
// publish over libp2p pubsub.
package psutil

import (
	"encoding/binary"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"golang.org/x/crypto/blake2b"
)

// ManifestMessageIdFn identifies manifest updates by topic, author and
// content, so that periodic re-publication of the same manifest by the same
// sender is deduplicated while distinct senders are not.
var ManifestMessageIdFn pubsub.MsgIdFunction = msgIdHashDataAndSender

func msgIdHashDataAndSender(m *pubsub_pb.Message) string {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic("failed to construct hasher")
	}
	writeField(hasher, []byte(m.GetTopic()))
	writeField(hasher, m.From)
	writeField(hasher, m.Data)
	return string(hasher.Sum(nil))
}

func writeField(w interface{ Write([]byte) (int, error) }, field []byte) {
	if err := binary.Write(w, binary.BigEndian, uint32(len(field))); err != nil {
		panic(err)
	}
	if _, err := w.Write(field); err != nil {
		panic(err)
	}
}

// EnvelopeTopicScoreParams scores peers on the consensus topic. Consensus
// traffic is bursty and low volume, so first deliveries are rewarded gently
// and invalid messages are punished hard.
var EnvelopeTopicScoreParams = &pubsub.TopicScoreParams{
	TopicWeight: 0.1,

	// Caps after an hour in the mesh.
	TimeInMeshWeight:  0.0002778,
	TimeInMeshQuantum: time.Second,
	TimeInMeshCap:     1,

	FirstMessageDeliveriesWeight: 0.5,
	FirstMessageDeliveriesDecay:  pubsub.ScoreParameterDecay(10 * time.Minute),
	FirstMessageDeliveriesCap:    100,

	// Mesh delivery penalties stay off: clusters are small enough that a single
	// slow replica would otherwise be pruned from the mesh.

	InvalidMessageDeliveriesWeight: -1000,
	InvalidMessageDeliveriesDecay:  pubsub.ScoreParameterDecay(time.Hour),
}
