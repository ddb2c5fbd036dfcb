// Package p2pnet carries consensus messages over a libp2p GossipSub topic.
package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/fault"
	"github.com/knhk/go-bft/internal/circuitbreaker"
	"github.com/knhk/go-bft/internal/encoding"
	"github.com/knhk/go-bft/internal/measurements"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

var (
	log = logging.Logger("bft/p2pnet")

	_ bft.Network        = (*Network)(nil)
	_ pubsub.ValidatorEx = (*Network)(nil).validatePubSubMessage

	ErrClosed = errors.New("network closed")
)

// impersonationSeverity is attached to authentication faults raised when a
// bound peer authors a message on behalf of another participant.
const impersonationSeverity = 9

// wireEnvelope is the on-wire form of a protocol message. The claimed sender
// is checked against the pubsub author before the envelope is delivered.
type wireEnvelope struct {
	From    bft.NodeID
	Payload []byte
}

// Network implements bft.Network on top of a GossipSub topic shared by all
// participants of a cluster.
type Network struct {
	*options

	self      bft.NodeID
	host      peer.ID
	pubsub    *pubsub.PubSub
	topicName string
	encoding  encoding.EncodeDecoder[wireEnvelope]
	authors   map[peer.ID]bft.NodeID
	publisher *circuitbreaker.CircuitBreaker

	topic        *pubsub.Topic
	subscription *pubsub.Subscription

	lk        sync.RWMutex
	byzantine map[bft.NodeID]struct{}
	closed    bool
}

// New joins the named topic on behalf of participant self, hosted by h.
// The returned network is ready to broadcast and receive; Close leaves the
// topic.
func New(h host.Host, ps *pubsub.PubSub, self bft.NodeID, topicName string, o ...Option) (*Network, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	switch {
	case h == nil || ps == nil:
		return nil, errors.New("host and pubsub must be set")
	case self == bft.UndefNodeID:
		return nil, errors.New("self must be set")
	case topicName == "":
		return nil, errors.New("topic name must be set")
	}
	if bound, ok := opts.peers[self]; opts.peers != nil && (!ok || bound != h.ID()) {
		return nil, fmt.Errorf("%s is not bound to the local peer %s", self, h.ID())
	}

	var enc encoding.EncodeDecoder[wireEnvelope]
	if opts.compression {
		if enc, err = encoding.NewZSTD[wireEnvelope](); err != nil {
			return nil, err
		}
	} else {
		enc = encoding.NewCBOR[wireEnvelope]()
	}

	n := &Network{
		options:   opts,
		self:      self,
		host:      h.ID(),
		pubsub:    ps,
		topicName: topicName,
		encoding:  enc,
		authors:   make(map[peer.ID]bft.NodeID, len(opts.peers)),
		byzantine: make(map[bft.NodeID]struct{}),
		publisher: circuitbreaker.New(opts.publishMaxFailures, opts.publishResetTimeout, nil),
	}
	for id, p := range opts.peers {
		n.authors[p] = id
	}

	if err := ps.RegisterTopicValidator(topicName, n.validatePubSubMessage); err != nil {
		return nil, fmt.Errorf("failed to register topic validator: %w", err)
	}
	if n.topic, err = ps.Join(topicName); err != nil {
		_ = ps.UnregisterTopicValidator(topicName)
		return nil, fmt.Errorf("failed to join topic '%s': %w", topicName, err)
	}
	if opts.topicScoreParams != nil {
		if err := n.topic.SetScoreParams(opts.topicScoreParams); err != nil {
			// Expected when the router was built without peer scoring.
			log.Warnw("failed to set topic score params", "err", err)
		}
	}
	if n.subscription, err = n.topic.Subscribe(pubsub.WithBufferSize(opts.subscriptionBufferSize)); err != nil {
		_ = n.topic.Close()
		_ = ps.UnregisterTopicValidator(topicName)
		return nil, fmt.Errorf("failed to subscribe to topic '%s': %w", topicName, err)
	}
	return n, nil
}

// Self returns the participant this network sends as.
func (n *Network) Self() bft.NodeID { return n.self }

// Broadcast publishes payload to every participant subscribed to the topic.
func (n *Network) Broadcast(ctx context.Context, payload []byte) (_err error) {
	defer func() {
		metrics.published.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, _err)))
	}()
	n.lk.RLock()
	closed := n.closed
	n.lk.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := n.encoding.Encode(wireEnvelope{From: n.self, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := n.publisher.Run(func() error { return n.topic.Publish(ctx, data) }); err != nil {
		return fmt.Errorf("failed to publish to topic '%s': %w", n.topicName, err)
	}
	metrics.publishedBytes.Add(ctx, int64(len(data)))
	return nil
}

// Receive returns the next envelope authored by another participant.
func (n *Network) Receive(ctx context.Context) (bft.Envelope, error) {
	for {
		msg, err := n.subscription.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return bft.Envelope{}, ctx.Err()
		case errors.Is(err, pubsub.ErrSubscriptionCancelled):
			return bft.Envelope{}, ErrClosed
		case err != nil:
			return bft.Envelope{}, err
		}
		if msg.ReceivedFrom == n.host {
			// Own broadcasts are processed locally by the protocols.
			continue
		}
		env, ok := msg.ValidatorData.(*bft.Envelope)
		if !ok {
			log.Errorw("invalid envelope validator data", "data", msg.ValidatorData)
			continue
		}
		if n.isByzantine(env.From) {
			// Quarantined after validation.
			continue
		}
		return *env, nil
	}
}

func (n *Network) validatePubSubMessage(ctx context.Context, _ peer.ID, msg *pubsub.Message) (_result pubsub.ValidationResult) {
	defer func(start time.Time) {
		attr := measurements.AttrFromPubSubValidationResult(_result)
		metrics.validatedMessages.Add(ctx, 1, metric.WithAttributes(attr))
		metrics.validationTime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attr))
	}(time.Now())

	var wire wireEnvelope
	if err := n.encoding.Decode(msg.Data, &wire); err != nil {
		log.Debugw("failed to decode envelope", "from", msg.GetFrom(), "err", err)
		return pubsub.ValidationReject
	}
	if wire.From == bft.UndefNodeID {
		return pubsub.ValidationReject
	}
	if n.peers != nil {
		author := msg.GetFrom()
		if expected, known := n.peers[wire.From]; !known || expected != author {
			n.reportImpersonation(author, wire.From)
			return pubsub.ValidationReject
		}
	}
	if n.isByzantine(wire.From) {
		// Ignore rather than reject so that peers relaying on behalf of a
		// quarantined participant are not penalised.
		return pubsub.ValidationIgnore
	}
	msg.ValidatorData = &bft.Envelope{From: wire.From, Payload: wire.Payload}
	return pubsub.ValidationAccept
}

func (n *Network) reportImpersonation(author peer.ID, claimed bft.NodeID) {
	culprit, bound := n.authors[author]
	log.Warnw("rejected envelope with mismatching author", "author", author, "claimed", claimed, "boundTo", culprit)
	if bound && n.detector != nil {
		n.detector.Record(culprit, fault.Authentication,
			[]byte(fmt.Sprintf("authored envelope claiming %s", claimed)), impersonationSeverity)
	}
}

// MarkByzantine quarantines a participant: nothing it sends is delivered.
func (n *Network) MarkByzantine(id bft.NodeID) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if _, found := n.byzantine[id]; !found {
		n.byzantine[id] = struct{}{}
		log.Infow("quarantined byzantine participant", "node", id)
	}
}

func (n *Network) isByzantine(id bft.NodeID) bool {
	n.lk.RLock()
	defer n.lk.RUnlock()
	_, found := n.byzantine[id]
	return found
}

// ByzantineNodes returns the quarantined participants in ascending order.
func (n *Network) ByzantineNodes() []bft.NodeID {
	n.lk.RLock()
	defer n.lk.RUnlock()
	ids := make([]bft.NodeID, 0, len(n.byzantine))
	for id := range n.byzantine {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close leaves the topic. Pending and future Receive calls return ErrClosed.
func (n *Network) Close() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	n.lk.Unlock()

	n.subscription.Cancel()
	return multierr.Combine(
		n.topic.Close(),
		n.pubsub.UnregisterTopicValidator(n.topicName),
	)
}
