package p2pnet

import (
	"errors"
	"time"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/fault"
	"github.com/knhk/go-bft/internal/psutil"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	defaultSubscriptionBufferSize = 1024
	defaultPublishMaxFailures     = 5
	defaultPublishResetTimeout    = 5 * time.Second
)

// Option represents a configurable parameter of the libp2p network.
type Option func(*options) error

type options struct {
	peers                  map[bft.NodeID]peer.ID
	detector               *fault.Detector
	compression            bool
	subscriptionBufferSize int
	topicScoreParams       *pubsub.TopicScoreParams
	publishMaxFailures     int
	publishResetTimeout    time.Duration
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		compression:            true,
		subscriptionBufferSize: defaultSubscriptionBufferSize,
		topicScoreParams:       psutil.EnvelopeTopicScoreParams,
		publishMaxFailures:     defaultPublishMaxFailures,
		publishResetTimeout:    defaultPublishResetTimeout,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithPeers binds every participant to the libp2p peer that is allowed to
// author its messages. Messages claiming a participant from any other peer are
// rejected. Without a binding the claimed sender is trusted.
func WithPeers(peers map[bft.NodeID]peer.ID) Option {
	return func(o *options) error {
		o.peers = make(map[bft.NodeID]peer.ID, len(peers))
		for id, p := range peers {
			if id == bft.UndefNodeID {
				return errors.New("peer bound to reserved node id")
			}
			if p == "" {
				return errors.New("empty peer id")
			}
			o.peers[id] = p
		}
		return nil
	}
}

// WithFaultDetector records impersonation attempts caught by the topic
// validator as authentication faults.
func WithFaultDetector(d *fault.Detector) Option {
	return func(o *options) error {
		o.detector = d
		return nil
	}
}

// WithCompression sets whether envelopes are zstd compressed on the wire.
// Defaults to true. All participants must agree on this setting.
func WithCompression(compress bool) Option {
	return func(o *options) error {
		o.compression = compress
		return nil
	}
}

// WithSubscriptionBufferSize sets the number of inbound messages buffered by
// the topic subscription before pubsub starts dropping them.
func WithSubscriptionBufferSize(size int) Option {
	return func(o *options) error {
		if size < 1 {
			return errors.New("subscription buffer size must be at least 1")
		}
		o.subscriptionBufferSize = size
		return nil
	}
}

// WithTopicScoreParams sets the peer scoring parameters of the topic. A nil
// value disables topic scoring.
func WithTopicScoreParams(params *pubsub.TopicScoreParams) Option {
	return func(o *options) error {
		o.topicScoreParams = params
		return nil
	}
}

// WithPublishCircuitBreaker stops publishing for resetTimeout after
// maxFailures consecutive publish failures, failing broadcasts fast instead.
// Defaults to 5 failures and 5 seconds.
func WithPublishCircuitBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(o *options) error {
		if maxFailures < 1 {
			return errors.New("max publish failures must be at least 1")
		}
		if resetTimeout <= 0 {
			return errors.New("publish reset timeout must be positive")
		}
		o.publishMaxFailures = maxFailures
		o.publishResetTimeout = resetTimeout
		return nil
	}
}
