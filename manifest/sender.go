package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ManifestSender periodically publishes the current manifest of the network
// so that DynamicManifestProviders trusting this host follow it.
type ManifestSender struct {
	h             host.Host
	pubsub        *pubsub.PubSub
	manifestTopic *pubsub.Topic
	interval      time.Duration
	clock         clock.Clock

	// lk guards manifest, msgSeq and paused.
	lk       sync.Mutex
	manifest *Manifest
	msgSeq   uint64
	paused   bool
}

// NewManifestSender joins the manifest topic. A nil clock selects the system
// clock.
func NewManifestSender(h host.Host, ps *pubsub.PubSub, firstManifest *Manifest, publishInterval time.Duration, clk clock.Clock) (*ManifestSender, error) {
	if err := firstManifest.Validate(); err != nil {
		return nil, err
	}
	if publishInterval <= 0 {
		return nil, errors.New("publish interval must be positive")
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &ManifestSender{
		manifest: firstManifest,
		h:        h,
		pubsub:   ps,
		interval: publishInterval,
		// Seeding with the time lets a restarted sender supersede its earlier
		// updates without remembering the last sequence number.
		msgSeq: uint64(clk.Now().UnixNano()),
		clock:  clk,
	}

	var err error
	m.manifestTopic, err = m.pubsub.Join(ManifestPubSubTopicName, pubsub.WithTopicMessageIdFn(pubsub.DefaultMsgIdFn))
	if err != nil {
		return nil, fmt.Errorf("could not join on pubsub topic: %s: %w", ManifestPubSubTopicName, err)
	}
	return m, nil
}

func (m *ManifestSender) SenderID() peer.ID {
	return m.h.ID()
}

func (m *ManifestSender) PeerInfo() peer.AddrInfo {
	return m.h.Peerstore().PeerInfo(m.h.ID())
}

// Run publishes the manifest every interval until ctx is cancelled.
func (m *ManifestSender) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		select {
		case <-ticker.C:
			if err := m.publishManifest(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("error publishing manifest: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (m *ManifestSender) publishManifest(ctx context.Context) (_err error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	defer func() { recordSenderPublishManifest(ctx, _err) }()

	update := ManifestUpdateMessage{MessageSequence: m.msgSeq}
	if !m.paused {
		update.Manifest = m.manifest
	}
	b, err := update.Marshal()
	if err != nil {
		return err
	}
	recordSenderManifestInfo(ctx, m.msgSeq, update.Manifest)
	return m.manifestTopic.Publish(ctx, b)
}

// UpdateManifest replaces the published manifest and resumes publication if
// paused. It takes effect at the next tick.
func (m *ManifestSender) UpdateManifest(manifest *Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	m.manifest = manifest
	m.msgSeq++
	m.paused = false
	metrics.senderManifestUpdated.Add(context.Background(), 1)
	return nil
}

// Pause publishes a nil manifest, pausing consensus on every follower.
func (m *ManifestSender) Pause() {
	m.lk.Lock()
	defer m.lk.Unlock()
	if !m.paused {
		m.paused = true
		m.msgSeq++
	}
}

func (m *ManifestSender) Resume() {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.paused {
		m.paused = false
		m.msgSeq++
	}
}

// Close leaves the manifest topic.
func (m *ManifestSender) Close() error {
	return m.manifestTopic.Close()
}
