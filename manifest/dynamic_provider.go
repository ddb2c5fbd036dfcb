package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft/internal/measurements"
	"github.com/knhk/go-bft/internal/psutil"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("bft/manifest")

var _ ManifestProvider = (*DynamicManifestProvider)(nil)

const ManifestPubSubTopicName = "/bft/manifests/1"

var latestManifestKey = datastore.NewKey("latestManifest")

// ManifestUpdateMessage carries a manifest published by the manifest server.
type ManifestUpdateMessage struct {
	// MessageSequence orders updates received over the network. Updates with a
	// sequence number at or below the last applied one are discarded.
	MessageSequence uint64
	// Manifest to apply, or nil to pause consensus.
	Manifest *Manifest
}

func (m ManifestUpdateMessage) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON: %w", err)
	}
	return b, nil
}

func (m *ManifestUpdateMessage) Unmarshal(r io.Reader) error {
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}

// DynamicManifestProvider follows the manifests published over pubsub by a
// single trusted manifest server.
type DynamicManifestProvider struct {
	pubsub           *pubsub.PubSub
	ds               datastore.Datastore
	filter           func(*Manifest) error
	manifestServerID peer.ID

	runningCtx context.Context
	errgrp     *errgroup.Group
	cancel     context.CancelFunc

	initialManifest *Manifest
	manifestChanges chan *Manifest
	sequenceNumber  atomic.Uint64
}

type dynamicManifestProviderConfig DynamicManifestProvider
type DynamicManifestProviderOption func(cfg *dynamicManifestProviderConfig) error

// DynamicManifestProviderWithDatastore persists the latest accepted update so
// that a restarted provider resumes from it. If unspecified, no state is
// persisted.
func DynamicManifestProviderWithDatastore(ds datastore.Datastore) DynamicManifestProviderOption {
	return func(cfg *dynamicManifestProviderConfig) error {
		cfg.ds = ds
		return nil
	}
}

// DynamicManifestProviderWithFilter discards incoming manifests for which
// filter returns an error.
func DynamicManifestProviderWithFilter(filter func(*Manifest) error) DynamicManifestProviderOption {
	return func(cfg *dynamicManifestProviderConfig) error {
		cfg.filter = filter
		return nil
	}
}

// DynamicManifestProviderWithInitialManifest sets the manifest delivered on
// start, unless a newer one is found in the datastore.
func DynamicManifestProviderWithInitialManifest(m *Manifest) DynamicManifestProviderOption {
	return func(cfg *dynamicManifestProviderConfig) error {
		if err := m.Validate(); err != nil {
			return err
		}
		cfg.initialManifest = m
		return nil
	}
}

func NewDynamicManifestProvider(pubsub *pubsub.PubSub, manifestServerID peer.ID,
	options ...DynamicManifestProviderOption) (*DynamicManifestProvider, error) {
	if manifestServerID == "" {
		return nil, errors.New("manifest server id must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errgrp, ctx := errgroup.WithContext(ctx)

	m := &dynamicManifestProviderConfig{
		pubsub:           pubsub,
		manifestServerID: manifestServerID,
		runningCtx:       ctx,
		errgrp:           errgrp,
		cancel:           cancel,
		manifestChanges:  make(chan *Manifest, 1),
		filter:           func(*Manifest) error { return nil },
	}
	for _, opt := range options {
		if err := opt(m); err != nil {
			cancel()
			return nil, err
		}
	}
	return (*DynamicManifestProvider)(m), nil
}

func (m *DynamicManifestProvider) ManifestUpdates() <-chan *Manifest {
	return m.manifestChanges
}

func (m *DynamicManifestProvider) Stop(context.Context) error {
	m.cancel()
	return m.errgrp.Wait()
}

func (m *DynamicManifestProvider) Start(startCtx context.Context) error {
	log.Infow("starting a dynamic manifest provider", "manifestServerID", m.manifestServerID)
	if err := m.registerTopicValidator(); err != nil {
		return err
	}

	// Identify updates by content so that re-publications of the same update
	// do not cycle through the mesh.
	manifestTopic, err := m.pubsub.Join(ManifestPubSubTopicName, pubsub.WithTopicMessageIdFn(psutil.ManifestMessageIdFn))
	if err != nil {
		_ = m.unregisterTopicValidator()
		return fmt.Errorf("could not join manifest pubsub topic: %w", err)
	}
	manifestSub, err := manifestTopic.Subscribe()
	if err != nil {
		_ = manifestTopic.Close()
		_ = m.unregisterTopicValidator()
		return fmt.Errorf("subscribing to manifest pubsub topic: %w", err)
	}

	currentManifest, err := m.loadManifest(startCtx)
	if err != nil {
		manifestSub.Cancel()
		_ = manifestTopic.Close()
		_ = m.unregisterTopicValidator()
		return err
	}
	if currentManifest != nil {
		m.updateManifest(currentManifest)
	}

	m.errgrp.Go(func() (_err error) {
		defer func() {
			manifestSub.Cancel()
			err := multierr.Combine(
				manifestTopic.Close(),
				m.unregisterTopicValidator(),
			)
			// Pubsub returns context canceled if it was closed before us.
			if err != nil && !errors.Is(err, context.Canceled) {
				_err = multierr.Append(_err, err)
			}
			if _err != nil {
				log.Errorw("exited manifest subscription early", "err", _err)
			}
		}()

		for m.runningCtx.Err() == nil {
			msg, err := manifestSub.Next(m.runningCtx)
			if err != nil {
				if m.runningCtx.Err() == nil {
					return fmt.Errorf("error from manifest subscription: %w", err)
				}
				return nil
			}
			update, ok := msg.ValidatorData.(*ManifestUpdateMessage)
			if !ok {
				log.Errorw("invalid manifest validator data", "data", msg.ValidatorData)
				continue
			}
			if next, apply := m.accept(update, msg.Data, currentManifest); apply {
				currentManifest = next
				m.updateManifest(next)
			}
		}
		return nil
	})
	return nil
}

func (m *DynamicManifestProvider) loadManifest(ctx context.Context) (*Manifest, error) {
	if m.ds == nil {
		return m.initialManifest, nil
	}
	mBytes, err := m.ds.Get(ctx, latestManifestKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return m.initialManifest, nil
	} else if err != nil {
		return nil, fmt.Errorf("error while checking saved manifest: %w", err)
	}
	var update ManifestUpdateMessage
	if err := update.Unmarshal(bytes.NewReader(mBytes)); err != nil {
		return nil, fmt.Errorf("decoding saved manifest: %w", err)
	}
	m.sequenceNumber.Store(update.MessageSequence)
	if update.Manifest != nil {
		if err := update.Manifest.Validate(); err != nil {
			log.Errorw("invalid saved manifest, ignoring", "err", err)
			return m.initialManifest, nil
		}
	}
	return update.Manifest, nil
}

// accept decides whether update supersedes current, persisting it if so.
func (m *DynamicManifestProvider) accept(update *ManifestUpdateMessage, raw []byte, current *Manifest) (*Manifest, bool) {
	oldSeq := m.sequenceNumber.Load()
	if update.MessageSequence <= oldSeq {
		log.Debugw("discarded manifest update", "newSeqNo", update.MessageSequence, "oldSeqNo", oldSeq)
		return nil, false
	}
	m.sequenceNumber.Store(update.MessageSequence)

	if update.Manifest != nil {
		if err := update.Manifest.Validate(); err != nil {
			log.Errorw("received invalid manifest, discarded", "err", err)
			return nil, false
		}
		if err := m.filter(update.Manifest); err != nil {
			log.Errorw("received filtered manifest, discarded", "err", err)
			return nil, false
		}
	}
	if m.ds != nil {
		if err := m.ds.Put(m.runningCtx, latestManifestKey, raw); err != nil {
			log.Errorw("saving new manifest", "err", err)
		}
	}
	metrics.providerUpdates.Add(m.runningCtx, 1, metric.WithAttributes(attrPaused.Bool(update.Manifest == nil)))

	// A restarted manifest server re-publishes what we already run.
	if current.Equal(update.Manifest) {
		return nil, false
	}
	if update.Manifest == nil {
		log.Infow("received manifest pause", "seqNo", update.MessageSequence)
	} else {
		version, _ := update.Manifest.Version()
		log.Infow("received manifest update", "seqNo", update.MessageSequence, "version", version)
	}
	return update.Manifest, true
}

func (m *DynamicManifestProvider) updateManifest(update *Manifest) {
	drain(m.manifestChanges)
	m.manifestChanges <- update
}

func (m *DynamicManifestProvider) registerTopicValidator() error {
	var validator pubsub.ValidatorEx = func(ctx context.Context, _ peer.ID, msg *pubsub.Message) (_result pubsub.ValidationResult) {
		defer func() {
			metrics.validatedUpdates.Add(ctx, 1,
				metric.WithAttributes(measurements.AttrFromPubSubValidationResult(_result)))
		}()
		originID, err := peer.IDFromBytes(msg.From)
		if err != nil {
			log.Debugw("decoding msg.From ID", "err", err)
			return pubsub.ValidationReject
		}
		if originID != m.manifestServerID {
			log.Debugw("rejected manifest from unknown peer", "from", originID, "manifestServerID", m.manifestServerID)
			return pubsub.ValidationReject
		}

		var update ManifestUpdateMessage
		if err := update.Unmarshal(bytes.NewReader(msg.Data)); err != nil {
			log.Debugw("failed to unmarshal manifest", "from", originID, "err", err)
			return pubsub.ValidationReject
		}
		if update.MessageSequence < m.sequenceNumber.Load() {
			return pubsub.ValidationIgnore
		}
		msg.ValidatorData = &update
		return pubsub.ValidationAccept
	}

	if err := m.pubsub.RegisterTopicValidator(ManifestPubSubTopicName, validator); err != nil {
		return fmt.Errorf("registering topic validator: %w", err)
	}
	return nil
}

func (m *DynamicManifestProvider) unregisterTopicValidator() error {
	return m.pubsub.UnregisterTopicValidator(ManifestPubSubTopicName)
}
