// Package replica wires one consensus participant: its validator set, fault
// detector, committed block store and the protocol selected by the manifest.
package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/certstore"
	"github.com/knhk/go-bft/fault"
	"github.com/knhk/go-bft/hotstuff"
	"github.com/knhk/go-bft/manifest"
	"github.com/knhk/go-bft/pbft"
	"github.com/knhk/go-bft/validators"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("bft/replica")

// ErrNotRunning is returned by operations that need a running protocol while
// the replica is stopped, paused, or not a member of the current membership.
var ErrNotRunning = errors.New("replica is not running")

// protocol is the capability the replica needs from a consensus protocol.
type protocol interface {
	bft.Consensus
	AwaitProposal()
}

// quarantiner is implemented by networks that can stop delivering messages
// from a participant, such as p2pnet.Network.
type quarantiner interface {
	MarkByzantine(bft.NodeID)
}

// Replica is one participant of a cluster.
type Replica struct {
	*options

	self       bft.NodeID
	network    bft.Network
	validators *validators.Set
	detector   *fault.Detector
	store      *certstore.Store

	runningCtx context.Context
	cancelCtx  context.CancelFunc
	errgrp     *errgroup.Group

	mu       sync.Mutex
	manifest *manifest.Manifest
	runner   *runner
	started  bool
}

// New builds a replica for participant self of the cluster described by m.
// Committed blocks are stored in ds under the manifest's datastore prefix; a
// replica reopened on the same datastore continues the stored chain.
// The context is used for initialisation only.
func New(ctx context.Context, m *manifest.Manifest, self bft.NodeID, network bft.Network, ds datastore.Datastore, o ...Option) (*Replica, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	switch {
	case network == nil:
		return nil, bft.Configuration("network must be set")
	case ds == nil:
		return nil, bft.Configuration("datastore must be set")
	}
	if err := m.Validate(); err != nil {
		return nil, bft.Configuration("%v", err)
	}
	if !slices.Contains(m.NodeIDs(), self) {
		return nil, bft.Configuration("%s is not a validator of %s", self, m.NetworkName)
	}

	set, err := validators.NewSet(m.ValidatorSet.Max, m.ValidatorSet.Min,
		validators.WithClock(opts.clock),
		validators.WithInactivityTimeout(m.ValidatorSet.InactivityTimeout))
	if err != nil {
		return nil, err
	}
	for _, v := range m.Validators {
		if err := set.AddValidator(validators.Info{NodeID: v.ID, PublicKey: v.PublicKey}); err != nil {
			return nil, err
		}
	}
	detector, err := fault.NewDetector(len(m.Validators),
		fault.WithClock(opts.clock),
		fault.WithSeenMessagesCacheSize(m.Fault.SeenMessagesCacheSize))
	if err != nil {
		return nil, err
	}
	store, err := certstore.NewStore(ctx, namespace.Wrap(ds, m.DatastorePrefix()))
	if err != nil {
		return nil, fmt.Errorf("failed to open certstore: %w", err)
	}

	runningCtx, cancel := context.WithCancel(context.Background())
	errgrp, runningCtx := errgroup.WithContext(runningCtx)
	return &Replica{
		options:    opts,
		self:       self,
		network:    network,
		validators: set,
		detector:   detector,
		store:      store,
		runningCtx: runningCtx,
		cancelCtx:  cancel,
		errgrp:     errgrp,
		manifest:   m,
	}, nil
}

// Start runs the protocol and the fault policy in the background until Stop.
// With a manifest provider, the replica also reconfigures on every manifest
// update.
func (r *Replica) Start(startCtx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("replica already started")
	}
	r.started = true
	r.mu.Unlock()

	r.errgrp.Go(func() error {
		r.enforceFaultPolicy()
		return nil
	})

	if r.manifestProvider == nil {
		return r.reconfigure(startCtx, r.Manifest())
	}
	if err := r.manifestProvider.Start(startCtx); err != nil {
		return err
	}
	// Apply an initial manifest immediately if one is available, so that the
	// replica is fully started when Start returns.
	select {
	case update := <-r.manifestProvider.ManifestUpdates():
		if err := r.reconfigure(startCtx, update); err != nil {
			return fmt.Errorf("failed to apply initial manifest: %w", err)
		}
	default:
		if err := r.reconfigure(startCtx, r.Manifest()); err != nil {
			return err
		}
	}
	r.errgrp.Go(func() error {
		for {
			select {
			case <-r.runningCtx.Done():
				return nil
			case update := <-r.manifestProvider.ManifestUpdates():
				if err := r.reconfigure(r.runningCtx, update); err != nil {
					log.Errorw("failed to apply manifest update", "node", r.self, "err", err)
				}
			}
		}
	})
	return nil
}

// Stop halts the protocol, the fault policy and the manifest provider.
func (r *Replica) Stop(stopCtx context.Context) error {
	r.cancelCtx()
	r.mu.Lock()
	r.stopRunnerLocked()
	r.mu.Unlock()

	var providerErr error
	if r.manifestProvider != nil {
		providerErr = r.manifestProvider.Stop(stopCtx)
	}
	return multierr.Combine(r.errgrp.Wait(), providerErr)
}

// Propose asks the cluster to agree on decisions. It refuses once the
// detector has seen more faulty replicas than the cluster tolerates.
func (r *Replica) Propose(ctx context.Context, decisions []bft.Decision) (*bft.CommittedBlock, error) {
	if !r.detector.IsSystemSafe() {
		summary := r.detector.Summary()
		metrics.refused.Add(ctx, 1)
		return nil, bft.ByzantineNodeDetected("system is unsafe: %d faulty replicas, at most %d tolerated",
			len(summary.FaultyReplicas), summary.MaxTolerableFaults)
	}
	run := r.currentRunner()
	if run == nil {
		return nil, ErrNotRunning
	}
	block, err := run.protocol.Propose(ctx, decisions)
	if err != nil {
		return nil, err
	}
	return run.sink.translate(block), nil
}

// AwaitProposal tells the running protocol that a proposal is expected, so
// that a silent leader is replaced after the protocol timeout.
func (r *Replica) AwaitProposal() error {
	run := r.currentRunner()
	if run == nil {
		return ErrNotRunning
	}
	run.protocol.AwaitProposal()
	return nil
}

func (r *Replica) currentRunner() *runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runner
}

// IsRunning reports whether a protocol instance is running.
func (r *Replica) IsRunning() bool { return r.currentRunner() != nil }

// CurrentView returns the view of the running protocol, or zero when it is not
// running.
func (r *Replica) CurrentView() bft.ViewNumber {
	if run := r.currentRunner(); run != nil {
		return run.protocol.CurrentView()
	}
	return 0
}

// Leader returns the leader of the current view of the running protocol, or
// bft.UndefNodeID when it is not running.
func (r *Replica) Leader() bft.NodeID {
	if run := r.currentRunner(); run != nil {
		return bft.Leader(run.protocol.CurrentView(), run.members)
	}
	return bft.UndefNodeID
}

// Members returns the membership the running protocol agrees over.
func (r *Replica) Members() []bft.NodeID {
	if run := r.currentRunner(); run != nil {
		return slices.Clone(run.members)
	}
	return nil
}

func (r *Replica) Self() bft.NodeID { return r.self }

func (r *Replica) Manifest() *manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// DetectByzantineNodes returns the participants the network regards as
// byzantine.
func (r *Replica) DetectByzantineNodes() []bft.NodeID { return r.network.ByzantineNodes() }

func (r *Replica) HealthStatus() validators.HealthStatus { return r.validators.HealthStatus() }

func (r *Replica) FaultSummary() fault.Summary { return r.detector.Summary() }

func (r *Replica) Validators() *validators.Set { return r.validators }

func (r *Replica) Detector() *fault.Detector { return r.detector }

func (r *Replica) Store() *certstore.Store { return r.store }

// Committed returns every stored block in height order.
func (r *Replica) Committed(ctx context.Context) ([]*bft.CommittedBlock, error) {
	latest := r.store.Latest()
	if latest == nil {
		return nil, nil
	}
	first, err := r.store.First(ctx)
	if err != nil {
		return nil, err
	}
	return r.store.GetRange(ctx, first.Height, latest.Height)
}

// Rotate rotates the validator set and restarts the protocol if the active
// membership changed.
func (r *Replica) Rotate(ctx context.Context, candidates []validators.Info) (validators.Rotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rotation := r.validators.RotateValidators(candidates)
	if !r.started || (r.runner != nil && slices.Equal(r.runner.members, r.validators.ActiveIDs())) {
		return rotation, nil
	}
	return rotation, r.restartLocked(ctx)
}

// Reconfigure applies a new manifest of the same network and protocol: the
// validator set is brought in line with it and the protocol restarted if the
// membership or consensus parameters changed. A nil manifest pauses the
// replica until the next one.
func (r *Replica) Reconfigure(ctx context.Context, m *manifest.Manifest) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotRunning
	}
	return r.reconfigure(ctx, m)
}

func (r *Replica) reconfigure(ctx context.Context, m *manifest.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m == nil {
		if r.runner != nil {
			log.Infow("pausing consensus", "node", r.self)
		}
		r.stopRunnerLocked()
		return nil
	}
	if err := m.Validate(); err != nil {
		return bft.Configuration("%v", err)
	}
	switch {
	case m.NetworkName != r.manifest.NetworkName:
		return bft.Configuration("cannot switch network from %s to %s", r.manifest.NetworkName, m.NetworkName)
	case m.Protocol != r.manifest.Protocol:
		return bft.Configuration("cannot switch protocol from %s to %s", r.manifest.Protocol, m.Protocol)
	}

	changed := r.runner == nil || r.manifest.Consensus != m.Consensus
	if err := r.syncValidatorsLocked(m); err != nil {
		return err
	}
	r.manifest = m
	if !changed && slices.Equal(r.runner.members, r.validators.ActiveIDs()) {
		return nil
	}
	return r.restartLocked(ctx)
}

// syncValidatorsLocked adds the validators of m missing from the set, then
// removes those m no longer lists.
func (r *Replica) syncValidatorsLocked(m *manifest.Manifest) error {
	wanted := make(map[bft.NodeID]struct{}, len(m.Validators))
	for _, v := range m.Validators {
		wanted[v.ID] = struct{}{}
		if _, found := r.validators.Get(v.ID); found {
			continue
		}
		if err := r.validators.AddValidator(validators.Info{NodeID: v.ID, PublicKey: v.PublicKey}); err != nil {
			return err
		}
	}
	for _, info := range r.validators.Validators() {
		if _, keep := wanted[info.NodeID]; keep {
			continue
		}
		if err := r.validators.RemoveValidator(info.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// restartLocked replaces the running protocol with one over the current
// active membership. A replica that is no longer an active member stays
// stopped.
func (r *Replica) restartLocked(ctx context.Context) error {
	r.stopRunnerLocked()
	members := r.validators.ActiveIDs()
	if !slices.Contains(members, r.self) {
		log.Warnw("not an active validator, consensus stays stopped", "node", r.self, "members", members)
		return nil
	}
	run, err := r.newRunner(members)
	if err != nil {
		return err
	}
	r.detector.SetTotalReplicas(len(members))
	r.detector.ForgetObservations()
	r.runner = run
	run.start(r.runningCtx)
	metrics.restarts.Add(ctx, 1)
	log.Infow("started consensus", "node", r.self, "protocol", r.manifest.Protocol, "members", members,
		"baseHeight", run.sink.baseHeight)
	return nil
}

func (r *Replica) stopRunnerLocked() {
	if r.runner == nil {
		return
	}
	if err := r.runner.stop(); err != nil {
		log.Errorw("protocol exited with error", "node", r.self, "err", err)
	}
	r.runner = nil
}

func (r *Replica) newRunner(members []bft.NodeID) (*runner, error) {
	sink := newEpochSink(r.store)
	cfg := r.manifest.Consensus
	var (
		p   protocol
		err error
	)
	switch r.manifest.Protocol {
	case bft.ProtocolPBFT:
		opts := []pbft.Option{
			pbft.WithClock(r.clock),
			pbft.WithFaultDetector(r.detector),
			pbft.WithMembership(r.validators),
			pbft.WithCommitSink(sink),
			pbft.WithWindowSize(cfg.WindowSize),
		}
		if cfg.PacemakerInterval > 0 {
			opts = append(opts, pbft.WithPacemakerInterval(cfg.PacemakerInterval))
		}
		p, err = pbft.New(r.self, members, cfg.Timeout, r.network, opts...)
	case bft.ProtocolHotStuff:
		opts := []hotstuff.Option{
			hotstuff.WithClock(r.clock),
			hotstuff.WithFaultDetector(r.detector),
			hotstuff.WithMembership(r.validators),
			hotstuff.WithCommitSink(sink),
		}
		if cfg.PacemakerInterval > 0 {
			opts = append(opts, hotstuff.WithPacemakerInterval(cfg.PacemakerInterval))
		}
		p, err = hotstuff.New(r.self, members, cfg.Timeout, r.network, opts...)
	default:
		return nil, bft.Configuration("unknown protocol %q", r.manifest.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return &runner{protocol: p, members: members, sink: sink}, nil
}
