// Package validators manages cluster membership with reputation driven
// activation.
package validators

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("bft/validators")

// MinValidators is the smallest permitted lower bound of a set.
const MinValidators = 3

var _ bft.Membership = (*Set)(nil)

type entry struct {
	mu   sync.Mutex
	info Info
}

// Set is the registry of validators. It is the only component that mutates
// validator records and is safe for concurrent use: the membership map has
// its own lock and every record is guarded independently, so updates to
// different validators do not contend.
type Set struct {
	*options

	lk         sync.RWMutex
	validators map[bft.NodeID]*entry

	maxValidators int
	minValidators int
}

// NewSet creates an empty set holding between minValidators and maxValidators
// validators.
func NewSet(maxValidators, minValidators int, o ...Option) (*Set, error) {
	if minValidators > maxValidators {
		return nil, bft.InvalidValidatorSet("min validators %d exceeds max validators %d", minValidators, maxValidators)
	}
	if minValidators < MinValidators {
		return nil, bft.InvalidValidatorSet("min validators %d below %d", minValidators, MinValidators)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Set{
		options:       opts,
		validators:    make(map[bft.NodeID]*entry),
		maxValidators: maxValidators,
		minValidators: minValidators,
	}, nil
}

func (s *Set) MaxValidators() int { return s.maxValidators }
func (s *Set) MinValidators() int { return s.minValidators }

// AddValidator admits a validator. The new record is active and its join and
// activity timestamps are set to now.
func (s *Set) AddValidator(info Info) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.addLocked(info, s.clock.Now())
}

func (s *Set) addLocked(info Info, now time.Time) error {
	switch {
	case len(s.validators) >= s.maxValidators:
		return bft.InvalidValidatorSet("set full: %d validators", s.maxValidators)
	case info.NodeID == bft.UndefNodeID:
		return bft.InvalidValidatorSet("empty node id")
	case len(info.PublicKey) == 0:
		return bft.InvalidValidatorSet("empty public key for %s", info.NodeID)
	}
	if _, exists := s.validators[info.NodeID]; exists {
		return bft.InvalidValidatorSet("%s already present", info.NodeID)
	}
	info = info.clone()
	info.IsActive = true
	info.JoinedAt = now
	info.LastActivity = now
	s.validators[info.NodeID] = &entry{info: info}
	metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangeAdded))
	log.Infow("validator added", "id", info.NodeID, "size", len(s.validators))
	return nil
}

// RemoveValidator removes a validator unless doing so would leave fewer than
// the minimum number of validators.
func (s *Set) RemoveValidator(id bft.NodeID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, exists := s.validators[id]; !exists {
		return bft.InvalidValidatorSet("unknown validator %s", id)
	}
	if len(s.validators)-1 < s.minValidators {
		return bft.InvalidValidatorSet("removing %s would leave %d validators, below minimum %d",
			id, len(s.validators)-1, s.minValidators)
	}
	delete(s.validators, id)
	metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangeRemoved))
	log.Infow("validator removed", "id", id, "size", len(s.validators))
	return nil
}

// update applies fn to the record of id under the record's own lock.
func (s *Set) update(id bft.NodeID, fn func(*Info)) error {
	s.lk.RLock()
	defer s.lk.RUnlock()
	e, exists := s.validators[id]
	if !exists {
		return bft.InvalidValidatorSet("unknown validator %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.info)
	return nil
}

// MarkByzantine counts one byzantine behaviour against id and deactivates it.
func (s *Set) MarkByzantine(id bft.NodeID) error {
	return s.update(id, func(info *Info) {
		info.Metrics.ByzantineBehaviors++
		info.IsActive = false
		metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangeByzantine))
		log.Warnw("validator marked byzantine", "id", id, "behaviors", info.Metrics.ByzantineBehaviors)
	})
}

// UpdateMetrics replaces the metrics of id and touches its activity timestamp.
// An active validator whose new metrics are unhealthy is deactivated.
func (s *Set) UpdateMetrics(id bft.NodeID, m Metrics) error {
	now := s.clock.Now()
	return s.update(id, func(info *Info) {
		info.Metrics = m
		info.LastActivity = now
		s.deactivateIfUnhealthy(info)
	})
}

func (s *Set) deactivateIfUnhealthy(info *Info) {
	if info.IsActive && !info.Metrics.IsHealthy() {
		info.IsActive = false
		metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangeDeactivated))
		log.Warnw("validator deactivated", "id", info.NodeID,
			"reputation", info.Metrics.ReputationScore(), "uptime", info.Metrics.Uptime)
	}
}

// Activate re-activates a validator with healthy metrics.
func (s *Set) Activate(id bft.NodeID) error {
	var err error
	if uerr := s.update(id, func(info *Info) {
		if !info.Metrics.IsHealthy() {
			err = bft.InvalidValidatorSet("%s is not healthy", id)
			return
		}
		if !info.IsActive {
			info.IsActive = true
			metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangeActivated))
			log.Infow("validator activated", "id", id)
		}
	}); uerr != nil {
		return uerr
	}
	return err
}

// RecordValidMessage counts a valid message from id and touches its activity
// timestamp.
func (s *Set) RecordValidMessage(id bft.NodeID) error {
	now := s.clock.Now()
	return s.update(id, func(info *Info) {
		info.Metrics.ValidMessages++
		info.LastActivity = now
	})
}

// RecordInvalidSignature counts a message from id that failed authentication.
func (s *Set) RecordInvalidSignature(id bft.NodeID) error {
	return s.update(id, func(info *Info) {
		info.Metrics.InvalidSignatures++
	})
}

// RotateValidators prunes validators inactive for longer than the inactivity
// timeout, oldest first and never below the minimum, then admits as many
// candidates as fit.
func (s *Set) RotateValidators(candidates []Info) Rotation {
	s.lk.Lock()
	defer s.lk.Unlock()

	now := s.clock.Now()
	type staleEntry struct {
		id           bft.NodeID
		lastActivity time.Time
	}
	var stale []staleEntry
	for id, e := range s.validators {
		e.mu.Lock()
		last := e.info.LastActivity
		e.mu.Unlock()
		if now.Sub(last) > s.inactivityTimeout {
			stale = append(stale, staleEntry{id: id, lastActivity: last})
		}
	}
	slices.SortFunc(stale, func(a, b staleEntry) int {
		if c := a.lastActivity.Compare(b.lastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	var rotation Rotation
	for _, candidate := range stale {
		if len(s.validators)-1 < s.minValidators {
			log.Debugw("skipping prune of inactive validators at minimum size", "remaining", len(stale)-len(rotation.Removed))
			break
		}
		delete(s.validators, candidate.id)
		rotation.Removed = append(rotation.Removed, candidate.id)
		metrics.changes.Add(context.Background(), 1, metric.WithAttributes(attrChangePruned))
	}
	for _, info := range candidates {
		if err := s.addLocked(info, now); err != nil {
			rotation.Rejected = append(rotation.Rejected, Rejection{NodeID: info.NodeID, Err: err})
			continue
		}
		rotation.Added = append(rotation.Added, info.NodeID)
	}
	log.Infow("validators rotated", "removed", rotation.Removed, "added", rotation.Added,
		"rejected", len(rotation.Rejected), "size", len(s.validators))
	return rotation
}

// snapshot returns copies of every record, sorted by id.
func (s *Set) snapshot() []Info {
	s.lk.RLock()
	defer s.lk.RUnlock()
	infos := make([]Info, 0, len(s.validators))
	for _, e := range s.validators {
		e.mu.Lock()
		infos = append(infos, e.info.clone())
		e.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.NodeID, b.NodeID) })
	return infos
}

// IdentifyByzantine returns the validators with at least one byzantine
// behaviour, in ascending order.
func (s *Set) IdentifyByzantine() []bft.NodeID {
	var ids []bft.NodeID
	for _, info := range s.snapshot() {
		if info.Metrics.ByzantineBehaviors > 0 {
			ids = append(ids, info.NodeID)
		}
	}
	return ids
}

// ActiveIDs returns the active validators in ascending order.
func (s *Set) ActiveIDs() []bft.NodeID {
	var ids []bft.NodeID
	for _, info := range s.snapshot() {
		if info.IsActive {
			ids = append(ids, info.NodeID)
		}
	}
	return ids
}

// Validators returns a copy of every record in ascending id order.
func (s *Set) Validators() []Info { return s.snapshot() }

func (s *Set) ActiveValidatorCount() int { return len(s.ActiveIDs()) }

// IsHealthy reports whether enough validators are active.
func (s *Set) IsHealthy() bool { return s.ActiveValidatorCount() >= s.minValidators }

func (s *Set) HealthStatus() HealthStatus {
	var status HealthStatus
	for _, info := range s.snapshot() {
		status.Total++
		if info.IsActive {
			status.Active++
		}
		if info.Metrics.ByzantineBehaviors > 0 {
			status.Byzantine++
		}
	}
	status.Healthy = status.Active >= s.minValidators
	return status
}

// Get returns a copy of the record of id.
func (s *Set) Get(id bft.NodeID) (Info, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	e, exists := s.validators[id]
	if !exists {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.clone(), true
}

func (s *Set) IsActive(id bft.NodeID) bool {
	info, ok := s.Get(id)
	return ok && info.IsActive
}

func (s *Set) Size() int {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return len(s.validators)
}

// QuorumSize returns the quorum over the active validators.
func (s *Set) QuorumSize() int { return bft.QuorumSize(s.ActiveValidatorCount()) }
