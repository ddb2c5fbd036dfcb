// Package fault classifies evidence of misbehaviour into fault reports and
// tracks which replicas are suspected of being byzantine.
//
// The detector never halts consensus on its own. Callers read Summary or
// IsSystemSafe and decide what to do.
package fault

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Kubuxu/go-broadcast"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("bft/fault")

const (
	equivocationSeverity = 9

	silentSevereAfter   = 10 * time.Second
	silentModerateAfter = 5 * time.Second
)

type slotKey struct {
	replica bft.NodeID
	slot    string
}

// Detector keeps an append-only log of fault reports. It is safe for
// concurrent use.
type Detector struct {
	*options

	// pubLk serialises publication so subscribers see reports in log order
	// without holding lk while delivering.
	pubLk sync.Mutex
	lk    sync.RWMutex

	totalReplicas int
	reports       []*Report
	faulty        []bft.NodeID
	faultySet     map[bft.NodeID]struct{}
	suspected     []bft.NodeID
	suspectedSet  map[bft.NodeID]struct{}

	seen      *lru.Cache[slotKey, []byte]
	reportBus broadcast.Channel[*Report]
}

// NewDetector creates a detector for a cluster of totalReplicas replicas.
func NewDetector(totalReplicas int, o ...Option) (*Detector, error) {
	if totalReplicas < 0 {
		return nil, bft.Configuration("total replicas must not be negative: %d", totalReplicas)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[slotKey, []byte](opts.seenMessagesCacheSize)
	if err != nil {
		return nil, err
	}
	return &Detector{
		options:       opts,
		totalReplicas: totalReplicas,
		faultySet:     make(map[bft.NodeID]struct{}),
		suspectedSet:  make(map[bft.NodeID]struct{}),
		seen:          seen,
	}, nil
}

// DetectEquivocation compares two messages sent by replica for the same
// logical slot. Differing messages produce an equivocation report and suspect
// the replica; identical messages produce nothing and nil is returned.
func (d *Detector) DetectEquivocation(replica bft.NodeID, msg1, msg2 []byte) *Report {
	if bytes.Equal(msg1, msg2) {
		return nil
	}
	evidence := make([]byte, 0, len(msg1)+len(msg2)+1)
	evidence = append(evidence, msg1...)
	evidence = append(evidence, '|')
	evidence = append(evidence, msg2...)
	return d.record(replica, Equivocation, evidence, equivocationSeverity)
}

// DetectSilentFault reports that replica did not send an expected message
// within timeout. It always produces a report.
func (d *Detector) DetectSilentFault(replica bft.NodeID, timeout time.Duration) *Report {
	var severity int
	switch {
	case timeout > silentSevereAfter:
		severity = 8
	case timeout >= silentModerateAfter:
		severity = 6
	default:
		severity = 5
	}
	evidence := fmt.Sprintf("%d silent for %dms", uint64(replica), timeout.Milliseconds())
	return d.record(replica, Silent, []byte(evidence), severity)
}

// DetectOrderingFault reports a message from replica that carried sequence
// actual where expected was due. Equal sequences produce nothing and nil is
// returned.
func (d *Detector) DetectOrderingFault(replica bft.NodeID, expected, actual uint64) *Report {
	if expected == actual {
		return nil
	}
	gap := max(expected, actual) - min(expected, actual)
	var severity int
	switch {
	case gap > 100:
		severity = 8
	case gap > 10:
		severity = 7
	default:
		severity = 6
	}
	evidence := fmt.Sprintf("expected %d got %d gap %d", expected, actual, gap)
	return d.record(replica, Ordering, []byte(evidence), severity)
}

// Record appends a report of the given type. Severity is clamped to
// [MinSeverity, MaxSeverity].
func (d *Detector) Record(replica bft.NodeID, typ Type, evidence []byte, severity int) *Report {
	return d.record(replica, typ, slices.Clone(evidence), severity)
}

// Observe remembers the first message seen from replica for slot. A later
// different message for the same slot is reported as equivocation.
//
// Only a bounded number of slots are remembered; the least recently added
// ones are forgotten first.
func (d *Detector) Observe(replica bft.NodeID, slot string, msg []byte) *Report {
	metrics.observed.Add(context.Background(), 1)
	key := slotKey{replica: replica, slot: slot}
	previous, found, _ := d.seen.PeekOrAdd(key, slices.Clone(msg))
	if !found {
		return nil
	}
	return d.DetectEquivocation(replica, previous, msg)
}

func (d *Detector) record(replica bft.NodeID, typ Type, evidence []byte, severity int) *Report {
	report := &Report{
		Replica:   replica,
		Type:      typ,
		Evidence:  evidence,
		Timestamp: d.clock.Now(),
		Severity:  clampSeverity(severity),
	}

	d.pubLk.Lock()
	defer d.pubLk.Unlock()

	d.lk.Lock()
	d.reports = append(d.reports, report)
	if _, ok := d.faultySet[replica]; !ok {
		d.faultySet[replica] = struct{}{}
		d.faulty = append(d.faulty, replica)
	}
	newlySuspected := false
	if typ.Definitive() {
		if _, ok := d.suspectedSet[replica]; !ok {
			d.suspectedSet[replica] = struct{}{}
			d.suspected = append(d.suspected, replica)
			newlySuspected = true
		}
	}
	d.lk.Unlock()

	metrics.reports.Add(context.Background(), 1,
		metric.WithAttributes(attrFaultType.String(typ.String()), attrSuspected.Bool(newlySuspected)))
	metrics.severity.Record(context.Background(), int64(report.Severity),
		metric.WithAttributes(attrFaultType.String(typ.String())))
	log.Warnw("fault detected", "replica", replica, "type", typ, "severity", report.Severity, "suspected", newlySuspected)

	d.reportBus.Publish(report)
	return report
}

// Reports returns a copy of the fault log in insertion order.
func (d *Detector) Reports() []*Report {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return slices.Clone(d.reports)
}

// FaultyReplicas returns the distinct replicas appearing in the fault log, in
// the order they were first reported.
func (d *Detector) FaultyReplicas() []bft.NodeID {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return slices.Clone(d.faulty)
}

// Suspected returns the replicas suspected of being byzantine, in the order
// they became suspected.
func (d *Detector) Suspected() []bft.NodeID {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return slices.Clone(d.suspected)
}

func (d *Detector) IsSuspected(replica bft.NodeID) bool {
	d.lk.RLock()
	defer d.lk.RUnlock()
	_, ok := d.suspectedSet[replica]
	return ok
}

// IsSystemSafe reports whether the number of faulty replicas is within the
// tolerance of the cluster.
func (d *Detector) IsSystemSafe() bool {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return len(d.faulty) <= bft.MaxByzantine(d.totalReplicas)
}

func (d *Detector) Summary() Summary {
	d.lk.RLock()
	defer d.lk.RUnlock()
	maxFaults := bft.MaxByzantine(d.totalReplicas)
	return Summary{
		TotalReplicas:      d.totalReplicas,
		FaultyReplicas:     slices.Clone(d.faulty),
		TotalFaults:        len(d.reports),
		SystemSafe:         len(d.faulty) <= maxFaults,
		MaxTolerableFaults: maxFaults,
	}
}

// SetTotalReplicas updates the cluster size used for the safety bound, for
// example after a validator rotation.
func (d *Detector) SetTotalReplicas(n int) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.totalReplicas = max(n, 0)
}

// Reset clears the log, the suspected set and every remembered slot.
func (d *Detector) Reset() {
	d.pubLk.Lock()
	defer d.pubLk.Unlock()
	d.lk.Lock()
	defer d.lk.Unlock()
	d.reports = nil
	d.faulty = nil
	d.suspected = nil
	clear(d.faultySet)
	clear(d.suspectedSet)
	d.seen.Purge()
	log.Infow("fault detector reset", "totalReplicas", d.totalReplicas)
}

// ForgetObservations clears the message remembered for every slot, keeping the
// fault log. Use it when slot names start over, as they do when a protocol is
// restarted on a new membership.
func (d *Detector) ForgetObservations() {
	d.seen.Purge()
}

// Subscribe delivers every report recorded after the call to ch. It returns the
// latest report recorded so far, which may be nil, and a function that ends the
// subscription.
//
// Passing the same channel more than once panics. A subscriber whose channel is
// full when a report is published is dropped and its channel closed.
func (d *Detector) Subscribe(ch chan<- *Report) (last *Report, closer func()) {
	return d.reportBus.Subscribe(ch)
}
