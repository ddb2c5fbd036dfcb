package replica

import (
	"github.com/knhk/go-bft/fault"
	"go.opentelemetry.io/otel/metric"
)

// enforceFaultPolicy applies every fault report, in order, until the replica
// stops. The subscription only signals that reports exist; they are read from
// the detector so that none is missed if the subscription is dropped.
func (r *Replica) enforceFaultPolicy() {
	reports := make(chan *fault.Report, r.reportBufferSize)
	_, closer := r.detector.Subscribe(reports)
	defer func() { closer() }()

	var applied int
	for {
		all := r.detector.Reports()
		if applied > len(all) {
			// The detector was reset.
			applied = 0
		}
		for _, report := range all[applied:] {
			r.applyFaultPolicy(report)
		}
		applied = len(all)

		select {
		case <-r.runningCtx.Done():
			return
		case _, ok := <-reports:
			if !ok {
				// Dropped for falling behind; the next pass catches up.
				reports = make(chan *fault.Report, r.reportBufferSize)
				_, closer = r.detector.Subscribe(reports)
			}
		}
	}
}

// applyFaultPolicy acts on a single report. Definitive faults other than
// authentication quarantine the replica; authentication faults count against
// its reputation.
func (r *Replica) applyFaultPolicy(report *fault.Report) {
	if report.Replica == r.self {
		return
	}
	switch report.Type {
	case fault.Equivocation, fault.Logical:
		if err := r.validators.MarkByzantine(report.Replica); err != nil {
			log.Debugw("cannot mark replica byzantine", "node", r.self, "replica", report.Replica, "err", err)
		}
		if q, ok := r.network.(quarantiner); ok {
			q.MarkByzantine(report.Replica)
		}
		metrics.policyActions.Add(r.runningCtx, 1, metric.WithAttributes(attrActionQuarantine))
		log.Warnw("quarantined replica", "node", r.self, "report", report)
	case fault.Authentication:
		if err := r.validators.RecordInvalidSignature(report.Replica); err != nil {
			log.Debugw("cannot record invalid signature", "node", r.self, "replica", report.Replica, "err", err)
		}
		metrics.policyActions.Add(r.runningCtx, 1, metric.WithAttributes(attrActionInvalidSignature))
	default:
		metrics.policyActions.Add(r.runningCtx, 1, metric.WithAttributes(attrActionObserve))
		log.Infow("observed fault", "node", r.self, "report", report)
	}
}
