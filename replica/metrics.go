package replica

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("bft/replica")

var (
	attrAction = attribute.Key("action")

	attrActionQuarantine       = attrAction.String("quarantine")
	attrActionInvalidSignature = attrAction.String("invalid-signature")
	attrActionObserve          = attrAction.String("observe")
)

var metrics = struct {
	restarts      metric.Int64Counter
	policyActions metric.Int64Counter
	refused       metric.Int64Counter
}{
	restarts: measurements.Must(meter.Int64Counter("bft_replica_protocol_restarts",
		metric.WithDescription("Number of times the protocol was restarted on a new membership."))),
	policyActions: measurements.Must(meter.Int64Counter("bft_replica_fault_policy_actions",
		metric.WithDescription("Number of fault reports acted upon, by action."))),
	refused: measurements.Must(meter.Int64Counter("bft_replica_refused_proposals",
		metric.WithDescription("Number of proposals refused because the system is unsafe."))),
}
