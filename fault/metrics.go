package fault

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrFaultType = attribute.Key("type")
	attrSuspected = attribute.Key("suspected")
)

var meter = otel.Meter("bft/fault")

var metrics = struct {
	reports  metric.Int64Counter
	severity metric.Int64Histogram
	observed metric.Int64Counter
}{
	reports: measurements.Must(meter.Int64Counter("bft_fault_reports",
		metric.WithDescription("Number of fault reports recorded by type."))),
	severity: measurements.Must(meter.Int64Histogram("bft_fault_severity",
		metric.WithDescription("Severity of recorded fault reports."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))),
	observed: measurements.Must(meter.Int64Counter("bft_fault_observed_messages",
		metric.WithDescription("Number of messages checked for equivocation."))),
}
