package pbft

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var attrMessageType = attribute.Key("type")

var meter = otel.Meter("bft/pbft")

var metrics = struct {
	proposals     metric.Int64Counter
	executed      metric.Int64Counter
	viewChanges   metric.Int64Counter
	messages      metric.Int64Counter
	rejected      metric.Int64Counter
	commitLatency metric.Float64Histogram
	lastExecuted  metric.Int64Gauge
}{
	proposals: measurements.Must(meter.Int64Counter("bft_pbft_proposals",
		metric.WithDescription("Number of proposals by outcome."))),
	executed: measurements.Must(meter.Int64Counter("bft_pbft_executed_blocks",
		metric.WithDescription("Number of blocks executed."))),
	viewChanges: measurements.Must(meter.Int64Counter("bft_pbft_view_changes",
		metric.WithDescription("Number of views installed after a view change."))),
	messages: measurements.Must(meter.Int64Counter("bft_pbft_messages_received",
		metric.WithDescription("Number of messages received by type."))),
	rejected: measurements.Must(meter.Int64Counter("bft_pbft_messages_rejected",
		metric.WithDescription("Number of received messages rejected."))),
	commitLatency: measurements.Must(meter.Float64Histogram("bft_pbft_commit_latency",
		metric.WithDescription("Time from pre-prepare to execution on the primary in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0))),
	lastExecuted: measurements.Must(meter.Int64Gauge("bft_pbft_last_executed",
		metric.WithDescription("Sequence number of the last executed block."))),
}
