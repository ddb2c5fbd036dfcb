package hotstuff

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var attrMessageType = attribute.Key("type")

var meter = otel.Meter("bft/hotstuff")

var metrics = struct {
	proposals       metric.Int64Counter
	certified       metric.Int64Counter
	commits         metric.Int64Counter
	viewChanges     metric.Int64Counter
	messages        metric.Int64Counter
	rejected        metric.Int64Counter
	emptyBlocks     metric.Int64Counter
	certifyLatency  metric.Float64Histogram
	commitLatency   metric.Float64Histogram
	committedHeight metric.Int64Gauge
}{
	proposals: measurements.Must(meter.Int64Counter("bft_hotstuff_proposals",
		metric.WithDescription("Number of proposals by outcome."))),
	certified: measurements.Must(meter.Int64Counter("bft_hotstuff_certified_blocks",
		metric.WithDescription("Number of quorum certificates applied."))),
	commits: measurements.Must(meter.Int64Counter("bft_hotstuff_committed_blocks",
		metric.WithDescription("Number of blocks committed by the three-chain rule."))),
	viewChanges: measurements.Must(meter.Int64Counter("bft_hotstuff_view_changes",
		metric.WithDescription("Number of views abandoned after a quorum of timeouts."))),
	messages: measurements.Must(meter.Int64Counter("bft_hotstuff_messages_received",
		metric.WithDescription("Number of messages received by type."))),
	rejected: measurements.Must(meter.Int64Counter("bft_hotstuff_messages_rejected",
		metric.WithDescription("Number of received messages rejected."))),
	emptyBlocks: measurements.Must(meter.Int64Counter("bft_hotstuff_empty_blocks",
		metric.WithDescription("Number of empty blocks proposed to commit pending decisions."))),
	certifyLatency: measurements.Must(meter.Float64Histogram("bft_hotstuff_certify_latency",
		metric.WithDescription("Time from proposal to quorum certificate in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0))),
	commitLatency: measurements.Must(meter.Float64Histogram("bft_hotstuff_commit_latency",
		metric.WithDescription("Time from proposal to commit in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0))),
	committedHeight: measurements.Must(meter.Int64Gauge("bft_hotstuff_committed_height",
		metric.WithDescription("Height of the newest committed block."))),
}
