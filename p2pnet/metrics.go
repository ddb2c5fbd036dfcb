package p2pnet

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("bft/p2pnet")

var metrics = struct {
	validatedMessages metric.Int64Counter
	validationTime    metric.Float64Histogram
	published         metric.Int64Counter
	publishedBytes    metric.Int64Counter
}{
	validatedMessages: measurements.Must(meter.Int64Counter("bft_p2pnet_validated_messages",
		metric.WithDescription("Number of inbound envelopes validated, by result."))),
	validationTime: measurements.Must(meter.Float64Histogram("bft_p2pnet_validation_time",
		metric.WithDescription("Time spent validating inbound envelopes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0))),
	published: measurements.Must(meter.Int64Counter("bft_p2pnet_published_messages",
		metric.WithDescription("Number of envelopes published, by status."))),
	publishedBytes: measurements.Must(meter.Int64Counter("bft_p2pnet_published_bytes",
		metric.WithDescription("Number of encoded bytes published."),
		metric.WithUnit("By"))),
}
