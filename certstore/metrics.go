package certstore

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("bft/certstore")
var metrics = struct {
	latestHeight metric.Int64Gauge
}{
	latestHeight: measurements.Must(meter.Int64Gauge("bft_certstore_latest_height", metric.WithDescription("The latest block height available in certstore."))),
}
