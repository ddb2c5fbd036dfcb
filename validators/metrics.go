package validators

import (
	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrChangeKey = attribute.Key("change")

	attrChangeAdded       = attrChangeKey.String("added")
	attrChangeRemoved     = attrChangeKey.String("removed")
	attrChangePruned      = attrChangeKey.String("pruned")
	attrChangeByzantine   = attrChangeKey.String("byzantine")
	attrChangeDeactivated = attrChangeKey.String("deactivated")
	attrChangeActivated   = attrChangeKey.String("activated")
)

var meter = otel.Meter("bft/validators")

var metrics = struct {
	changes metric.Int64Counter
}{
	changes: measurements.Must(meter.Int64Counter("bft_validators_changes",
		metric.WithDescription("Number of validator membership and activity changes."))),
}
