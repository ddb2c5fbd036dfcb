package manifest

import (
	"context"

	"github.com/knhk/go-bft/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter   = otel.Meter("bft/manifest")
	metrics = struct {
		senderManifestPublished       metric.Int64Counter
		senderManifestUpdated         metric.Int64Counter
		senderManifestInfoPaused      metric.Int64Gauge
		senderManifestInfoValidators  metric.Int64Gauge
		senderManifestInfoSequenceNum metric.Int64Gauge
		providerUpdates               metric.Int64Counter
		validatedUpdates              metric.Int64Counter
	}{
		senderManifestPublished: measurements.Must(meter.Int64Counter("bft_manifest_sender_published",
			metric.WithDescription("Number of times manifest sender has published a manifest."))),
		senderManifestUpdated: measurements.Must(meter.Int64Counter("bft_manifest_sender_updated",
			metric.WithDescription("Number of times the manifest known by the sender has been updated."))),
		senderManifestInfoPaused: measurements.Must(meter.Int64Gauge("bft_manifest_sender_manifest_info_paused",
			metric.WithDescription("Whether the sender is publishing a pause."))),
		senderManifestInfoValidators: measurements.Must(meter.Int64Gauge("bft_manifest_sender_manifest_info_validators",
			metric.WithDescription("Number of validators in the sender's latest manifest."))),
		senderManifestInfoSequenceNum: measurements.Must(meter.Int64Gauge("bft_manifest_sender_manifest_info_seq_num",
			metric.WithDescription("Sender's latest manifest sequence number."))),
		providerUpdates: measurements.Must(meter.Int64Counter("bft_manifest_provider_updates",
			metric.WithDescription("Number of manifest updates accepted by the dynamic provider."))),
		validatedUpdates: measurements.Must(meter.Int64Counter("bft_manifest_provider_validated",
			metric.WithDescription("Number of manifest update messages validated, by result."))),
	}

	attrStatusSuccess = attribute.String("status", "success")
	attrStatusFailure = attribute.String("status", "failure")
	attrPaused        = attribute.Key("paused")
)

func recordSenderPublishManifest(ctx context.Context, err error) {
	if err != nil {
		metrics.senderManifestPublished.Add(ctx, 1, metric.WithAttributes(attrStatusFailure))
	} else {
		metrics.senderManifestPublished.Add(ctx, 1, metric.WithAttributes(attrStatusSuccess))
	}
}

func recordSenderManifestInfo(ctx context.Context, seq uint64, manifest *Manifest) {
	if manifest == nil {
		metrics.senderManifestInfoPaused.Record(ctx, 1)
		return
	}
	attrs := metric.WithAttributes(attribute.String("network", string(manifest.NetworkName)))
	metrics.senderManifestInfoPaused.Record(ctx, 0, attrs)
	metrics.senderManifestInfoValidators.Record(ctx, int64(len(manifest.Validators)), attrs)
	metrics.senderManifestInfoSequenceNum.Record(ctx, int64(seq), attrs)
}
