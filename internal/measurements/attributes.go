package measurements

import (
	"context"
	"errors"

	"github.com/ipfs/go-datastore"
	"github.com/knhk/go-bft"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.opentelemetry.io/otel/attribute"
)

var (
	AttrStatusSuccess          = attribute.String("status", "success")
	AttrStatusError            = attribute.String("status", "error-other")
	AttrStatusCanceled         = attribute.String("status", "error-canceled")
	AttrStatusTimeout          = attribute.String("status", "error-timeout")
	AttrStatusNotFound         = attribute.String("status", "error-not-found")
	AttrStatusQuorumNotReached = attribute.String("status", "error-quorum-not-reached")
	AttrStatusViewSync         = attribute.String("status", "error-view-sync")
	AttrStatusByzantine        = attribute.String("status", "error-byzantine")
	AttrStatusInvalidSet       = attribute.String("status", "error-invalid-validator-set")
	AttrStatusConfiguration    = attribute.String("status", "error-configuration")

	AttrProtocol = attribute.Key("protocol")
)

// Status classifies err for use as a metric attribute.
func Status(ctx context.Context, err error) attribute.KeyValue {
	switch cErr := ctx.Err(); {
	case err == nil:
		return AttrStatusSuccess
	case errors.Is(err, bft.ErrQuorumNotReached):
		return AttrStatusQuorumNotReached
	case errors.Is(err, bft.ErrViewSyncTimeout):
		return AttrStatusViewSync
	case errors.Is(err, bft.ErrByzantineNodeDetected):
		return AttrStatusByzantine
	case errors.Is(err, bft.ErrInvalidValidatorSet):
		return AttrStatusInvalidSet
	case errors.Is(err, bft.ErrConfiguration):
		return AttrStatusConfiguration
	case errors.Is(err, datastore.ErrNotFound):
		return AttrStatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(cErr, context.DeadlineExceeded):
		return AttrStatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(cErr, context.Canceled):
		return AttrStatusCanceled
	default:
		return AttrStatusError
	}
}

func AttrFromPubSubValidationResult(result pubsub.ValidationResult) attribute.KeyValue {
	var v string
	switch result {
	case pubsub.ValidationAccept:
		v = "accepted"
	case pubsub.ValidationReject:
		v = "rejected"
	case pubsub.ValidationIgnore:
		v = "ignored"
	default:
		v = "unknown"
	}
	return attribute.String("result", v)
}
