package replica

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft/manifest"
)

// Option represents a configurable parameter of a replica.
type Option func(*options) error

type options struct {
	clock            clock.Clock
	manifestProvider manifest.ManifestProvider
	reportBufferSize int
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		clock:            clock.New(),
		reportBufferSize: 128,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithClock sets the clock shared by the validator set, the fault detector and
// the protocol.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithManifestProvider makes the replica follow the manifests delivered by p,
// reconfiguring on every update.
func WithManifestProvider(p manifest.ManifestProvider) Option {
	return func(o *options) error {
		o.manifestProvider = p
		return nil
	}
}
