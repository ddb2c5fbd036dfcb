package fault

import (
	"errors"

	"github.com/benbjohnson/clock"
)

const defaultSeenMessagesCacheSize = 100_000

// Option represents a configurable parameter of the detector.
type Option func(*options) error

type options struct {
	clock                 clock.Clock
	seenMessagesCacheSize int
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		clock:                 clock.New(),
		seenMessagesCacheSize: defaultSeenMessagesCacheSize,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithClock sets the clock used to timestamp reports. Defaults to the system
// clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithSeenMessagesCacheSize sets the maximum number of (replica, slot) pairs
// remembered by Detector.Observe. Defaults to 100,000.
func WithSeenMessagesCacheSize(size int) Option {
	return func(o *options) error {
		if size < 1 {
			return errors.New("seen messages cache size must be at least 1")
		}
		o.seenMessagesCacheSize = size
		return nil
	}
}
