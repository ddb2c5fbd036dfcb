package validators

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultInactivityTimeout = 5 * time.Minute

// Option represents a configurable parameter of the validator set.
type Option func(*options) error

type options struct {
	clock             clock.Clock
	inactivityTimeout time.Duration
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		clock:             clock.New(),
		inactivityTimeout: defaultInactivityTimeout,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithClock sets the clock used for join and activity timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithInactivityTimeout sets how long a validator may stay inactive before
// RotateValidators prunes it. Defaults to 5 minutes.
func WithInactivityTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return errors.New("inactivity timeout must be positive")
		}
		o.inactivityTimeout = timeout
		return nil
	}
}
