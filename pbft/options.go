package pbft

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/fault"
)

// DefaultWindowSize is the number of sequence numbers a primary may have in
// flight beyond the last executed one.
const DefaultWindowSize = 128

// Option represents a configurable parameter of the protocol.
type Option func(*options) error

type options struct {
	clock             clock.Clock
	detector          *fault.Detector
	membership        bft.Membership
	commitSink        bft.CommitSink
	pacemakerInterval time.Duration
	windowSize        uint64
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		clock:      clock.New(),
		windowSize: DefaultWindowSize,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithClock sets the clock driving timeouts and block timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithFaultDetector sets the detector that receives evidence of misbehaviour.
// A private detector is used if unset.
func WithFaultDetector(d *fault.Detector) Option {
	return func(o *options) error {
		o.detector = d
		return nil
	}
}

// WithMembership gates inbound messages: messages from members that are not
// active are dropped.
func WithMembership(m bft.Membership) Option {
	return func(o *options) error {
		o.membership = m
		return nil
	}
}

// WithCommitSink sets where executed blocks are delivered, in sequence order.
func WithCommitSink(s bft.CommitSink) Option {
	return func(o *options) error {
		o.commitSink = s
		return nil
	}
}

// WithPacemakerInterval sets how often progress is checked. Defaults to a
// quarter of the protocol timeout.
func WithPacemakerInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("pacemaker interval must be positive")
		}
		o.pacemakerInterval = d
		return nil
	}
}

// WithWindowSize sets how far past the last executed sequence number a
// pre-prepare may be. Defaults to DefaultWindowSize.
func WithWindowSize(w uint64) Option {
	return func(o *options) error {
		if w == 0 {
			return errors.New("window size must be at least 1")
		}
		o.windowSize = w
		return nil
	}
}
