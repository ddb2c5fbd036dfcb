package sim

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft/sim/adversary"
	"github.com/knhk/go-bft/sim/latency"
)

const defaultMaxQueueSize = 10_000

// Option represents a configurable parameter of the simulated network.
type Option func(*options) error

type options struct {
	clock          clock.Clock
	latency        latency.Model
	lossRate       float64
	corruptionRate float64
	maxQueueSize   int
	seed           int64
	censors        []adversary.Censorer
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		clock:        clock.New(),
		latency:      latency.None,
		maxQueueSize: defaultMaxQueueSize,
		seed:         1413,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithClock sets the clock used to schedule delayed deliveries.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithLatencyModel sets the delay applied to every delivery. Defaults to
// latency.None.
func WithLatencyModel(m latency.Model) Option {
	return func(o *options) error {
		if m == nil {
			return errors.New("latency model must not be nil")
		}
		o.latency = m
		return nil
	}
}

// WithLossRate sets the probability in [0, 1] that a delivery is lost.
func WithLossRate(p float64) Option {
	return func(o *options) error {
		if p < 0 || p > 1 {
			return errors.New("loss rate must be within [0, 1]")
		}
		o.lossRate = p
		return nil
	}
}

// WithCorruptionRate sets the probability in [0, 1] that a delivered payload is
// zeroed.
func WithCorruptionRate(p float64) Option {
	return func(o *options) error {
		if p < 0 || p > 1 {
			return errors.New("corruption rate must be within [0, 1]")
		}
		o.corruptionRate = p
		return nil
	}
}

// WithMaxQueueSize bounds the number of undelivered messages per node.
// Messages to a full queue are dropped. Defaults to 10,000.
func WithMaxQueueSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("max queue size must be at least 1")
		}
		o.maxQueueSize = n
		return nil
	}
}

// WithSeed seeds the randomness of loss and corruption.
func WithSeed(seed int64) Option {
	return func(o *options) error {
		o.seed = seed
		return nil
	}
}

// WithCensor adds a censor consulted before every delivery.
func WithCensor(c adversary.Censorer) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("censor must not be nil")
		}
		o.censors = append(o.censors, c)
		return nil
	}
}
