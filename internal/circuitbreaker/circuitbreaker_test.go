package circuitbreaker_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft/internal/circuitbreaker"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	const (
		maxFailures  = 3
		resetTimeout = time.Second
	)
	var (
		failure = errors.New("fish out of water")
		succeed = func() error { return nil }
		fail    = func() error { return failure }
		trip    = func(t *testing.T, subject *circuitbreaker.CircuitBreaker) {
			for range maxFailures {
				require.ErrorIs(t, subject.Run(fail), failure)
			}
			require.Equal(t, circuitbreaker.Open, subject.GetStatus())
		}
	)

	t.Run("closed on no error", func(t *testing.T) {
		subject := circuitbreaker.New(maxFailures, resetTimeout, clock.NewMock())
		require.NoError(t, subject.Run(succeed))
		require.Equal(t, circuitbreaker.Closed, subject.GetStatus())
	})

	t.Run("failures below the maximum keep it closed", func(t *testing.T) {
		subject := circuitbreaker.New(maxFailures, resetTimeout, clock.NewMock())
		for range maxFailures - 1 {
			require.ErrorIs(t, subject.Run(fail), failure)
		}
		require.NoError(t, subject.Run(succeed))
		require.ErrorIs(t, subject.Run(fail), failure)
		require.Equal(t, circuitbreaker.Closed, subject.GetStatus(), "success resets the failure count")
	})

	t.Run("opens after max failures and stays open", func(t *testing.T) {
		clk := clock.NewMock()
		subject := circuitbreaker.New(maxFailures, resetTimeout, clk)
		trip(t, subject)

		var attempted bool
		err := subject.Run(func() error { attempted = true; return nil })
		require.ErrorIs(t, err, circuitbreaker.ErrOpen)
		require.False(t, attempted)

		clk.Add(resetTimeout / 2)
		require.ErrorIs(t, subject.Run(succeed), circuitbreaker.ErrOpen)
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		clk := clock.NewMock()
		subject := circuitbreaker.New(maxFailures, resetTimeout, clk)
		trip(t, subject)
		clk.Add(resetTimeout)
		require.NoError(t, subject.Run(succeed))
		require.Equal(t, circuitbreaker.Closed, subject.GetStatus())
	})

	t.Run("half-open probe reopens on failure", func(t *testing.T) {
		clk := clock.NewMock()
		subject := circuitbreaker.New(maxFailures, resetTimeout, clk)
		trip(t, subject)
		clk.Add(resetTimeout)
		require.ErrorIs(t, subject.Run(fail), failure)
		require.Equal(t, circuitbreaker.Open, subject.GetStatus())
		require.ErrorIs(t, subject.Run(succeed), circuitbreaker.ErrOpen)
	})

	t.Run("only one caller probes", func(t *testing.T) {
		clk := clock.NewMock()
		subject := circuitbreaker.New(maxFailures, resetTimeout, clk)
		trip(t, subject)
		clk.Add(resetTimeout)

		release := make(chan struct{})
		probing := make(chan struct{})
		go func() {
			_ = subject.Run(func() error {
				close(probing)
				<-release
				return nil
			})
		}()
		<-probing
		require.Equal(t, circuitbreaker.HalfOpen, subject.GetStatus())

		var wg sync.WaitGroup
		var rejected atomic.Int32
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if errors.Is(subject.Run(succeed), circuitbreaker.ErrOpen) {
					rejected.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 10, rejected.Load())
		close(release)
		require.Eventually(t, func() bool { return subject.GetStatus() == circuitbreaker.Closed },
			time.Second, time.Millisecond)
	})
}
