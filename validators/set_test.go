package validators_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/validators"
	"github.com/stretchr/testify/require"
)

var healthy = validators.Metrics{ValidMessages: 100, InvalidSignatures: 1, Uptime: 99}

func validator(id bft.NodeID) validators.Info {
	return validators.Info{NodeID: id, PublicKey: []byte{byte(id), 0xbf}, Metrics: healthy}
}

func newSet(t *testing.T, maxValidators, minValidators int, ids ...bft.NodeID) (*validators.Set, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s, err := validators.NewSet(maxValidators, minValidators, validators.WithClock(clk))
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, s.AddValidator(validator(id)))
	}
	return s, clk
}

func TestNewSet(t *testing.T) {
	for _, test := range []struct {
		maxValidators, minValidators int
		wantErr                      bool
	}{
		{maxValidators: 10, minValidators: 4},
		{maxValidators: 3, minValidators: 3},
		{maxValidators: 3, minValidators: 4, wantErr: true},
		{maxValidators: 10, minValidators: 2, wantErr: true},
	} {
		_, err := validators.NewSet(test.maxValidators, test.minValidators)
		if test.wantErr {
			require.ErrorIs(t, err, bft.ErrInvalidValidatorSet)
		} else {
			require.NoError(t, err)
		}
	}
	_, err := validators.NewSet(10, 4, validators.WithInactivityTimeout(0))
	require.Error(t, err)
}

func TestAddValidator(t *testing.T) {
	t.Run("full set is not mutated", func(t *testing.T) {
		s, _ := newSet(t, 4, 3, 1, 2, 3, 4)
		err := s.AddValidator(validator(5))
		require.ErrorIs(t, err, bft.ErrInvalidValidatorSet)
		require.Equal(t, 4, s.Size())
		_, found := s.Get(5)
		require.False(t, found)
	})
	t.Run("rejects empty fields", func(t *testing.T) {
		s, _ := newSet(t, 10, 3)
		require.ErrorIs(t, s.AddValidator(validators.Info{PublicKey: []byte{1}}), bft.ErrInvalidValidatorSet)
		require.ErrorIs(t, s.AddValidator(validators.Info{NodeID: 1}), bft.ErrInvalidValidatorSet)
		require.Zero(t, s.Size())
	})
	t.Run("rejects duplicates", func(t *testing.T) {
		s, _ := newSet(t, 10, 3, 1)
		require.ErrorIs(t, s.AddValidator(validator(1)), bft.ErrInvalidValidatorSet)
		require.Equal(t, 1, s.Size())
	})
	t.Run("activates and stamps", func(t *testing.T) {
		s, clk := newSet(t, 10, 3)
		clk.Add(time.Minute)
		info := validator(7)
		info.IsActive = false
		require.NoError(t, s.AddValidator(info))
		got, found := s.Get(7)
		require.True(t, found)
		require.True(t, got.IsActive)
		require.Equal(t, clk.Now(), got.JoinedAt)
		require.Equal(t, clk.Now(), got.LastActivity)

		// Records are copies.
		got.PublicKey[0] = 0xff
		again, _ := s.Get(7)
		require.Equal(t, byte(7), again.PublicKey[0])
	})
}

func TestRemoveValidator(t *testing.T) {
	s, _ := newSet(t, 10, 3, 1, 2, 3, 4)
	require.NoError(t, s.RemoveValidator(4))
	require.ErrorIs(t, s.RemoveValidator(3), bft.ErrInvalidValidatorSet)
	require.Equal(t, 3, s.Size())
	require.True(t, s.IsActive(3))
	require.ErrorIs(t, s.RemoveValidator(42), bft.ErrInvalidValidatorSet)
}

func TestMarkByzantine(t *testing.T) {
	s, _ := newSet(t, 10, 3, 1, 2, 3, 4)
	require.NoError(t, s.MarkByzantine(2))
	require.NoError(t, s.MarkByzantine(2))
	info, _ := s.Get(2)
	require.False(t, info.IsActive)
	require.EqualValues(t, 2, info.Metrics.ByzantineBehaviors)
	require.Equal(t, []bft.NodeID{2}, s.IdentifyByzantine())
	require.ErrorIs(t, s.MarkByzantine(9), bft.ErrInvalidValidatorSet)
	require.ErrorIs(t, s.Activate(2), bft.ErrInvalidValidatorSet)
}

func TestUpdateMetrics(t *testing.T) {
	s, clk := newSet(t, 10, 3, 1, 2, 3)
	clk.Add(time.Second)

	require.NoError(t, s.UpdateMetrics(1, validators.Metrics{ValidMessages: 10, Uptime: 50}))
	info, _ := s.Get(1)
	require.False(t, info.IsActive)
	require.Equal(t, clk.Now(), info.LastActivity)
	require.Equal(t, 2, s.ActiveValidatorCount())
	require.False(t, s.IsHealthy())

	require.NoError(t, s.UpdateMetrics(1, healthy))
	require.False(t, s.IsActive(1), "healthy metrics do not reactivate")
	require.NoError(t, s.Activate(1))
	require.True(t, s.IsActive(1))
	require.True(t, s.IsHealthy())

	require.ErrorIs(t, s.UpdateMetrics(8, healthy), bft.ErrInvalidValidatorSet)
}

func TestRecordMessages(t *testing.T) {
	s, clk := newSet(t, 10, 3, 1)
	clk.Add(time.Second)
	require.NoError(t, s.RecordValidMessage(1))
	require.NoError(t, s.RecordInvalidSignature(1))
	info, _ := s.Get(1)
	require.Equal(t, healthy.ValidMessages+1, info.Metrics.ValidMessages)
	require.Equal(t, healthy.InvalidSignatures+1, info.Metrics.InvalidSignatures)
	require.Equal(t, clk.Now(), info.LastActivity)
	require.Error(t, s.RecordValidMessage(2))
}

func TestRotateValidators(t *testing.T) {
	t.Run("prunes inactive down to minimum", func(t *testing.T) {
		s, clk := newSet(t, 5, 3, 1, 2, 3)
		clk.Add(time.Second)
		require.NoError(t, s.AddValidator(validator(4)))
		clk.Add(time.Second)
		require.NoError(t, s.AddValidator(validator(5)))
		clk.Add(10 * time.Minute)
		require.NoError(t, s.RecordValidMessage(1))

		rotation := s.RotateValidators(nil)
		// 2 and 3 are the oldest inactive; removing more would breach the minimum.
		require.Equal(t, []bft.NodeID{2, 3}, rotation.Removed)
		require.Equal(t, []bft.NodeID{1, 4, 5}, s.ActiveIDs())
	})
	t.Run("adds what fits", func(t *testing.T) {
		s, _ := newSet(t, 5, 3, 1, 2, 3)
		bad := validators.Info{NodeID: 9}
		rotation := s.RotateValidators([]validators.Info{validator(4), bad, validator(5), validator(6)})
		require.Empty(t, rotation.Removed)
		require.Equal(t, []bft.NodeID{4, 5}, rotation.Added)
		require.Len(t, rotation.Rejected, 2)
		require.Equal(t, bft.NodeID(9), rotation.Rejected[0].NodeID)
		require.Equal(t, bft.NodeID(6), rotation.Rejected[1].NodeID)
		require.ErrorIs(t, rotation.Rejected[1].Err, bft.ErrInvalidValidatorSet)
		require.Equal(t, 5, s.Size())
	})
	t.Run("replaces pruned validators", func(t *testing.T) {
		s, clk := newSet(t, 4, 3, 1, 2, 3, 4)
		clk.Add(6 * time.Minute)
		for _, id := range []bft.NodeID{1, 2, 3} {
			require.NoError(t, s.RecordValidMessage(id))
		}
		rotation := s.RotateValidators([]validators.Info{validator(5)})
		require.Equal(t, []bft.NodeID{4}, rotation.Removed)
		require.Equal(t, []bft.NodeID{5}, rotation.Added)
		require.Equal(t, []bft.NodeID{1, 2, 3, 5}, s.ActiveIDs())
	})
}

func TestHealthStatus(t *testing.T) {
	s, _ := newSet(t, 10, 3, 1, 2, 3, 4)
	require.Equal(t, validators.HealthStatus{Total: 4, Active: 4, Healthy: true}, s.HealthStatus())
	require.Equal(t, 3, s.QuorumSize())
	require.NoError(t, s.MarkByzantine(4))
	require.NoError(t, s.MarkByzantine(3))
	require.Equal(t, validators.HealthStatus{Total: 4, Active: 2, Byzantine: 2, Healthy: false}, s.HealthStatus())
	require.Equal(t, 1, s.QuorumSize())
}

func TestConcurrentAccess(t *testing.T) {
	const n = 20
	s, _ := newSet(t, n, 3)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id bft.NodeID) {
			defer wg.Done()
			require.NoError(t, s.AddValidator(validator(id)))
			for range 100 {
				require.NoError(t, s.RecordValidMessage(id))
				_ = s.HealthStatus()
			}
			if id%5 == 0 {
				require.NoError(t, s.MarkByzantine(id))
			}
		}(bft.NodeID(i))
	}
	wg.Wait()
	status := s.HealthStatus()
	require.Equal(t, n, status.Total)
	require.Equal(t, 4, status.Byzantine)
	require.Equal(t, n-4, status.Active)
	info, _ := s.Get(1)
	require.Equal(t, healthy.ValidMessages+100, info.Metrics.ValidMessages)
}
