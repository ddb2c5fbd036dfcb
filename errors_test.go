package bft_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/knhk/go-bft"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Run("sentinels match by kind", func(t *testing.T) {
		err := fmt.Errorf("propose: %w", bft.QuorumNotReached(2, 3))
		require.ErrorIs(t, err, bft.ErrQuorumNotReached)
		require.NotErrorIs(t, err, bft.ErrConfiguration)

		var target *bft.Error
		require.True(t, errors.As(err, &target))
		require.Equal(t, 2, target.Have)
		require.Equal(t, 3, target.Need)
		require.Equal(t, bft.KindQuorumNotReached, bft.KindOf(err))
	})
	t.Run("messages", func(t *testing.T) {
		require.Equal(t, "quorum not reached: have 2, need 3", bft.QuorumNotReached(2, 3).Error())
		full := bft.QuorumNotReached(0, 3)
		full.Reason = "sequence window full"
		require.Equal(t, "quorum not reached: have 0, need 3: sequence window full", full.Error())
		require.Equal(t, "view sync timeout: view 1 behind current view 4", bft.ViewSyncTimeout(1, 4).Error())
		require.Equal(t, "configuration error: only leader can propose", bft.Configuration("only leader can propose").Error())
		require.Equal(t, "invalid validator set: set full (7)", bft.InvalidValidatorSet("set full (%d)", 7).Error())
		require.Equal(t, "byzantine node detected", (&bft.Error{Kind: bft.KindByzantineNodeDetected}).Error())
	})
	t.Run("non bft errors have no kind", func(t *testing.T) {
		require.Zero(t, bft.KindOf(errors.New("boom")))
		require.NotErrorIs(t, errors.New("boom"), bft.ErrViewSyncTimeout)
	})
}
