package regtest

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		calls := 0
		err := WaitUntil(ctx, time.Millisecond, time.Second, func() (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("timeout", func(t *testing.T) {
		err := WaitUntil(ctx, time.Millisecond, 50*time.Millisecond, func() (bool, error) {
			return false, errors.New("still syncing")
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Contains(t, err.Error(), "still syncing")
	})

	t.Run("permanent", func(t *testing.T) {
		boom := errors.New("node exited")
		calls := 0
		err := WaitUntil(ctx, time.Millisecond, time.Second, func() (bool, error) {
			calls++
			return false, Permanent(boom)
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("condition outlives timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		err := WaitUntil(ctx, time.Millisecond, 50*time.Millisecond, func() (bool, error) {
			<-release
			return true, nil
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Contains(t, err.Error(), "still running")
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := WaitUntil(cctx, time.Millisecond, time.Second, func() (bool, error) {
			return false, nil
		})
		assert.Equal(t, context.Canceled, err)
	})
}
