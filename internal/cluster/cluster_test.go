package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockSerializes(t *testing.T) {
	lock := NewMemoryLock()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lock.WithLock(context.Background(), "rules", func(context.Context) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestMemoryFlags(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlags()
	set, err := flags.IsSet(ctx, "x")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, flags.Set(ctx, "x"))
	set, _ = flags.IsSet(ctx, "x")
	assert.True(t, set)

	require.NoError(t, flags.Clear(ctx, "x"))
	set, _ = flags.IsSet(ctx, "x")
	assert.False(t, set)
}
