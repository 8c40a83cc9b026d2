package ratelimit

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestAcquireLocalConsumesBurstImmediately(t *testing.T) {
    l := New(1, 3, nil, false)

    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()

    for i := 0; i < 3; i++ {
        require.NoError(t, l.Acquire(ctx))
    }
}

func TestAcquireLocalBlocksUntilRefill(t *testing.T) {
    l := New(20, 1, nil, false)

    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()

    require.NoError(t, l.Acquire(ctx))

    start := time.Now()
    require.NoError(t, l.Acquire(ctx))
    assert.Greater(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquireLocalRespectsContextCancellation(t *testing.T) {
    l := New(0.001, 1, nil, false)
    require.True(t, l.tryTake())

    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
    defer cancel()

    err := l.Acquire(ctx)
    assert.ErrorIs(t, err, context.DeadlineExceeded)
}
