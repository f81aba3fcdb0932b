package util

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntilImmediate(t *testing.T) {
	checks, err := PollUntil(context.Background(), PollConfig{}, func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, checks)
}

func TestPollUntilEventually(t *testing.T) {
	var n atomic.Int32
	checks, err := PollUntil(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
		return n.Add(1) >= 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, checks)
}

func TestPollUntilTimeout(t *testing.T) {
	start := time.Now()
	_, err := PollUntil(context.Background(), PollConfig{Timeout: 20 * time.Millisecond, Interval: time.Millisecond}, func() bool {
		return false
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPollUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PollUntil(ctx, DrainPollConfig(), func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}
