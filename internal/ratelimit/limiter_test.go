package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenThrottle(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("lichess.org"))
	assert.True(t, l.Allow("lichess.org"))
	assert.False(t, l.Allow("lichess.org"), "burst of 2 exhausted")
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1)

	assert.True(t, l.Allow("lichess.org"))
	assert.False(t, l.Allow("lichess.org"))
	assert.True(t, l.Allow("api.chess.com"), "second host gets its own bucket")
}

func TestLimiterWaitHonorsCancellation(t *testing.T) {
	l := NewLimiter(0.001, 1)
	require.True(t, l.Allow("slow.example"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "slow.example")
	assert.Error(t, err)
}

func TestLimiterSetRPSRetunesExistingBuckets(t *testing.T) {
	l := NewLimiter(1, 1)
	require.True(t, l.Allow("lichess.org"))
	require.False(t, l.Allow("lichess.org"))

	// Raising the refill rate does not grant immediate extra burst, but
	// new hosts pick up the new rate.
	l.SetRPS(100)
	assert.True(t, l.Allow("fresh.example"))
}
