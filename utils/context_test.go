package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/utils"
)

func TestContextSleep(t *testing.T) {
	t.Parallel()

	dur := 10 * time.Millisecond

	st := time.Now()
	require.True(t, utils.ContextSleep(context.Background(), dur))
	require.GreaterOrEqual(t, time.Since(st), dur)
}

func TestContextSleepCancel(t *testing.T) {
	t.Parallel()

	dur := 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()

	st := time.Now()
	require.False(t, utils.ContextSleep(ctx, time.Second))
	require.Less(t, time.Since(st), 500*time.Millisecond)
}

func TestContextSleepAlreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, utils.ContextSleep(ctx, time.Hour))
}
