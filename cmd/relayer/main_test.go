package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/logging"
)

func TestRunServices(t *testing.T) {
	t.Parallel()

	t.Run("failing listener stops the relayer", func(t *testing.T) {
		t.Parallel()

		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		stopped := make(chan struct{})
		err = runServices(context.Background(),
			func(ctx context.Context) error {
				<-ctx.Done()
				close(stopped)
				return nil
			},
			func(ctx context.Context) error {
				return serveMetrics(ctx, logging.Discard(), busy.Addr().String())
			},
		)
		require.Error(t, err)
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("other services were not cancelled")
		}
	})

	t.Run("cancellation is a clean stop", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, runServices(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}))
	})
}
