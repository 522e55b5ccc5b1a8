package heartbeat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckNilAndNopMonitors(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Check(ctx, nil))
	require.NoError(t, Check(ctx, Nop))
}

func TestCheckCancelRequested(t *testing.T) {
	m := MonitorFunc(func(ctx context.Context) (Pulse, error) {
		return Pulse{CancelRequested: true}, nil
	})
	require.ErrorIs(t, Check(context.Background(), m), ErrCancelled)
}

func TestCheckTransportErrorIsCancellation(t *testing.T) {
	transport := errors.New("host unreachable")
	m := MonitorFunc(func(ctx context.Context) (Pulse, error) {
		return Pulse{}, transport
	})

	err := Check(context.Background(), m)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, transport)
}
