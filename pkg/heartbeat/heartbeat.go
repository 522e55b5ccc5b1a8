package heartbeat

import (
	"context"
	"errors"
)

// ErrCancelled is returned up the call stack when the host requests that the
// current run stop. The run record is marked failed before this unwinds.
var ErrCancelled = errors.New("sync run cancelled by host")

// Pulse is the host's answer to a heartbeat.
type Pulse struct {
	CancelRequested bool
}

// Monitor reports liveness to the hosting workflow engine and relays
// cancellation back. It is called between batches, never mid-batch.
type Monitor interface {
	Heartbeat(ctx context.Context) (Pulse, error)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(ctx context.Context) (Pulse, error)

func (f MonitorFunc) Heartbeat(ctx context.Context) (Pulse, error) {
	return f(ctx)
}

// Nop is a monitor that never cancels. Used when no host runtime is attached.
var Nop Monitor = MonitorFunc(func(ctx context.Context) (Pulse, error) {
	return Pulse{}, nil
})

// Check emits a heartbeat and converts a cancellation request into
// ErrCancelled. A heartbeat transport error is also treated as cancellation:
// if we cannot reach the host we must assume the run is orphaned.
func Check(ctx context.Context, m Monitor) error {
	if m == nil {
		return nil
	}

	pulse, err := m.Heartbeat(ctx)
	if err != nil {
		return errors.Join(ErrCancelled, err)
	}
	if pulse.CancelRequested {
		return ErrCancelled
	}

	return nil
}
