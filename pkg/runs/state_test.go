package runs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusStringRoundTrip(t *testing.T) {
	all := []Status{
		StatusPending,
		StatusStarted,
		StatusQuerying,
		StatusQueued,
		StatusInProgress,
		StatusSuccess,
		StatusFailed,
		StatusIncomplete,
		StatusAborted,
	}
	for _, s := range all {
		require.Equal(t, s, NewStatus(s.String()))
	}
	require.Equal(t, StatusUnknown, NewStatus("bogus"))
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusInProgress)
	require.NoError(t, err)
	require.Equal(t, `"in_progress"`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"queued"`), &s))
	require.Equal(t, StatusQueued, s)
}

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusStarted},
		{StatusPending, StatusQuerying},
		{StatusPending, StatusFailed},
		{StatusPending, StatusAborted},
		{StatusStarted, StatusQuerying},
		{StatusQuerying, StatusQuerying},
		{StatusQuerying, StatusQueued},
		{StatusQueued, StatusInProgress},
		{StatusInProgress, StatusInProgress},
		{StatusInProgress, StatusSuccess},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusIncomplete},
		{StatusIncomplete, StatusQueued},
	}
	for _, tc := range allowed {
		require.True(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	rejected := []struct {
		from Status
		to   Status
	}{
		{StatusQueued, StatusQuerying},
		{StatusQuerying, StatusInProgress},
		{StatusSuccess, StatusFailed},
		{StatusFailed, StatusQueued},
		{StatusAborted, StatusPending},
		{StatusQueued, StatusQueued},
		{StatusPending, StatusSuccess},
	}
	for _, tc := range rejected {
		require.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesAdmitNoTransitions(t *testing.T) {
	targets := []Status{
		StatusPending, StatusStarted, StatusQuerying, StatusQueued,
		StatusInProgress, StatusSuccess, StatusFailed, StatusIncomplete, StatusAborted,
	}
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusAborted} {
		require.True(t, s.Terminal())
		for _, to := range targets {
			require.False(t, s.CanTransition(to), "%s -> %s", s, to)
		}
	}
	require.False(t, StatusQueued.Terminal())
}

func TestRunPhaseGuards(t *testing.T) {
	r := &Run{Status: StatusPending}
	require.True(t, r.MayQuery())
	require.False(t, r.MayProgress())

	r.Status = StatusQueued
	require.False(t, r.MayQuery())
	require.True(t, r.MayProgress())

	r.Status = StatusSuccess
	require.False(t, r.MayQuery())
	require.False(t, r.MayProgress())
}
