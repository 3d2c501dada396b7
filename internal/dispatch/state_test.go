package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fleet-admin/internal/topology"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StatePending, StateConnecting},
		{StateConnecting, StateAuthenticating},
		{StateConnecting, StateFailed},
		{StateAuthenticating, StateElevating},
		{StateAuthenticating, StateExecuting},
		{StateAuthenticating, StateFailed},
		{StateElevating, StateExecuting},
		{StateElevating, StateFailed},
		{StateExecuting, StateCompleted},
		{StateExecuting, StateFailed},
	}
	for _, tr := range legal {
		require.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StatePending, StateExecuting},
		{StatePending, StateFailed},
		{StateConnecting, StateExecuting},
		{StateElevating, StateCompleted},
		{StateCompleted, StateFailed},
		{StateFailed, StateConnecting},
	}
	for _, tr := range illegal {
		require.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestSessionTransition(t *testing.T) {
	var seen []State
	s := newSession(topology.Host{Name: "master"}, func(_ topology.Host, _, to State) {
		seen = append(seen, to)
	})

	require.NoError(t, s.Transition(StateConnecting))
	require.Error(t, s.Transition(StateCompleted))
	require.Equal(t, StateConnecting, s.State())
	require.NoError(t, s.Transition(StateFailed))
	require.True(t, s.State().Terminal())
	require.Error(t, s.Transition(StateConnecting))

	require.Equal(t, []State{StatePending, StateConnecting, StateFailed}, s.History())
	require.Equal(t, []State{StateConnecting, StateFailed}, seen)
}
