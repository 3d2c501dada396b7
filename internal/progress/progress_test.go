package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"fleet-admin/internal/dispatch"
	"fleet-admin/internal/topology"
)

func walk(p *Tracker, host string, states ...dispatch.State) {
	from := dispatch.StatePending
	for _, to := range states {
		p.Observe(topology.Host{Name: host}, from, to)
		from = to
	}
}

func TestTracker_Counts(t *testing.T) {
	var buf bytes.Buffer
	p := NewTracker(3, &buf, true)

	walk(p, "master", dispatch.StateConnecting, dispatch.StateAuthenticating, dispatch.StateExecuting, dispatch.StateCompleted)
	walk(p, "slave1", dispatch.StateConnecting, dispatch.StateFailed)
	walk(p, "slave2", dispatch.StateConnecting, dispatch.StateAuthenticating)

	completed, failed, total := p.Counts()
	require.Equal(t, 1, completed)
	require.Equal(t, 1, failed)
	require.Equal(t, 3, total)
	require.Equal(t, 1, p.InFlight(dispatch.StateAuthenticating))
	require.Zero(t, p.InFlight(dispatch.StateConnecting))
	require.Contains(t, buf.String(), "(2/3) ✓1 ✗1")

	p.Finish()
	require.Contains(t, buf.String(), "⚠ 2/3 hosts done (1 completed, 1 failed)")
}

func TestTracker_AllCompleted(t *testing.T) {
	var buf bytes.Buffer
	p := NewTracker(2, &buf, true)
	walk(p, "master", dispatch.StateConnecting, dispatch.StateAuthenticating, dispatch.StateElevating, dispatch.StateExecuting, dispatch.StateCompleted)
	walk(p, "slave1", dispatch.StateConnecting, dispatch.StateAuthenticating, dispatch.StateExecuting, dispatch.StateCompleted)
	p.Finish()
	require.Contains(t, buf.String(), "✓ 2/2 hosts completed")
}

func TestTracker_Disabled(t *testing.T) {
	var buf bytes.Buffer
	p := NewTracker(1, &buf, false)
	walk(p, "master", dispatch.StateConnecting, dispatch.StateFailed)
	p.Finish()
	require.Empty(t, buf.String())
	_, failed, _ := p.Counts()
	require.Equal(t, 1, failed)
}
