package report

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/topology"
)

func results() []*ExecutionResult {
	return []*ExecutionResult{
		{Host: topology.Host{Name: "master", Role: topology.RoleCoordinator}, Stdout: []string{"ok"}},
		{Host: topology.Host{Name: "slave1", Role: topology.RoleWorker},
			Err: errors.NewAuthenticationError("slave1", fmt.Errorf("ssh: unable to authenticate")), ExitCode: 255},
		{Host: topology.Host{Name: "slave2", Role: topology.RoleWorker}, Stdout: []string{"ok"}},
		{Host: topology.Host{Name: "slave3", Role: topology.RoleWorker}, ExitCode: 2},
	}
}

func TestRunReport_PartialFailure(t *testing.T) {
	r := New("connector add", "parallel", time.Now(), results())

	require.False(t, r.Success())
	require.Equal(t, ExitHostFailed, r.ExitCode())

	failures := r.Failures()
	require.Len(t, failures, 2)
	require.Equal(t, "slave1", failures[0].Host.Name)
	require.Equal(t, "slave3", failures[1].Host.Name)

	res, ok := r.Result("slave1")
	require.True(t, ok)
	require.True(t, errors.Is(res.Err, errors.AuthenticationFailedType))

	res, ok = r.Result("slave2")
	require.True(t, ok)
	require.Equal(t, []string{"ok"}, res.Stdout)

	msg := r.Message()
	require.True(t, strings.HasPrefix(msg, "Command failed on 2 of 4 hosts:\n"))
	require.Contains(t, msg, "  slave1: [Authentication Failed] authentication failed for slave1: ssh: unable to authenticate\n")
	require.Contains(t, msg, "  slave3: [Command Execution] command exited with status 2\n")
	require.Contains(t, msg, "total: 2 errors (1 authentication_failed, 1 command_execution)")
	require.NotContains(t, msg, "master")
}

func TestRunReport_Success(t *testing.T) {
	r := New("true", "serial", time.Now(), results()[:1])
	require.True(t, r.Success())
	require.Equal(t, ExitSuccess, r.ExitCode())
	require.Empty(t, r.Message())
	require.False(t, r.Errors().HasErrors())
}

func TestRunReport_Render(t *testing.T) {
	var b strings.Builder
	r := New("true", "parallel", time.Now(), results())
	require.NoError(t, r.Render(&b, false))
	out := b.String()
	require.Contains(t, out, "Command failed on 2 of 4 hosts:")
	require.Contains(t, out, "Total Hosts: 4")
	require.Contains(t, out, "Successful: 2 (50.0%)")
	require.NotContains(t, out, "Data Transferred")

	b.Reset()
	ok := New("true", "parallel", time.Now(), []*ExecutionResult{{Host: topology.Host{Name: "master"}, Bytes: 2048}})
	require.NoError(t, ok.Render(&b, false))
	require.Contains(t, b.String(), "Command succeeded on all 1 hosts")
	require.Contains(t, b.String(), "Data Transferred: 2.0 KB")
}

func TestExitCodeFor(t *testing.T) {
	require.Equal(t, ExitSuccess, ExitCodeFor(nil))
	require.Equal(t, ExitFatal, ExitCodeFor(errors.NewInvalidHostError("dummy_master", "coordinator", "invalid character")))
	require.Equal(t, ExitFatal, ExitCodeFor(errors.NewPermissionDeniedError("/var/log/fleet-admin/fleet-admin.log", fmt.Errorf("permission denied"))))
	require.Equal(t, ExitFatal, ExitCodeFor(errors.NewSetupError("bad flags", nil)))
	require.Equal(t, ExitHostFailed, ExitCodeFor(errors.NewElevationError("master", "2 incorrect password attempts")))
}

func TestTypeTitle(t *testing.T) {
	require.Equal(t, "Invalid Host Identifier", TypeTitle(errors.InvalidHostIdentifierType))
	require.Equal(t, "Connect Timeout", TypeTitle(errors.ConnectTimeoutType))
}
