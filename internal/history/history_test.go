package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/report"
	"fleet-admin/internal/topology"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(command string, started time.Time) *report.RunReport {
	return report.New(command, "parallel", started, []*report.ExecutionResult{
		{
			Host:     topology.Host{Name: "master", Role: topology.RoleCoordinator, Port: 22},
			Stdout:   []string{"line one", "line two"},
			State:      "completed",
			Elevated:   true,
			Duration:   120 * time.Millisecond,
			AuthMethod: "passwordless-key",
		},
		{
			Host:     topology.Host{Name: "slave1", Role: topology.RoleWorker, Port: 22},
			State:    "failed",
			ExitCode: 255,
			Err:      errors.NewAuthenticationError("slave1", fmt.Errorf("ssh: unable to authenticate")),
		},
	})
}

func TestStore_InsertAndGet(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, sampleReport("service presto status", time.Now()))
	require.NoError(t, err)
	require.Positive(t, id)

	run, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "service presto status", run.Command)
	require.Equal(t, 2, run.Hosts)
	require.Equal(t, 1, run.Failed)
	require.Equal(t, report.ExitHostFailed, run.ExitCode)
	require.Len(t, run.Results, 2)

	master := run.Results[0]
	require.Equal(t, "master", master.Host)
	require.Equal(t, "coordinator", master.Role)
	require.Equal(t, "line one\nline two", master.Stdout)
	require.True(t, master.Elevated)
	require.Equal(t, "passwordless-key", master.AuthMethod)
	require.Empty(t, master.ErrorType)
	require.EqualValues(t, 120, master.DurationMs)

	slave := run.Results[1]
	require.Equal(t, "authentication_failed", slave.ErrorType)
	require.Contains(t, slave.ErrorText, "authentication failed for slave1")
	require.Equal(t, 255, slave.ExitCode)
	require.Empty(t, slave.AuthMethod)
}

func TestStore_ListRecent(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, sampleReport(fmt.Sprintf("cmd %d", i), time.Now()))
		require.NoError(t, err)
	}

	runs, err := s.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, "cmd 4", runs[0].Command)
	require.Equal(t, "cmd 2", runs[2].Command)
	require.Nil(t, runs[0].Results)
}

func TestStore_CleanupMaxRuns(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Insert(ctx, sampleReport(fmt.Sprintf("cmd %d", i), time.Now()))
		require.NoError(t, err)
	}

	require.NoError(t, s.Cleanup(ctx, 0, 2))
	runs, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "cmd 3", runs[0].Command)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM host_results WHERE run_id NOT IN (SELECT id FROM runs)`).Scan(&orphans))
	require.Zero(t, orphans)
}

func TestStore_CleanupRetention(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, sampleReport("old", time.Now().AddDate(0, 0, -30)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleReport("new", time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx, 7, 0))
	runs, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "new", runs[0].Command)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open("/nonexistent-dir/for/history.db")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.SetupErrorType))
}
