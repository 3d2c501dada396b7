package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err       error
		want      ErrorType
		retryable bool
	}{
		{fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), AuthenticationFailedType, false},
		{fmt.Errorf("dial tcp 10.0.0.1:22: i/o timeout"), ConnectTimeoutType, true},
		{context.DeadlineExceeded, ConnectTimeoutType, true},
		{fmt.Errorf("dial tcp 10.0.0.1:22: connect: connection refused"), ConnectionErrorType, true},
		{fmt.Errorf("Process exited with status 3"), CommandExecutionErrorType, false},
		{fmt.Errorf("something odd"), UnknownErrorType, false},
	}
	for _, tt := range tests {
		ce := ClassifyError(tt.err)
		require.Equal(t, tt.want, ce.Type, tt.err.Error())
		require.Equal(t, tt.retryable, ce.IsRetryable(), tt.err.Error())
	}
	require.Nil(t, ClassifyError(nil))
}

func TestTypeOfWrapped(t *testing.T) {
	inner := NewElevationError("slave1", "2 incorrect password attempts")
	wrapped := fmt.Errorf("session: %w", inner)

	require.Equal(t, ElevationFailedType, TypeOf(wrapped))
	require.True(t, Is(wrapped, ElevationFailedType))
	require.False(t, Is(wrapped, AuthenticationFailedType))
	require.Equal(t, UnknownErrorType, TypeOf(nil))
	require.Equal(t, "sudo elevation failed on slave1: 2 incorrect password attempts", inner.Error())
}

func TestConstructors(t *testing.T) {
	auth := NewAuthenticationError("master", fmt.Errorf("no authentication methods available"))
	require.Equal(t, "authentication failed for master: no authentication methods available", auth.Error())
	require.False(t, auth.IsRetryable())

	perm := NewPermissionDeniedError("/var/log/fleet-admin/fleet-admin.log", fmt.Errorf("open /var/log/fleet-admin/fleet-admin.log: permission denied"))
	require.Equal(t, "Please run fleet-admin with sudo.\nopen /var/log/fleet-admin/fleet-admin.log: permission denied", perm.Error())
	require.True(t, PermissionDeniedType.IsFatal())

	host := NewInvalidHostError("bad host!", "worker", "contains a space")
	require.Contains(t, host.Error(), "'bad host!' is not a valid ip address or host name")
	require.True(t, InvalidHostIdentifierType.IsFatal())
	require.False(t, ConnectTimeoutType.IsFatal())

	orig := fmt.Errorf("refused")
	conn := NewConnectionError("slave2", orig)
	require.True(t, stderrors.Is(conn, orig))
	require.True(t, conn.IsRetryable())
}

func TestErrorCollector(t *testing.T) {
	ec := NewErrorCollector()
	require.False(t, ec.HasErrors())
	require.Equal(t, "no errors", ec.Summary())

	ec.Add(nil)
	ec.Add(NewConnectTimeoutError("slave3", context.DeadlineExceeded))
	ec.Add(NewAuthenticationError("slave1", fmt.Errorf("unable to authenticate")))
	ec.Add(NewAuthenticationError("slave2", fmt.Errorf("unable to authenticate")))

	require.Equal(t, 3, ec.Count())
	require.Equal(t, 2, ec.CountByType(AuthenticationFailedType))
	require.Equal(t, "total: 3 errors (2 authentication_failed, 1 connect_timeout)", ec.Summary())
}
