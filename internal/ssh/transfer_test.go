package ssh

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/errors"
)

// scpSink plays the remote side of `scp -t <path>` for a single file
func scpSink(cmd string, ch ssh.Channel) int {
	fields := strings.Fields(cmd)
	target := strings.Trim(fields[len(fields)-1], `"'`)
	in := bufio.NewReader(ch)
	fail := func(err error) int {
		fmt.Fprintf(ch, "\x01scp: %v\n", err)
		return 1
	}

	ch.Write([]byte{0})
	header, err := in.ReadString('\n')
	if err != nil {
		return 1
	}
	parts := strings.Fields(strings.TrimPrefix(header, "C"))
	if len(parts) != 3 {
		return fail(fmt.Errorf("protocol error: %q", header))
	}
	mode, err := strconv.ParseUint(parts[0], 8, 32)
	if err != nil {
		return fail(err)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fail(err)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		return fail(err)
	}
	ch.Write([]byte{0})

	data := make([]byte, size)
	if _, err := io.ReadFull(in, data); err != nil {
		return 1
	}
	if _, err := in.ReadByte(); err != nil {
		return 1
	}
	if err := os.WriteFile(target, data, os.FileMode(mode)); err != nil {
		return fail(err)
	}
	if err := os.Chmod(target, os.FileMode(mode)); err != nil {
		return fail(err)
	}
	ch.Write([]byte{0})
	return 0
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tpch.properties")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestUpload_SFTPCreatesParentDirectories(t *testing.T) {
	s := startServer(t, "password", "")
	c := connect(t, s, credential.Options{User: "root", Password: "password"})
	local := writeLocal(t, "connector.name=tpch\n")
	remote := filepath.Join(t.TempDir(), "staging", "nested", ".fleet-admin-tpch.properties")

	err := c.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: remote, Transfer: TransferSFTP})
	require.NoError(t, err)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "connector.name=tpch\n", string(got))
	info, err := os.Stat(remote)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestUpload_SCP(t *testing.T) {
	s := startServer(t, "password", "")
	c := connect(t, s, credential.Options{User: "root", Password: "password"})
	local := writeLocal(t, "connector.name=tpch\n")
	remote := filepath.Join(t.TempDir(), ".fleet-admin-tpch.properties")

	err := c.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: remote, Transfer: TransferSCP, Mode: 0o640})
	require.NoError(t, err)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	require.Equal(t, "connector.name=tpch\n", string(got))
	info, err := os.Stat(remote)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestUpload_SCPMissingDirectory(t *testing.T) {
	s := startServer(t, "password", "")
	c := connect(t, s, credential.Options{User: "root", Password: "password"})
	local := writeLocal(t, "connector.name=tpch\n")
	remote := filepath.Join(t.TempDir(), "absent", "tpch.properties")

	err := c.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: remote, Transfer: TransferSCP})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.CommandExecutionErrorType))
	require.Contains(t, err.Error(), "failed to upload")
	_, statErr := os.Stat(remote)
	require.True(t, os.IsNotExist(statErr))
}

func TestUpload_Errors(t *testing.T) {
	c := NewClient(testOptions(t), nil)
	err := c.Upload(context.Background(), UploadRequest{LocalPath: "x", RemotePath: "/tmp/x"})
	require.True(t, errors.Is(err, errors.ConnectionErrorType))

	s := startServer(t, "password", "")
	c = connect(t, s, credential.Options{User: "root", Password: "password"})
	err = c.Upload(context.Background(), UploadRequest{
		LocalPath:  filepath.Join(t.TempDir(), "missing.properties"),
		RemotePath: filepath.Join(t.TempDir(), "missing.properties"),
	})
	require.True(t, errors.Is(err, errors.SetupErrorType))
}
