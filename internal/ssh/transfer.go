package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/sftp"

	"fleet-admin/internal/errors"
)

// Transfer selects the file copy protocol
type Transfer string

const (
	TransferSFTP Transfer = "sftp"
	TransferSCP  Transfer = "scp"
)

// ParseTransfer validates a transfer protocol name
func ParseTransfer(s string) (Transfer, error) {
	switch Transfer(s) {
	case "", TransferSFTP:
		return TransferSFTP, nil
	case TransferSCP:
		return TransferSCP, nil
	}
	return "", fmt.Errorf("invalid transfer '%s': must be 'sftp' or 'scp'", s)
}

// UploadRequest describes a file copy to the host
type UploadRequest struct {
	LocalPath  string
	RemotePath string
	Mode       os.FileMode
	Transfer   Transfer
}

// Upload copies a local file to RemotePath, creating parent directories
// when the protocol allows it.
func (c *SSHClient) Upload(ctx context.Context, req UploadRequest) error {
	if c.conn == nil {
		return errors.NewConnectionError(c.host.Name, fmt.Errorf("not connected"))
	}
	if req.Mode == 0 {
		req.Mode = 0o644
	}

	src, err := os.Open(req.LocalPath)
	if err != nil {
		return errors.NewSetupError(fmt.Sprintf("failed to open local file %s", req.LocalPath), err)
	}
	defer src.Close()

	switch req.Transfer {
	case TransferSCP:
		err = c.uploadSCP(ctx, src, req)
	default:
		err = c.uploadSFTP(src, req)
	}
	if err != nil {
		return errors.NewExecutionError(c.host.Name, fmt.Sprintf("failed to upload %s: %v", req.LocalPath, err), err)
	}
	c.logger.Info("File uploaded", "host", c.host.Name, "path", req.RemotePath, "transfer", string(req.Transfer))
	return nil
}

func (c *SSHClient) uploadSFTP(src io.Reader, req UploadRequest) error {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(req.RemotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	dst, err := client.Create(req.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	return dst.Chmod(req.Mode)
}

func (c *SSHClient) uploadSCP(ctx context.Context, src io.Reader, req UploadRequest) error {
	client, err := scp.NewClientBySSH(c.conn)
	if err != nil {
		return fmt.Errorf("failed to create SCP client: %w", err)
	}
	defer client.Close()

	return client.CopyFile(ctx, src, req.RemotePath, fmt.Sprintf("%04o", req.Mode.Perm()))
}
