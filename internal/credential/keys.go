package credential

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultKeyPaths returns the private keys tried for passwordless login, in order
func DefaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// LoadSigner reads and parses an unencrypted private key
func LoadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	s, err := ssh.ParsePrivateKey(b)
	if err == nil {
		return s, nil
	}
	var passphraseMissing *ssh.PassphraseMissingError
	if stderrors.As(err, &passphraseMissing) {
		return nil, fmt.Errorf("private key %s is encrypted; load it into ssh-agent instead", path)
	}
	return nil, fmt.Errorf("failed to parse private key: %w", err)
}

// agentSigners returns the signers of the running ssh-agent, if any. The
// returned closer releases the agent connection.
func agentSigners() ([]ssh.Signer, func() error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, nil
	}
	return signers, conn.Close
}
