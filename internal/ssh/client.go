package ssh

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/elevation"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/logging"
	"fleet-admin/internal/output"
	"fleet-admin/internal/topology"
)

// DefaultConnectTimeout bounds dialing plus each authentication handshake
const DefaultConnectTimeout = 30 * time.Second

// TimeoutExitCode is reported when a command is cut off by its timeout
const TimeoutExitCode = 124

// Result represents the outcome of executing a command on a host
type Result struct {
	Host     topology.Host // The host where the command was executed
	Stdout   []string      // Remote stdout, one entry per line
	Stderr   []string      // Remote stderr, one entry per line, sudo exchange excluded
	ExitCode int           // Exit code returned by the command
	Duration time.Duration // Time taken to execute the command
	Error    error         // Any error that occurred during execution
	Elevated bool          // Whether the command ran through sudo
	Warnings []string      // Non-fatal conditions, such as sudo being refused
}

// Request describes one remote command
type Request struct {
	Command string

	// Password is set when the command must run through sudo
	Password elevation.PasswordFunc
	Retries  int

	// OnElevated fires once sudo accepted the password or needed none
	OnElevated func()

	Sink output.Sink
}

// Authenticator resolves credentials, calling try for every handshake.
// *credential.Strategy satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, host string, try credential.TryFunc) (*credential.Credential, error)
}

// Client defines the interface for SSH operations on one host
type Client interface {
	// Dial opens the TCP connection to the host
	Dial(ctx context.Context, host topology.Host) error

	// Authenticate runs the credential strategy against the host
	Authenticate(ctx context.Context, user string, auth Authenticator) (*credential.Credential, error)

	// Execute runs a command on the connected host and returns the result
	Execute(ctx context.Context, req Request) (*Result, error)

	// Upload copies a local file to a path on the host
	Upload(ctx context.Context, req UploadRequest) error

	// Close terminates the SSH connection
	Close() error
}

// Options configures host key checking and timeouts
type Options struct {
	ConnectTimeout time.Duration
	KnownHosts     string // empty means ~/.ssh/known_hosts then /etc/ssh/ssh_known_hosts
	StrictHostKey  bool
}

// SSHClient implements the Client interface using golang.org/x/crypto/ssh
type SSHClient struct {
	opts    Options
	logger  *logging.Logger
	host    topology.Host
	pending net.Conn
	conn    *ssh.Client
}

// NewClient creates a new SSH client instance with logging
func NewClient(opts Options, logger *logging.Logger) *SSHClient {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SSHClient{opts: opts, logger: logger}
}

// Dial establishes the TCP connection used by the first handshake
func (c *SSHClient) Dial(ctx context.Context, host topology.Host) error {
	c.host = host
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.pending = conn
	return nil
}

func (c *SSHClient) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.host.Address())
	if err != nil {
		return nil, classifyDialError(c.host.Name, err)
	}
	return conn, nil
}

// Authenticate performs one handshake per credential attempt. The first
// reuses the connection opened by Dial, later ones redial because the
// server drops rejected connections.
func (c *SSHClient) Authenticate(ctx context.Context, user string, auth Authenticator) (*credential.Credential, error) {
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	start := time.Now()

	cred, err := auth.Authenticate(ctx, c.host.Name, func(ctx context.Context, attempt credential.Attempt) error {
		conn := c.pending
		c.pending = nil
		if conn == nil {
			var err error
			if conn, err = c.dial(ctx); err != nil {
				return err
			}
		}
		client, err := c.handshake(conn, &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{attempt.Auth},
			HostKeyCallback: hostKeyCallback,
			Timeout:         c.opts.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		c.conn = client
		return nil
	})
	if err != nil {
		c.logger.LogConnectionError(c.host, user, err)
		return nil, err
	}
	c.logger.LogConnection(c.host, user, time.Since(start), cred.Method.String())
	return cred, nil
}

func (c *SSHClient) handshake(conn net.Conn, config *ssh.ClientConfig) (*ssh.Client, error) {
	address := c.host.Address()
	_ = conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(c.host.Name, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialError(host string, err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewConnectTimeoutError(host, err)
	}
	return errors.NewConnectionError(host, err)
}

func classifyHandshakeError(host string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return errors.NewAuthenticationError(host, err)
	case strings.Contains(msg, "knownhosts"), strings.Contains(msg, "host key"):
		return errors.NewConnectionError(host, err)
	}
	return classifyDialError(host, err)
}

// Execute runs a command on the connected host, streaming its output
// through the request sink as it arrives.
func (c *SSHClient) Execute(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Host: c.host}
	if c.conn == nil {
		result.Error = errors.NewConnectionError(c.host.Name, fmt.Errorf("not connected"))
		result.ExitCode = 255
		return result, result.Error
	}

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	elevated := req.Password != nil
	command := req.Command
	if elevated {
		command = elevation.Wrap(req.Command)
		result.Elevated = true
	}

	resp, err := c.run(ctx, command, req, result)
	if err != nil {
		return result, err
	}
	if elevated {
		c.logger.Debug("Sudo prompts answered", "host", c.host.Name, "attempts", resp.Attempts())
	}

	if elevated && resp.NotPermitted() {
		warning := fmt.Sprintf("%s is not allowed to run sudo; running unprivileged", c.conn.User())
		result.Warnings = append(result.Warnings, warning)
		if req.Sink != nil {
			req.Sink.Emit(c.host.Name, output.KindWarning, warning)
		}
		c.logger.LogConnectionWarning(c.host.Name, warning)

		plain := req
		plain.Password = nil
		*result = Result{Host: c.host, Warnings: result.Warnings}
		if _, err := c.run(ctx, req.Command, plain, result); err != nil {
			return result, err
		}
	}

	c.logger.LogExecution(c.host, result.ExitCode, time.Since(start), result.Elevated)
	return result, nil
}

// run executes command once and fills result. A non-zero exit is not an error.
func (c *SSHClient) run(ctx context.Context, command string, req Request, result *Result) (*elevation.Responder, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		result.Error = errors.NewConnectionError(c.host.Name, fmt.Errorf("failed to create session: %w", err))
		result.ExitCode = 255
		return nil, result.Error
	}
	defer session.Close()

	cfg := elevation.Config{
		Host:      c.host.Name,
		Sink:      req.Sink,
		Password:  req.Password,
		Retries:   req.Retries,
		OnSettled: req.OnElevated,
	}
	var resp *elevation.Responder
	if req.Password != nil {
		stdin, err := session.StdinPipe()
		if err != nil {
			result.Error = errors.NewConnectionError(c.host.Name, fmt.Errorf("failed to open stdin: %w", err))
			result.ExitCode = 255
			return nil, result.Error
		}
		resp = elevation.NewResponder(ctx, cfg, stdin)
	} else {
		resp = elevation.NewResponder(ctx, cfg, nil)
	}
	session.Stdout = resp.Stdout()
	session.Stderr = resp.Stderr()

	if err := session.Start(command); err != nil {
		result.Error = errors.NewConnectionError(c.host.Name, fmt.Errorf("failed to start command: %w", err))
		result.ExitCode = 255
		return nil, result.Error
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			session.Signal(ssh.SIGKILL)
		}
		resp.Finish()
		result.Stdout, result.Stderr = resp.Lines()
		result.ExitCode = TimeoutExitCode
		result.Error = errors.NewExecutionError(c.host.Name, "command execution timeout", ctx.Err())
		c.logger.LogExecutionError(c.host, result.Error)
		return resp, result.Error
	}

	resp.Finish()
	result.Stdout, result.Stderr = resp.Lines()

	if runErr != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = 255
			result.Error = errors.NewConnectionError(c.host.Name, fmt.Errorf("session ended unexpectedly: %w", runErr))
		}
	}
	if err := resp.Err(); err != nil {
		result.Error = err
	}
	if result.Error != nil {
		c.logger.LogExecutionError(c.host, result.Error)
		return resp, result.Error
	}
	return resp, nil
}

// Close terminates the SSH connection
func (c *SSHClient) Close() error {
	if c.pending != nil {
		c.pending.Close()
		c.pending = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		// close errors are not critical
		if err != nil {
			c.logger.Debug("SSH connection close error", "error", err.Error(), "host", c.host.Name)
		}
	}
	return nil
}

// hostKeyCallback tries known_hosts files first and falls back to a
// warning-based insecure callback unless strict checking is on.
func (c *SSHClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	var candidates []string
	if c.opts.KnownHosts != "" {
		candidates = append(candidates, c.opts.KnownHosts)
	} else {
		if homeDir, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(homeDir, ".ssh", "known_hosts"))
		}
		candidates = append(candidates, "/etc/ssh/ssh_known_hosts")
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cb, err := knownhosts.New(path); err == nil {
			return cb, nil
		}
	}

	if c.opts.StrictHostKey {
		return nil, errors.NewConnectionError(c.host.Name, fmt.Errorf("strict host key checking is on and no known_hosts file is usable"))
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		c.logger.LogConnectionWarning(hostname, "host key verification disabled")
		return nil
	}, nil
}
