package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/elevation"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/ssh"
	"fleet-admin/internal/topology"
)

// fakeHost scripts how one host behaves
type fakeHost struct {
	dialErrs     []error // consumed one per Dial
	password     string  // accepted login password
	acceptKeys   bool    // accept key-based methods
	sudoPassword string
	stdout       []string
	exitCode     int
	uploadErr    error
	block        func(ctx context.Context) error
}

// fakeFleet is a set of scripted hosts shared by every fake client
type fakeFleet struct {
	mu       sync.Mutex
	hosts    map[string]*fakeHost
	dials    map[string]int
	uploads  map[string]string
	executed []string
	active   int
	peak     int
	clients  int
	closed   int
}

func newFleet(hosts map[string]*fakeHost) *fakeFleet {
	return &fakeFleet{hosts: hosts, dials: map[string]int{}, uploads: map[string]string{}}
}

func (f *fakeFleet) factory() ClientFactory {
	return func() ssh.Client {
		f.mu.Lock()
		f.clients++
		f.mu.Unlock()
		return &fakeClient{fleet: f}
	}
}

type fakeClient struct {
	fleet  *fakeFleet
	host   topology.Host
	script *fakeHost
	authed bool
}

func (c *fakeClient) Dial(ctx context.Context, host topology.Host) error {
	c.host = host
	c.fleet.mu.Lock()
	defer c.fleet.mu.Unlock()
	c.script = c.fleet.hosts[host.Name]
	if c.script == nil {
		return errors.NewConnectionError(host.Name, fmt.Errorf("no route to host"))
	}
	n := c.fleet.dials[host.Name]
	c.fleet.dials[host.Name] = n + 1
	if n < len(c.script.dialErrs) && c.script.dialErrs[n] != nil {
		return c.script.dialErrs[n]
	}
	return nil
}

func (c *fakeClient) Authenticate(ctx context.Context, user string, auth ssh.Authenticator) (*credential.Credential, error) {
	cred, err := auth.Authenticate(ctx, c.host.Name, func(ctx context.Context, a credential.Attempt) error {
		switch a.Method {
		case credential.MethodKeyFile, credential.MethodDefaultKey:
			if c.script.acceptKeys {
				return nil
			}
		default:
			if c.script.password != "" && a.Password == c.script.password {
				return nil
			}
		}
		return errors.NewAuthenticationError(c.host.Name, fmt.Errorf("ssh: unable to authenticate"))
	})
	if err == nil {
		c.authed = true
	}
	return cred, err
}

type stdinRecorder struct {
	bytes.Buffer
	closed bool
}

func (s *stdinRecorder) Close() error {
	s.closed = true
	return nil
}

func (s *stdinRecorder) last() string {
	lines := strings.Split(strings.TrimRight(s.String(), "\n"), "\n")
	return lines[len(lines)-1]
}

func (c *fakeClient) Execute(ctx context.Context, req ssh.Request) (*ssh.Result, error) {
	f := c.fleet
	f.mu.Lock()
	f.executed = append(f.executed, c.host.Name)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	result := &ssh.Result{Host: c.host, Elevated: req.Password != nil}
	stdin := &stdinRecorder{}
	resp := elevation.NewResponder(ctx, elevation.Config{
		Host:      c.host.Name,
		Sink:      req.Sink,
		Password:  req.Password,
		Retries:   req.Retries,
		OnSettled: req.OnElevated,
	}, stdin)

	if req.Password != nil {
		accepted := false
		for i := 0; i < 3 && !stdin.closed; i++ {
			io.WriteString(resp.Stderr(), elevation.PromptText)
			if stdin.closed {
				break
			}
			if stdin.last() == c.script.sudoPassword {
				accepted = true
				break
			}
			io.WriteString(resp.Stderr(), "Sorry, try again.\n")
		}
		if !accepted {
			resp.Finish()
			result.ExitCode = 1
			return result, resp.Err()
		}
	}

	if c.script.block != nil {
		if err := c.script.block(ctx); err != nil {
			resp.Finish()
			result.ExitCode = ssh.TimeoutExitCode
			return result, errors.NewExecutionError(c.host.Name, "command execution timeout", err)
		}
	}
	for _, line := range c.script.stdout {
		fmt.Fprintln(resp.Stdout(), line)
	}
	resp.Finish()
	result.Stdout, result.Stderr = resp.Lines()
	result.ExitCode = c.script.exitCode
	return result, nil
}

func (c *fakeClient) Upload(ctx context.Context, req ssh.UploadRequest) error {
	if c.script.uploadErr != nil {
		return c.script.uploadErr
	}
	c.fleet.mu.Lock()
	defer c.fleet.mu.Unlock()
	c.fleet.uploads[c.host.Name] = req.RemotePath
	return nil
}

func (c *fakeClient) Close() error {
	c.fleet.mu.Lock()
	defer c.fleet.mu.Unlock()
	c.fleet.closed++
	return nil
}

// barrier blocks until n callers arrived or the timeout passes
func barrier(n int, timeout time.Duration) func(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(n)
	all := make(chan struct{})
	go func() {
		wg.Wait()
		close(all)
	}()
	return func(ctx context.Context) error {
		wg.Done()
		select {
		case <-all:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("sessions were not concurrent")
		}
	}
}
