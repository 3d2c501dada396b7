// Package dispatch opens one session per host and runs a job on every host
// of a topology, in parallel or serially, without letting one host's
// failure affect its siblings.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/elevation"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/logging"
	"fleet-admin/internal/output"
	"fleet-admin/internal/report"
	"fleet-admin/internal/ssh"
	"fleet-admin/internal/topology"
)

// Mode selects how hosts are scheduled
type Mode string

const (
	Parallel Mode = "parallel"
	Serial   Mode = "serial"
)

// Config holds configuration parameters for the dispatcher
type Config struct {
	Mode            Mode
	Concurrency     int           // Maximum concurrent sessions in parallel mode (0 for all hosts)
	ConnectTimeout  time.Duration // Per-host bound on dialing
	CmdTimeout      time.Duration // Per-host bound on upload plus command
	ConnectRetries  int           // Extra dial attempts on transient errors
	RetryBackoff    time.Duration // Base of the exponential backoff
	PasswordRetries int           // Extra sudo password attempts
	PrivilegedUser  string        // User that never needs sudo
	SudoPassword    string        // Explicit sudo password, overrides the login password
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		Mode:            Parallel,
		ConnectTimeout:  ssh.DefaultConnectTimeout,
		RetryBackoff:    time.Second,
		PasswordRetries: 1,
		PrivilegedUser:  elevation.DefaultPrivilegedUser,
	}
}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Parallel:
		return Parallel, nil
	case Serial:
		return Serial, nil
	}
	return "", fmt.Errorf("invalid mode '%s': must be 'parallel' or 'serial'", s)
}

// ParseConcurrency parses concurrency configuration from string
func ParseConcurrency(concurrencyStr string) (int, error) {
	if concurrencyStr == "" || concurrencyStr == "auto" {
		return 0, nil // 0 indicates all hosts at once
	}

	concurrency, err := strconv.Atoi(concurrencyStr)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency value '%s': must be a number or 'auto'", concurrencyStr)
	}
	if concurrency < 1 {
		return 0, fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
	}
	if concurrency > 1000 {
		return 0, fmt.Errorf("concurrency too high: %d (maximum 1000)", concurrency)
	}
	return concurrency, nil
}

// ClientFactory creates an unconnected client for one host
type ClientFactory func() ssh.Client

// Dispatcher runs jobs across a topology
type Dispatcher struct {
	config    Config
	strategy  *credential.Strategy
	newClient ClientFactory
	sink      output.Sink
	logger    *logging.Logger
	observe   StateFunc
}

// New creates a dispatcher. Rejected password attempts reported by the
// strategy are routed to sink as host-tagged lines.
func New(config Config, strategy *credential.Strategy, newClient ClientFactory, sink output.Sink, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = ssh.DefaultConnectTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.PrivilegedUser == "" {
		config.PrivilegedUser = elevation.DefaultPrivilegedUser
	}
	strategy.SetNotifier(func(host, line string) {
		sink.Emit(host, output.KindOut, line)
	})
	return &Dispatcher{
		config:    config,
		strategy:  strategy,
		newClient: newClient,
		sink:      sink,
		logger:    logger,
	}
}

// OnState registers an observer for every session transition
func (d *Dispatcher) OnState(f StateFunc) {
	d.observe = f
}

type connected struct {
	host   topology.Host
	client ssh.Client
}

// Run executes job on every host and returns once every session is
// terminal. Results are in topology declaration order.
func (d *Dispatcher) Run(ctx context.Context, topo *topology.Topology, job Job) *report.RunReport {
	started := time.Now()
	hosts := topo.Hosts()
	results := make([]*report.ExecutionResult, len(hosts))

	concurrency := 1
	if d.config.Mode != Serial {
		concurrency = calculateConcurrency(d.config.Concurrency, len(hosts))
	}
	d.logger.LogExecutorStart(len(hosts), string(d.mode()), concurrency)

	if d.mode() == Serial {
		var open []connected
		for i, host := range hosts {
			res, client, ok := d.runHost(ctx, host, job)
			results[i] = res
			if ok {
				open = append(open, connected{host: host, client: client})
			} else {
				client.Close()
			}
		}
		for _, c := range open {
			c.client.Close()
			d.sink.Emit(c.host.Name, output.KindDisconnect, "")
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(concurrency)
		for i, host := range hosts {
			i, host := i, host
			g.Go(func() error {
				res, client, _ := d.runHost(ctx, host, job)
				client.Close()
				results[i] = res
				return nil
			})
		}
		// sessions never return errors, failures live in their results
		_ = g.Wait()
	}

	rep := report.New(job.Command, string(d.mode()), started, results)
	d.logger.LogExecutorComplete(len(hosts), len(hosts)-len(rep.Failures()), len(rep.Failures()), rep.Duration)
	return rep
}

func (d *Dispatcher) mode() Mode {
	if d.config.Mode == Serial {
		return Serial
	}
	return Parallel
}

// runHost drives one session to a terminal state. The returned client is
// never nil; ok reports whether it holds an authenticated connection.
func (d *Dispatcher) runHost(ctx context.Context, host topology.Host, job Job) (*report.ExecutionResult, ssh.Client, bool) {
	sess := newSession(host, d.stateObserver())
	res := &report.ExecutionResult{Host: host}
	start := time.Now()
	client := d.newClient()
	authenticated := false

	finish := func(err error) (*report.ExecutionResult, ssh.Client, bool) {
		res.Duration = time.Since(start)
		if err != nil {
			res.Err = err
			if res.ExitCode == 0 {
				res.ExitCode = 255
			}
			_ = sess.Transition(StateFailed)
			d.logger.LogExecutionError(host, err)
		} else {
			_ = sess.Transition(StateCompleted)
			d.sink.Emit(host.Name, output.KindSuccess, job.successMessage())
		}
		res.State = string(sess.State())
		states := make([]string, 0, 6)
		for _, st := range sess.History() {
			states = append(states, string(st))
		}
		d.logger.Debug("Session finished", "host", host.Name, "states", strings.Join(states, " -> "))
		return res, client, authenticated
	}

	_ = sess.Transition(StateConnecting)
	retries, err := d.dial(ctx, client, host)
	res.Retries = retries
	if err != nil {
		return finish(err)
	}

	_ = sess.Transition(StateAuthenticating)
	user := d.strategy.User()
	cred, err := client.Authenticate(ctx, user, d.strategy)
	if err != nil {
		return finish(err)
	}
	authenticated = true
	res.AuthMethod = cred.Method.String()

	cmdCtx := ctx
	if d.config.CmdTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, d.config.CmdTimeout)
		defer cancel()
	}

	// staging runs as the login user, before any privilege is requested
	if job.Upload != nil {
		if err := client.Upload(cmdCtx, ssh.UploadRequest{
			LocalPath:  job.Upload.LocalPath,
			RemotePath: job.Upload.RemotePath,
			Transfer:   job.Upload.Transfer,
		}); err != nil {
			_ = sess.Transition(StateExecuting)
			return finish(err)
		}
		if info, err := os.Stat(job.Upload.LocalPath); err == nil {
			res.Bytes = info.Size()
		}
	}

	req := ssh.Request{Command: job.Command, Retries: d.config.PasswordRetries, Sink: d.sink}
	if elevation.Required(job.Sudo, user, d.config.PrivilegedUser) {
		_ = sess.Transition(StateElevating)
		req.Password = d.sudoSource(cred).For(host.Name, user)
		req.OnElevated = func() { _ = sess.Transition(StateExecuting) }
	} else {
		_ = sess.Transition(StateExecuting)
	}

	result, err := client.Execute(cmdCtx, req)
	if result != nil {
		res.Stdout = result.Stdout
		res.Stderr = result.Stderr
		res.ExitCode = result.ExitCode
		res.Elevated = result.Elevated
		res.Warnings = result.Warnings
	}
	if err == nil && res.ExitCode != 0 {
		err = errors.NewExecutionError(host.Name, fmt.Sprintf("command exited with status %d", res.ExitCode), nil)
	}
	if err == nil && sess.State() == StateElevating {
		// sudo never prompted and the command printed nothing
		_ = sess.Transition(StateExecuting)
	}
	return finish(err)
}

// dial opens the connection, retrying transient failures with backoff. It
// returns the number of retries made.
func (d *Dispatcher) dial(ctx context.Context, client ssh.Client, host topology.Host) (int, error) {
	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
		err := client.Dial(dialCtx, host)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt >= d.config.ConnectRetries || !retryable(err) {
			return attempt, err
		}

		backoff := calculateBackoff(attempt+1, d.config.RetryBackoff)
		d.logger.LogRetry(host, attempt+1, backoff, err.Error())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, errors.NewConnectionError(host.Name, ctx.Err())
		}
	}
}

func (d *Dispatcher) sudoSource(cred *credential.Credential) elevation.Source {
	src := elevation.Source{Password: d.config.SudoPassword}
	if src.Password == "" && cred != nil && cred.HasPassword() {
		src.Password = cred.Password
	}
	// a key login still leaves the given password for sudo
	if src.Password == "" {
		src.Password = d.strategy.Options().Password
	}
	if d.strategy.Options().Interactive {
		src.Prompt = d.strategy.Prompt()
	}
	return src
}

func (d *Dispatcher) stateObserver() StateFunc {
	return func(host topology.Host, from, to State) {
		d.logger.LogStateChange(host.Name, string(from), string(to))
		if d.observe != nil {
			d.observe(host, from, to)
		}
	}
}

func retryable(err error) bool {
	var ce *errors.ClassifiedError
	return stderrors.As(err, &ce) && ce.IsRetryable()
}

// calculateBackoff calculates exponential backoff with jitter
func calculateBackoff(attempt int, base time.Duration) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * base
	jitter := time.Duration(rand.Int63n(int64(base)))
	return backoff + jitter
}

// calculateConcurrency determines the actual concurrency based on configuration and host count
func calculateConcurrency(configConcurrency int, hostCount int) int {
	if configConcurrency < 0 || hostCount <= 0 {
		return 1
	}
	if configConcurrency == 0 || configConcurrency > hostCount {
		return hostCount
	}
	if configConcurrency > 1000 {
		return 1000
	}
	return configConcurrency
}
