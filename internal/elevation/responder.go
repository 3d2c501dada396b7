// Package elevation runs remote commands through sudo for non-privileged
// users, answering the password prompt on the session's stdin and echoing
// the exchange as host-tagged lines.
package elevation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"fleet-admin/internal/credential"
	"fleet-admin/internal/errors"
	"fleet-admin/internal/output"
)

// DefaultPrivilegedUser is the user that never needs elevation
const DefaultPrivilegedUser = "root"

var notPermittedMarkers = []string{
	"is not in the sudoers file",
	"is not allowed to run sudo",
	"may not run sudo",
}

// Required reports whether a command run as user needs to go through sudo
func Required(sudo bool, user, privileged string) bool {
	if privileged == "" {
		privileged = DefaultPrivilegedUser
	}
	return sudo && user != privileged
}

// PasswordFunc returns the sudo password for the given 1-based attempt
type PasswordFunc func(ctx context.Context, attempt int) (string, error)

// Source decides where sudo passwords come from: an explicit password
// (sudo password or the SSH password credential) wins, then the operator prompt.
type Source struct {
	Password string
	Prompt   credential.Prompt
}

// For returns the password function for host and user
func (s Source) For(host, user string) PasswordFunc {
	return func(ctx context.Context, attempt int) (string, error) {
		if s.Password != "" && (attempt == 1 || s.Prompt == nil) {
			return s.Password, nil
		}
		if s.Prompt == nil {
			return "", fmt.Errorf("no sudo password available")
		}
		if attempt == 1 {
			return s.Prompt.Initial(ctx)
		}
		return s.Prompt.ReadPassword(ctx, fmt.Sprintf("[%s] sudo password for %s: ", host, user))
	}
}

// Config configures a Responder
type Config struct {
	Host string
	Sink output.Sink

	// Password is nil when the command is not elevated; the responder then
	// only splits and tags lines.
	Password PasswordFunc
	Retries  int

	// OnSettled is called once when elevation is no longer pending: the
	// password was accepted, no prompt was needed, or sudo was refused.
	OnSettled func()
}

// Responder consumes a session's stdout and stderr. Every complete line is
// recorded and emitted as a host-tagged out line. When elevating it watches
// stderr for the sudo prompt and answers it on stdin.
type Responder struct {
	ctx   context.Context
	cfg   Config
	stdin io.WriteCloser

	mu        sync.Mutex
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	stdout    []string
	stderr    []string

	prompted     bool
	attempts     int
	awaiting     bool
	closed       bool
	notPermitted bool
	settled      bool
	err          error
}

// NewResponder creates a responder. stdin may be nil when not elevating.
func NewResponder(ctx context.Context, cfg Config, stdin io.WriteCloser) *Responder {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Responder{ctx: ctx, cfg: cfg, stdin: stdin}
}

type streamWriter struct {
	r      *Responder
	stderr bool
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.r.write(p, w.stderr)
	return len(p), nil
}

// Stdout returns the writer for the remote stdout stream
func (r *Responder) Stdout() io.Writer { return streamWriter{r: r} }

// Stderr returns the writer for the remote stderr stream
func (r *Responder) Stderr() io.Writer { return streamWriter{r: r, stderr: true} }

func (r *Responder) write(p []byte, stderr bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := &r.stdoutBuf
	if stderr {
		buf = &r.stderrBuf
	}
	buf.Write(p)

	for {
		data := buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		buf.Next(i + 1)
		r.line(line, stderr)
	}

	// sudo prints its prompt without a trailing newline
	if stderr && r.elevating() {
		if rest := buf.String(); strings.HasSuffix(rest, PromptText) {
			buf.Reset()
			if before := strings.TrimSuffix(rest, PromptText); before != "" {
				r.line(before, true)
			}
			r.prompt()
		}
	}
}

func (r *Responder) elevating() bool {
	return r.cfg.Password != nil
}

func (r *Responder) emit(kind output.Kind, text string) {
	if r.cfg.Sink != nil {
		r.cfg.Sink.Emit(r.cfg.Host, kind, text)
	}
}

// acknowledge emits the blank line that marks an accepted sudo password
func (r *Responder) acknowledge() {
	if r.awaiting {
		r.awaiting = false
		r.emit(output.KindOut, "")
	}
	r.settle()
}

func (r *Responder) settle() {
	if r.settled || r.err != nil || !r.elevating() {
		return
	}
	r.settled = true
	if r.cfg.OnSettled != nil {
		r.cfg.OnSettled()
	}
}

func (r *Responder) line(line string, stderr bool) {
	if stderr && r.elevating() {
		// sudo -S does not echo a newline, so its verdict can share the prompt's line
		if strings.HasPrefix(line, PromptText) {
			r.prompt()
			if line = strings.TrimPrefix(line, PromptText); line == "" {
				return
			}
		}
		switch {
		case strings.TrimSpace(line) == credential.RejectedLine && r.awaiting:
			r.awaiting = false
			r.emit(output.KindOut, credential.RejectedLine)
			return
		case r.prompted && containsAny(line, notPermittedMarkers):
			r.acknowledge()
			r.notPermitted = true
			r.stderr = append(r.stderr, line)
			return
		case r.prompted && strings.Contains(line, "incorrect password attempt"):
			r.awaiting = false
			r.fail(strings.TrimPrefix(line, "sudo: "))
			r.stderr = append(r.stderr, line)
			return
		case r.closed && strings.HasPrefix(line, "sudo: "):
			r.stderr = append(r.stderr, line)
			return
		}
	}

	r.acknowledge()
	if stderr {
		r.stderr = append(r.stderr, line)
	} else {
		r.stdout = append(r.stdout, line)
	}
	r.emit(output.KindOut, line)
}

func (r *Responder) prompt() {
	if r.closed {
		return
	}
	if r.awaiting {
		// re-prompted without an explicit rejection line
		r.awaiting = false
		r.emit(output.KindOut, credential.RejectedLine)
	}
	r.prompted = true
	r.attempts++
	if r.attempts > r.cfg.Retries+1 {
		r.fail(fmt.Sprintf("%d incorrect password attempts", r.attempts-1))
		return
	}

	r.emit(output.KindOut, PromptText)
	pw, err := r.cfg.Password(r.ctx, r.attempts)
	if err != nil {
		r.fail(err.Error())
		return
	}
	if r.stdin == nil {
		r.fail("no stdin to answer the sudo prompt")
		return
	}
	if _, err := io.WriteString(r.stdin, pw+"\n"); err != nil {
		r.fail(fmt.Sprintf("failed to send password: %v", err))
		return
	}
	r.awaiting = true
}

// fail records the elevation failure and closes stdin so sudo gives up
func (r *Responder) fail(msg string) {
	if r.err == nil {
		r.err = errors.NewElevationError(r.cfg.Host, msg)
	}
	r.closed = true
	if r.stdin != nil {
		r.stdin.Close()
	}
}

// Finish flushes partial lines once the remote command has ended
func (r *Responder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rest := r.stdoutBuf.String(); rest != "" {
		r.stdoutBuf.Reset()
		r.line(rest, false)
	}
	if rest := r.stderrBuf.String(); rest != "" {
		r.stderrBuf.Reset()
		r.line(rest, true)
	}
	if !r.closed {
		r.acknowledge()
	}
}

// Err returns the ElevationFailed error, if elevation failed
func (r *Responder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// NotPermitted reports whether the remote user is not allowed to use sudo
func (r *Responder) NotPermitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notPermitted
}

// Attempts returns how many sudo prompts were seen
func (r *Responder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Lines returns copies of the recorded stdout and stderr lines
func (r *Responder) Lines() (stdout, stderr []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stdout...), append([]string(nil), r.stderr...)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
