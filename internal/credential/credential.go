// Package credential resolves, per host and user, the first SSH authentication
// method that works and remembers it for the rest of the run.
package credential

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/logging"
)

// RejectedLine is emitted for every failed password attempt
const RejectedLine = "Sorry, try again."

// Method identifies how a credential authenticates
type Method int

const (
	MethodKeyFile Method = iota
	MethodDefaultKey
	MethodInteractive
	MethodPassword
)

func (m Method) String() string {
	switch m {
	case MethodKeyFile:
		return "key-file"
	case MethodDefaultKey:
		return "passwordless-key"
	case MethodInteractive:
		return "interactive-password"
	case MethodPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Credential is the working authentication for one (host, user) pair. It
// lives only in memory for the duration of a run.
type Credential struct {
	Host     string
	User     string
	Method   Method
	Password string
	signers  []ssh.Signer
}

// AuthMethod returns the ssh auth method this credential uses
func (c *Credential) AuthMethod() ssh.AuthMethod {
	if c.Method == MethodKeyFile || c.Method == MethodDefaultKey {
		return ssh.PublicKeys(c.signers...)
	}
	return ssh.Password(c.Password)
}

// HasPassword reports whether the credential carries a password
func (c *Credential) HasPassword() bool {
	return c.Method == MethodInteractive || c.Method == MethodPassword
}

// Attempt is one authentication handshake to perform
type Attempt struct {
	Method   Method
	Number   int // 1-based within the method
	Auth     ssh.AuthMethod
	Password string
}

// TryFunc performs one authentication handshake. It returns a
// ClassifiedError of AuthenticationFailedType when the remote side rejected
// the credential; any other error stops the resolution.
type TryFunc func(ctx context.Context, attempt Attempt) error

// Notifier receives host-tagged lines such as RejectedLine
type Notifier func(host, line string)

// Options selects which methods apply
type Options struct {
	User            string
	KeyFile         string
	Password        string
	Interactive     bool
	DefaultKeyFiles []string // nil means DefaultKeyPaths()
	UseAgent        bool
	PasswordRetries int // extra attempts per password method
}

// Strategy tries the authentication methods in fixed precedence order and
// caches the first that succeeds per (host, user).
type Strategy struct {
	opts   Options
	prompt Prompt
	logger *logging.Logger
	notify Notifier

	mu    sync.Mutex
	cache map[string]*Credential
	locks map[string]*sync.Mutex

	keysOnce    sync.Once
	keySigners  []ssh.Signer
	agentCloser func() error
}

// NewStrategy creates a strategy. prompt may be nil when interactive mode is off.
func NewStrategy(opts Options, prompt Prompt, logger *logging.Logger) *Strategy {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.PasswordRetries < 0 {
		opts.PasswordRetries = 0
	}
	return &Strategy{
		opts:   opts,
		prompt: prompt,
		logger: logger,
		cache:  make(map[string]*Credential),
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetNotifier sets where rejected-attempt lines go
func (s *Strategy) SetNotifier(n Notifier) {
	s.notify = n
}

// User returns the remote user credentials are resolved for
func (s *Strategy) User() string {
	return s.opts.User
}

// Options returns the options the strategy was built with
func (s *Strategy) Options() Options {
	return s.opts
}

// Prompt returns the operator prompt, if any
func (s *Strategy) Prompt() Prompt {
	return s.prompt
}

// cached returns the memoized credential for host, if one was resolved
func (s *Strategy) cached(host string) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[s.key(host)]
	return c, ok
}

// Close discards every cached credential and releases the agent connection
func (s *Strategy) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]*Credential)
	closer := s.agentCloser
	s.agentCloser = nil
	s.mu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}

func (s *Strategy) key(host string) string {
	return s.opts.User + "@" + host
}

func (s *Strategy) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Authenticate resolves a working credential for host, calling try for
// every handshake. Concurrent calls for the same host are serialized so
// the operator is prompted at most once per host.
func (s *Strategy) Authenticate(ctx context.Context, host string, try TryFunc) (*Credential, error) {
	key := s.key(host)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()

	var lastErr error
	if ok {
		err := try(ctx, Attempt{Method: cached.Method, Number: 1, Auth: cached.AuthMethod(), Password: cached.Password})
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, errors.AuthenticationFailedType) {
			return nil, err
		}
		lastErr = err
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}

	cred, err := s.resolve(ctx, host, try, lastErr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cred
	s.mu.Unlock()
	return cred, nil
}

func (s *Strategy) resolve(ctx context.Context, host string, try TryFunc, lastErr error) (*Credential, error) {
	tried := false

	attemptKeys := func(method Method, signers []ssh.Signer) (*Credential, error) {
		tried = true
		err := try(ctx, Attempt{Method: method, Number: 1, Auth: ssh.PublicKeys(signers...)})
		s.logger.LogAuthAttempt(host, s.opts.User, method.String(), 1, err)
		if err == nil {
			return &Credential{Host: host, User: s.opts.User, Method: method, signers: signers}, nil
		}
		lastErr = err
		return nil, err
	}

	// 1. explicit key file
	if s.opts.KeyFile != "" {
		signer, err := LoadSigner(s.opts.KeyFile)
		if err != nil {
			lastErr = err
			s.logger.Error("key file unusable", "host", host, "error", err.Error())
		} else if cred, err := attemptKeys(MethodKeyFile, []ssh.Signer{signer}); cred != nil {
			return cred, nil
		} else if !errors.Is(err, errors.AuthenticationFailedType) {
			return nil, err
		}
	}

	// 2. passwordless keys the host already trusts
	if signers := s.defaultSigners(); len(signers) > 0 {
		if cred, err := attemptKeys(MethodDefaultKey, signers); cred != nil {
			return cred, nil
		} else if !errors.Is(err, errors.AuthenticationFailedType) {
			return nil, err
		}
	}

	// 3. interactive password
	if s.opts.Interactive && s.prompt != nil {
		tried = true
		cred, err := s.attemptPasswords(ctx, host, MethodInteractive, try, func(n int) (string, error) {
			if n == 1 {
				return s.prompt.Initial(ctx)
			}
			return s.prompt.ReadPassword(ctx, fmt.Sprintf("[%s] Login password for '%s': ", host, s.opts.User))
		})
		if cred != nil {
			return cred, nil
		}
		if err != nil && !errors.Is(err, errors.AuthenticationFailedType) && !stderrors.Is(err, ErrNoInput) {
			return nil, err
		}
		if err != nil {
			lastErr = err
		}
	}

	// 4. password given directly
	if s.opts.Password != "" {
		tried = true
		cred, err := s.attemptPasswords(ctx, host, MethodPassword, try, func(int) (string, error) {
			return s.opts.Password, nil
		})
		if cred != nil {
			return cred, nil
		}
		if err != nil && !errors.Is(err, errors.AuthenticationFailedType) {
			return nil, err
		}
		lastErr = err
	}

	if !tried && lastErr == nil {
		lastErr = fmt.Errorf("no authentication methods available")
	}
	return nil, errors.NewAuthenticationError(host, rootCause(lastErr))
}

func (s *Strategy) attemptPasswords(ctx context.Context, host string, method Method, try TryFunc, next func(n int) (string, error)) (*Credential, error) {
	var lastErr error
	for n := 1; n <= s.opts.PasswordRetries+1; n++ {
		pw, err := next(n)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		err = try(ctx, Attempt{Method: method, Number: n, Auth: ssh.Password(pw), Password: pw})
		s.logger.LogAuthAttempt(host, s.opts.User, method.String(), n, err)
		if err == nil {
			return &Credential{Host: host, User: s.opts.User, Method: method, Password: pw}, nil
		}
		if !errors.Is(err, errors.AuthenticationFailedType) {
			return nil, err
		}
		lastErr = err
		if s.notify != nil {
			s.notify(host, RejectedLine)
		}
	}
	return nil, lastErr
}

func (s *Strategy) defaultSigners() []ssh.Signer {
	s.keysOnce.Do(func() {
		if s.opts.UseAgent {
			signers, closer := agentSigners()
			s.keySigners = append(s.keySigners, signers...)
			s.mu.Lock()
			s.agentCloser = closer
			s.mu.Unlock()
		}
		paths := s.opts.DefaultKeyFiles
		if paths == nil {
			paths = DefaultKeyPaths()
		}
		for _, p := range paths {
			if signer, err := LoadSigner(p); err == nil {
				s.keySigners = append(s.keySigners, signer)
			}
		}
	})
	return s.keySigners
}

// rootCause unwraps authentication errors so the final error carries the
// transport message rather than a nested authentication error.
func rootCause(err error) error {
	var ce *errors.ClassifiedError
	for stderrors.As(err, &ce) && ce.Type == errors.AuthenticationFailedType && ce.Original != nil {
		err = ce.Original
	}
	return err
}
