package credential

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// InitialPrompt is shown once per run when interactive mode is on
const InitialPrompt = "Initial value for password: "

// ErrNoInput is returned when the operator input stream is exhausted
var ErrNoInput = stderrors.New("no password entered")

// Prompt reads passwords from the operator
type Prompt interface {
	// Initial returns the run-wide password, asking for it on first use
	Initial(ctx context.Context) (string, error)

	// ReadPassword asks for a fresh password with the given prompt
	ReadPassword(ctx context.Context, prompt string) (string, error)
}

// Prompter serializes every read of the single operator input stream. On a
// terminal echo is disabled, otherwise a warning is printed and the line is
// read as-is.
type Prompter struct {
	mu     sync.Mutex
	fd     int
	isTerm bool
	reader *bufio.Reader
	out    io.Writer
	warned bool

	initialRead bool
	initial     string
	initialErr  error
}

// NewPrompter reads from in, which is used with echo disabled when it is a terminal
func NewPrompter(in *os.File, out io.Writer) *Prompter {
	fd := int(in.Fd())
	return &Prompter{
		fd:     fd,
		isTerm: term.IsTerminal(fd),
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// NewReaderPrompter reads plain lines from in
func NewReaderPrompter(in io.Reader, out io.Writer) *Prompter {
	if out == nil {
		out = io.Discard
	}
	return &Prompter{reader: bufio.NewReader(in), out: out}
}

// Initial returns the run-wide password, prompting only the first time
func (p *Prompter) Initial(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialRead {
		p.initial, p.initialErr = p.read(ctx, InitialPrompt)
		p.initialRead = true
	}
	return p.initial, p.initialErr
}

// ReadPassword prompts and reads one password
func (p *Prompter) ReadPassword(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(ctx, prompt)
}

func (p *Prompter) read(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, prompt)

	if p.isTerm {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	fmt.Fprintln(p.out)
	if !p.warned {
		fmt.Fprintln(p.out, "Warning: Password input may be echoed.")
		p.warned = true
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !(stderrors.Is(err, io.EOF) && line != "") {
		if stderrors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
