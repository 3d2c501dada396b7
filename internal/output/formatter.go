package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// OutputMode defines the available output formatting modes
type OutputMode string

const (
	// StreamedMode writes host-tagged lines as they arrive
	StreamedMode OutputMode = "streamed"

	// BufferedMode holds lines and writes them grouped by host once the run ends
	BufferedMode OutputMode = "buffered"

	// JSONMode emits one NDJSON object per event
	JSONMode OutputMode = "json"
)

// ParseMode validates an output mode name
func ParseMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case StreamedMode, BufferedMode, JSONMode:
		return OutputMode(s), nil
	default:
		return "", fmt.Errorf("invalid output format '%s': must be one of 'streamed', 'buffered', or 'json'", s)
	}
}

// Kind classifies an output event
type Kind string

const (
	KindOut        Kind = "out"
	KindSuccess    Kind = "success"
	KindWarning    Kind = "warning"
	KindDisconnect Kind = "disconnect"
)

// Event is one line of host output
type Event struct {
	Seq  uint64    `json:"seq"`
	Host string    `json:"host"`
	Kind Kind      `json:"kind"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Render returns the operator-facing line for the event, without newline
func (e Event) Render() string {
	switch e.Kind {
	case KindSuccess:
		return fmt.Sprintf("%s on: %s", e.Text, e.Host)
	case KindWarning:
		return fmt.Sprintf("[%s] Warning: %s", e.Host, e.Text)
	case KindDisconnect:
		return fmt.Sprintf("Disconnecting from %s... done.", e.Host)
	default:
		return fmt.Sprintf("[%s] out: %s", e.Host, e.Text)
	}
}

// Sink receives host-tagged output lines. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(host string, kind Kind, text string)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(host string, kind Kind, text string)

// Emit calls f
func (f SinkFunc) Emit(host string, kind Kind, text string) { f(host, kind, text) }

// Aggregator fans in events from every session onto one channel, writes them
// in the configured mode and keeps a per-host record of what was emitted.
type Aggregator struct {
	mode   OutputMode
	writer io.Writer
	events chan Event
	done   chan struct{}
	seq    atomic.Uint64

	sendMu sync.RWMutex
	closed bool

	mu        sync.Mutex
	all       []Event
	byHost    map[string][]Event
	arrival   []string
	hostOrder []string
	writeErr  error
}

// NewAggregator creates an aggregator and starts its consumer goroutine
func NewAggregator(mode OutputMode, writer io.Writer) *Aggregator {
	if writer == nil {
		writer = os.Stdout
	}
	a := &Aggregator{
		mode:   mode,
		writer: writer,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		byHost: make(map[string][]Event),
	}
	go a.consume()
	return a
}

// SetHostOrder fixes the order hosts are flushed in buffered mode
func (a *Aggregator) SetHostOrder(hosts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hostOrder = append([]string(nil), hosts...)
}

// Emit queues one line. Lines emitted after Close are dropped.
func (a *Aggregator) Emit(host string, kind Kind, text string) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return
	}
	a.events <- Event{
		Seq:  a.seq.Add(1),
		Host: host,
		Kind: kind,
		Text: text,
		Time: time.Now(),
	}
}

// Close drains pending events, flushes buffered output and returns the
// first write error encountered.
func (a *Aggregator) Close() error {
	a.sendMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.sendMu.Unlock()
	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == BufferedMode {
		if err := a.flushBuffered(); err != nil && a.writeErr == nil {
			a.writeErr = err
		}
	}
	return a.writeErr
}

func (a *Aggregator) consume() {
	defer close(a.done)
	for ev := range a.events {
		a.mu.Lock()
		a.record(ev)
		if err := a.write(ev); err != nil && a.writeErr == nil {
			a.writeErr = err
		}
		a.mu.Unlock()
	}
}

func (a *Aggregator) record(ev Event) {
	if _, seen := a.byHost[ev.Host]; !seen {
		a.arrival = append(a.arrival, ev.Host)
	}
	a.byHost[ev.Host] = append(a.byHost[ev.Host], ev)
	a.all = append(a.all, ev)
}

func (a *Aggregator) write(ev Event) error {
	switch a.mode {
	case BufferedMode:
		return nil
	case JSONMode:
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		if _, err := fmt.Fprintf(a.writer, "%s\n", b); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
		return nil
	default:
		if _, err := fmt.Fprintln(a.writer, ev.Render()); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		return nil
	}
}

// flushBuffered writes every host's lines contiguously, declared hosts first
func (a *Aggregator) flushBuffered() error {
	written := make(map[string]bool, len(a.byHost))
	order := append(append([]string(nil), a.hostOrder...), a.arrival...)
	for _, host := range order {
		if written[host] {
			continue
		}
		written[host] = true
		for _, ev := range a.byHost[host] {
			if _, err := fmt.Fprintln(a.writer, ev.Render()); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
	}
	return nil
}

// Events returns every event received so far in arrival order
func (a *Aggregator) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.all...)
}

// HostEvents returns the events of one host in emission order
func (a *Aggregator) HostEvents(host string) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.byHost[host]...)
}

// Transcript returns the rendered output grouped by host
func (a *Aggregator) Transcript() Transcript {
	return FromEvents(a.Events())
}
