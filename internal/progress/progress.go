// Package progress draws a one-line host completion tracker on a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fleet-admin/internal/dispatch"
	"fleet-admin/internal/topology"
)

const barWidth = 30

// Tracker counts sessions reaching a terminal state and redraws a progress
// line. It is fed by dispatcher state transitions.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	active    map[dispatch.State]int
	startTime time.Time
	lastDraw  time.Time
	throttle  time.Duration
	writer    io.Writer
	enabled   bool
}

// NewTracker creates a tracker for total hosts. A disabled tracker counts
// but never draws.
func NewTracker(total int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		total:     total,
		active:    make(map[dispatch.State]int),
		startTime: time.Now(),
		throttle:  100 * time.Millisecond,
		writer:    writer,
		enabled:   enabled,
	}
}

// Observe records one session transition. Its signature matches
// dispatch.StateFunc.
func (p *Tracker) Observe(_ topology.Host, from, to dispatch.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if from != dispatch.StatePending && p.active[from] > 0 {
		p.active[from]--
	}
	switch to {
	case dispatch.StateCompleted:
		p.completed++
	case dispatch.StateFailed:
		p.failed++
	default:
		p.active[to]++
	}

	if p.enabled {
		p.draw(to.Terminal())
	}
}

// Finish clears the progress line and prints the final tally
func (p *Tracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	elapsed := time.Since(p.startTime).Round(time.Second)
	fmt.Fprintf(p.writer, "\r%s\r", strings.Repeat(" ", 100))
	if p.failed == 0 {
		fmt.Fprintf(p.writer, "✓ %d/%d hosts completed in %v\n", p.completed, p.total, elapsed)
	} else {
		fmt.Fprintf(p.writer, "⚠ %d/%d hosts done (%d completed, %d failed) in %v\n",
			p.completed+p.failed, p.total, p.completed, p.failed, elapsed)
	}
}

// Counts returns the terminal tallies so far
func (p *Tracker) Counts() (completed, failed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.total
}

// InFlight returns how many sessions currently sit in state
func (p *Tracker) InFlight(state dispatch.State) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[state]
}

func (p *Tracker) draw(force bool) {
	now := time.Now()
	if !force && now.Sub(p.lastDraw) < p.throttle {
		return
	}
	p.lastDraw = now
	if p.total == 0 {
		return
	}

	done := p.completed + p.failed
	percentage := float64(done) / float64(p.total) * 100
	filled := barWidth * done / p.total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	// [██████░░░░] 50.0% (2/4) ✓1 ✗1 auth:1 exec:1 [3s]
	fmt.Fprintf(p.writer, "\r[%s] %.1f%% (%d/%d) ✓%d ✗%d%s [%v]",
		bar, percentage, done, p.total, p.completed, p.failed,
		p.phases(), now.Sub(p.startTime).Round(time.Second))
}

func (p *Tracker) phases() string {
	var b strings.Builder
	for _, s := range []struct {
		state dispatch.State
		label string
	}{
		{dispatch.StateConnecting, "conn"},
		{dispatch.StateAuthenticating, "auth"},
		{dispatch.StateElevating, "sudo"},
		{dispatch.StateExecuting, "exec"},
	} {
		if n := p.active[s.state]; n > 0 {
			fmt.Fprintf(&b, " %s:%d", s.label, n)
		}
	}
	return b.String()
}
