package output

import (
	"sort"
	"strings"
)

// Transcript is run output grouped by originating host. Lines that name no
// host (success announcements) are kept apart as an unordered multiset.
type Transcript struct {
	Hosts    map[string][]string
	Untagged []string
}

const (
	disconnectPrefix = "Disconnecting from "
	disconnectSuffix = "... done."
)

// ParseTranscript splits rendered output into per-host line sequences
func ParseTranscript(text string) Transcript {
	t := Transcript{Hosts: make(map[string][]string)}
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return t
	}
	for _, line := range strings.Split(text, "\n") {
		t.add(line)
	}
	return t
}

// FromEvents builds a transcript from aggregated events
func FromEvents(events []Event) Transcript {
	t := Transcript{Hosts: make(map[string][]string)}
	for _, ev := range events {
		t.add(ev.Render())
	}
	return t
}

func (t *Transcript) add(line string) {
	line = strings.TrimSuffix(line, "\r")
	if host, ok := lineHost(line); ok {
		t.Hosts[host] = append(t.Hosts[host], line)
		return
	}
	t.Untagged = append(t.Untagged, line)
}

func lineHost(line string) (string, bool) {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "] "); end > 1 {
			return line[1:end], true
		}
		if strings.HasSuffix(line, "]") && len(line) > 2 {
			return line[1 : len(line)-1], true
		}
	}
	if strings.HasPrefix(line, disconnectPrefix) && strings.HasSuffix(line, disconnectSuffix) {
		host := strings.TrimSuffix(strings.TrimPrefix(line, disconnectPrefix), disconnectSuffix)
		if host != "" {
			return host, true
		}
	}
	return "", false
}

// Equal reports whether two transcripts match ignoring cross-host order:
// each host's line sequence must match exactly, untagged lines as a multiset.
func (t Transcript) Equal(o Transcript) bool {
	if len(t.Hosts) != len(o.Hosts) {
		return false
	}
	for host, lines := range t.Hosts {
		other, ok := o.Hosts[host]
		if !ok || len(other) != len(lines) {
			return false
		}
		for i := range lines {
			if lines[i] != other[i] {
				return false
			}
		}
	}
	if len(t.Untagged) != len(o.Untagged) {
		return false
	}
	a := append([]string(nil), t.Untagged...)
	b := append([]string(nil), o.Untagged...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HostNames returns the hosts present in the transcript, sorted
func (t Transcript) HostNames() []string {
	names := make([]string, 0, len(t.Hosts))
	for h := range t.Hosts {
		names = append(names, h)
	}
	sort.Strings(names)
	return names
}

// EqualIgnoringOrder compares two rendered outputs with Transcript.Equal
func EqualIgnoringOrder(a, b string) bool {
	return ParseTranscript(a).Equal(ParseTranscript(b))
}
