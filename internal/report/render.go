package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6ADC8"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7DC4E4")).
			Padding(0, 1)
)

// Statistics summarizes a run
type Statistics struct {
	TotalHosts       int
	Successful       int
	Failed           int
	Elevated         int
	TotalRetries     int
	BytesTransferred int64
	Elapsed          time.Duration
}

// Stats computes the run statistics
func (r *RunReport) Stats() Statistics {
	s := Statistics{TotalHosts: len(r.Results), Elapsed: r.Duration}
	for _, res := range r.Results {
		if res.Failed() {
			s.Failed++
		} else {
			s.Successful++
		}
		if res.Elevated {
			s.Elevated++
		}
		s.TotalRetries += res.Retries
		s.BytesTransferred += res.Bytes
	}
	return s
}

// Render writes the failure message and final statistics. Styling is
// applied only when styled is true, typically when w is a terminal.
func (r *RunReport) Render(w io.Writer, styled bool) error {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder
	if msg := r.Message(); msg != "" {
		lines := strings.Split(msg, "\n")
		b.WriteString(style(failStyle, lines[0]))
		b.WriteString("\n")
		for _, line := range lines[1:] {
			b.WriteString(line)
			b.WriteString("\n")
		}
	} else {
		b.WriteString(style(okStyle, fmt.Sprintf("Command succeeded on all %d hosts", len(r.Results))))
		b.WriteString("\n")
	}

	st := r.Stats()
	stats := []string{
		fmt.Sprintf("Total Hosts: %d", st.TotalHosts),
		fmt.Sprintf("Successful: %d (%.1f%%)", st.Successful, percent(st.Successful, st.TotalHosts)),
		fmt.Sprintf("Failed: %d (%.1f%%)", st.Failed, percent(st.Failed, st.TotalHosts)),
		fmt.Sprintf("Elevated: %d", st.Elevated),
		fmt.Sprintf("Connect Retries: %d", st.TotalRetries),
	}
	if st.BytesTransferred > 0 {
		stats = append(stats, fmt.Sprintf("Data Transferred: %s", formatBytes(st.BytesTransferred)))
	}
	stats = append(stats, fmt.Sprintf("Execution Time: %v", st.Elapsed.Round(time.Millisecond)))

	if styled {
		b.WriteString(boxStyle.Render(mutedStyle.Render(strings.Join(stats, "\n"))))
		b.WriteString("\n")
	} else {
		for _, line := range stats {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// formatBytes formats byte count in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
