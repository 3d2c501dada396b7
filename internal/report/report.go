// Package report turns per-host execution results into the run report, the
// consolidated failure message and the process exit code.
package report

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/topology"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitHostFailed = 1
	ExitFatal      = 2
)

// ExecutionResult is the outcome of one host's session. It is never
// modified once the session is terminal.
type ExecutionResult struct {
	Host     topology.Host
	Stdout   []string
	Stderr   []string
	ExitCode int
	Duration time.Duration
	Err      error
	State    string
	Elevated bool
	Warnings []string
	Retries  int
	Bytes    int64

	// AuthMethod names the credential that logged in, empty when login never succeeded
	AuthMethod string
}

// Failed reports whether the host did not complete the command successfully
func (r *ExecutionResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Cause returns the error describing the failure, synthesizing one for a
// bare non-zero exit.
func (r *ExecutionResult) Cause() error {
	if r.Err != nil {
		return r.Err
	}
	if r.ExitCode != 0 {
		return errors.NewExecutionError(r.Host.Name, fmt.Sprintf("command exited with status %d", r.ExitCode), nil)
	}
	return nil
}

// RunReport collects every host's result for one invocation
type RunReport struct {
	Command  string
	Mode     string
	Started  time.Time
	Duration time.Duration
	Results  []*ExecutionResult // topology declaration order
}

// New builds a report. results must already be in declaration order.
func New(command, mode string, started time.Time, results []*ExecutionResult) *RunReport {
	return &RunReport{
		Command:  command,
		Mode:     mode,
		Started:  started,
		Duration: time.Since(started),
		Results:  results,
	}
}

// Success is true iff no host failed
func (r *RunReport) Success() bool {
	for _, res := range r.Results {
		if res.Failed() {
			return false
		}
	}
	return true
}

// Failures returns the failed results in declaration order
func (r *RunReport) Failures() []*ExecutionResult {
	var failed []*ExecutionResult
	for _, res := range r.Results {
		if res.Failed() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Result returns the result for the named host
func (r *RunReport) Result(host string) (*ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.Host.Name == host {
			return res, true
		}
	}
	return nil, false
}

// ExitCode is 0 when every host succeeded and 1 otherwise
func (r *RunReport) ExitCode() int {
	if r.Success() {
		return ExitSuccess
	}
	return ExitHostFailed
}

// Errors gathers every host failure into a collector
func (r *RunReport) Errors() *errors.ErrorCollector {
	ec := errors.NewErrorCollector()
	for _, res := range r.Failures() {
		ec.Add(res.Cause())
	}
	return ec
}

// Message returns the consolidated failure message, or "" on success
func (r *RunReport) Message() string {
	failures := r.Failures()
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Command failed on %d of %d hosts:\n", len(failures), len(r.Results))
	for _, res := range failures {
		cause := res.Cause()
		fmt.Fprintf(&b, "  %s: [%s] %v\n", res.Host.Name, TypeTitle(errors.TypeOf(cause)), cause)
	}
	b.WriteString(r.Errors().Summary())
	return b.String()
}

// TypeTitle renders an error type for operators, e.g. "Authentication Failed"
func TypeTitle(t errors.ErrorType) string {
	return cases.Title(language.English).String(strings.ReplaceAll(t.String(), "_", " "))
}

// ExitCodeFor maps an error that ended the run before or outside the
// report to an exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.TypeOf(err).IsFatal() {
		return ExitFatal
	}
	return ExitHostFailed
}
