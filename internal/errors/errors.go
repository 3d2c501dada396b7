// Package errors provides the error taxonomy and classification for fleet-admin.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the classification of errors
type ErrorType int

const (
	// SetupErrorType represents configuration or initialization errors
	SetupErrorType ErrorType = iota

	// InvalidHostIdentifierType represents a topology entry that is not a valid hostname or IP
	InvalidHostIdentifierType

	// PermissionDeniedType represents a local privilege problem detected before any host is contacted
	PermissionDeniedType

	// AuthenticationFailedType represents exhausted SSH authentication methods for a host
	AuthenticationFailedType

	// ElevationFailedType represents a sudo password that was rejected or never supplied
	ElevationFailedType

	// ConnectTimeoutType represents a host that did not answer within the connect timeout
	ConnectTimeoutType

	// ConnectionErrorType represents network or SSH transport errors
	ConnectionErrorType

	// CommandExecutionErrorType represents a non-zero exit, a command timeout or a mid-stream disconnect
	CommandExecutionErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

// String returns a string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case SetupErrorType:
		return "setup"
	case InvalidHostIdentifierType:
		return "invalid_host_identifier"
	case PermissionDeniedType:
		return "permission_denied"
	case AuthenticationFailedType:
		return "authentication_failed"
	case ElevationFailedType:
		return "elevation_failed"
	case ConnectTimeoutType:
		return "connect_timeout"
	case ConnectionErrorType:
		return "connection"
	case CommandExecutionErrorType:
		return "command_execution"
	default:
		return "unknown"
	}
}

// IsFatal reports whether errors of this type abort the whole run.
func (et ErrorType) IsFatal() bool {
	switch et {
	case SetupErrorType, InvalidHostIdentifierType, PermissionDeniedType:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type      ErrorType
	Host      string
	Original  error
	Message   string
	Retryable bool
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Original != nil {
		return ce.Original.Error()
	}
	return "unknown error"
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// IsRetryable returns whether this error type should be retried
func (ce *ClassifiedError) IsRetryable() bool {
	return ce.Retryable
}

// TypeOf returns the type of the first ClassifiedError in err's chain, or
// classifies err by its message when it carries none.
func TypeOf(err error) ErrorType {
	if err == nil {
		return UnknownErrorType
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Type
	}
	return ClassifyError(err).Type
}

// Is reports whether err carries a ClassifiedError of type t.
func Is(err error, t ErrorType) bool {
	var ce *ClassifiedError
	return stderrors.As(err, &ce) && ce.Type == t
}

// ClassifyError analyzes an error and returns its classification
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce
	}

	errStr := strings.ToLower(err.Error())

	// Authentication errors (not retryable)
	if isAuthenticationError(errStr) {
		return &ClassifiedError{Type: AuthenticationFailedType, Original: err}
	}

	// Timeout errors (retryable)
	if isTimeoutError(errStr) {
		return &ClassifiedError{Type: ConnectTimeoutType, Original: err, Retryable: true}
	}

	// Connection errors (retryable)
	if isConnectionError(errStr) {
		return &ClassifiedError{Type: ConnectionErrorType, Original: err, Retryable: true}
	}

	if isExecutionError(errStr) {
		return &ClassifiedError{Type: CommandExecutionErrorType, Original: err}
	}

	// Unknown errors are not retryable
	return &ClassifiedError{Type: UnknownErrorType, Original: err}
}

// isAuthenticationError checks if an error is related to SSH authentication
func isAuthenticationError(errStr string) bool {
	authKeywords := []string{
		"authentication failed",
		"unable to authenticate",
		"no supported methods remain",
		"permission denied (publickey",
		"no supported authentication methods",
		"invalid user",
		"access denied",
		"login incorrect",
	}

	for _, keyword := range authKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if an error is related to timeouts
func isTimeoutError(errStr string) bool {
	timeoutKeywords := []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}

	for _, keyword := range timeoutKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isConnectionError checks if an error is related to network connectivity
func isConnectionError(errStr string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"connection lost",
		"connection closed",
		"network is unreachable",
		"no route to host",
		"host unreachable",
		"no such host",
		"broken pipe",
		"handshake failed",
		"unexpected eof",
		"eof",
	}

	for _, keyword := range connectionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isExecutionError checks if an error is related to command execution
func isExecutionError(errStr string) bool {
	executionKeywords := []string{
		"command not found",
		"process exited",
		"exited with status",
		"signal:",
		"killed",
	}

	for _, keyword := range executionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// NewSetupError creates a new setup error
func NewSetupError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: SetupErrorType, Original: original, Message: message}
}

// NewInvalidHostError reports a topology entry that failed validation.
func NewInvalidHostError(value, role, reason string) *ClassifiedError {
	return &ClassifiedError{
		Type:    InvalidHostIdentifierType,
		Host:    value,
		Message: fmt.Sprintf("'%s' is not a valid ip address or host name (%s: %s).", value, role, reason),
	}
}

// NewPermissionDeniedError reports that the invoking user cannot write to path.
func NewPermissionDeniedError(path string, original error) *ClassifiedError {
	return &ClassifiedError{
		Type:     PermissionDeniedType,
		Original: original,
		Message:  fmt.Sprintf("Please run fleet-admin with sudo.\n%v", original),
		Host:     path,
	}
}

// NewAuthenticationError creates a new authentication error for host
func NewAuthenticationError(host string, original error) *ClassifiedError {
	msg := fmt.Sprintf("authentication failed for %s", host)
	if original != nil {
		msg = fmt.Sprintf("%s: %v", msg, original)
	}
	return &ClassifiedError{Type: AuthenticationFailedType, Host: host, Original: original, Message: msg}
}

// NewElevationError creates a new sudo elevation error for host
func NewElevationError(host, message string) *ClassifiedError {
	return &ClassifiedError{
		Type:    ElevationFailedType,
		Host:    host,
		Message: fmt.Sprintf("sudo elevation failed on %s: %s", host, message),
	}
}

// NewConnectTimeoutError creates a new connect timeout error for host
func NewConnectTimeoutError(host string, original error) *ClassifiedError {
	return &ClassifiedError{
		Type:      ConnectTimeoutType,
		Host:      host,
		Original:  original,
		Message:   fmt.Sprintf("timed out connecting to %s", host),
		Retryable: true,
	}
}

// NewConnectionError creates a new connection error
func NewConnectionError(host string, original error) *ClassifiedError {
	return &ClassifiedError{
		Type:      ConnectionErrorType,
		Host:      host,
		Original:  original,
		Message:   fmt.Sprintf("failed to connect to %s: %v", host, original),
		Retryable: true,
	}
}

// NewExecutionError creates a new command execution error
func NewExecutionError(host, message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: CommandExecutionErrorType, Host: host, Original: original, Message: message}
}

// ErrorCollector collects and categorizes multiple errors
type ErrorCollector struct {
	errors map[ErrorType][]error
	count  int
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make(map[ErrorType][]error),
	}
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}

	t := TypeOf(err)
	ec.errors[t] = append(ec.errors[t], err)
	ec.count++
}

// Count returns the total number of errors
func (ec *ErrorCollector) Count() int {
	return ec.count
}

// CountByType returns the number of errors of a specific type
func (ec *ErrorCollector) CountByType(errorType ErrorType) int {
	return len(ec.errors[errorType])
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	return ec.count > 0
}

// Summary returns a summary of all collected errors
func (ec *ErrorCollector) Summary() string {
	if ec.count == 0 {
		return "no errors"
	}

	types := make([]ErrorType, 0, len(ec.errors))
	for errorType := range ec.errors {
		types = append(types, errorType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	parts := make([]string, 0, len(types))
	for _, errorType := range types {
		parts = append(parts, fmt.Sprintf("%d %s", len(ec.errors[errorType]), errorType))
	}

	return fmt.Sprintf("total: %d errors (%s)", ec.count, strings.Join(parts, ", "))
}
