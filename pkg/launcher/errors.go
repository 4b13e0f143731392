package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// LauncherError carries a machine-readable code, context and an operator
// hint alongside the underlying cause.
type LauncherError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion tells the operator what to try next
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Startup pipeline errors
	ErrorCodeBootstrapFailed ErrorCode = "BOOTSTRAP_FAILED"
	ErrorCodePreflightFailed ErrorCode = "PREFLIGHT_FAILED"
	ErrorCodeSecretFailed    ErrorCode = "SECRET_FAILED"
	ErrorCodeAlreadyRunning  ErrorCode = "ALREADY_RUNNING"
	ErrorCodePortInUse       ErrorCode = "PORT_IN_USE"

	// Child lifecycle errors
	ErrorCodeProcessStartFailed ErrorCode = "PROCESS_START_FAILED"
	ErrorCodeTerminationFailed  ErrorCode = "TERMINATION_FAILED"
	ErrorCodeNotRunning         ErrorCode = "NOT_RUNNING"

	// Configuration errors
	ErrorCodeInvalidManifest      ErrorCode = "INVALID_MANIFEST"
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"

	// State file errors
	ErrorCodeStateFile ErrorCode = "STATE_FILE"
)

// Error implements the error interface. Context keys are sorted so the
// message is stable.
func (e *LauncherError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctx := make([]string, 0, len(keys))
		for _, k := range keys {
			ctx = append(ctx, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "Context: "+strings.Join(ctx, ", "))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}
	if e.Suggestion != "" {
		parts = append(parts, "Suggestion: "+e.Suggestion)
	}
	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *LauncherError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LauncherError with the given code and message
func NewError(code ErrorCode, message string) *LauncherError {
	return &LauncherError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *LauncherError) WithContext(key string, value interface{}) *LauncherError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *LauncherError) WithCause(cause error) *LauncherError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *LauncherError) WithSuggestion(suggestion string) *LauncherError {
	e.Suggestion = suggestion
	return e
}

// ErrBootstrapFailed wraps a failure to prepare the Python environment.
func ErrBootstrapFailed(venvDir string, cause error) *LauncherError {
	return NewError(ErrorCodeBootstrapFailed, "Python environment bootstrap failed").
		WithContext("venv", venvDir).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Check that python3 has the venv module, or remove %s and retry. "+
				"Use --skip-install to start with the packages already installed.", venvDir))
}

// ErrPreflightFailed reports that masking let sensitive values through.
func ErrPreflightFailed(leaked []string, cause error) *LauncherError {
	return NewError(ErrorCodePreflightFailed, "Desensitization self-test failed").
		WithContext("leaked", strings.Join(leaked, ",")).
		WithCause(cause).
		WithSuggestion("Check KEEP_PRIVATE_RANGES and the masker command; " +
			"run 'opsctl preflight' to see the masked sample line")
}

// ErrAlreadyRunning reports a live supervisor recorded in the state file.
func ErrAlreadyRunning(pid int, stateFile string) *LauncherError {
	return NewError(ErrorCodeAlreadyRunning, "Another opsctl supervisor is running").
		WithContext("pid", pid).
		WithContext("state_file", stateFile).
		WithSuggestion("Stop it first with 'opsctl stop'")
}

// ErrPortInUse reports a port that stayed busy after the port guard ran.
func ErrPortInUse(port int) *LauncherError {
	return NewError(ErrorCodePortInUse, fmt.Sprintf("Port %d is still in use", port)).
		WithContext("port", port).
		WithSuggestion(fmt.Sprintf("Find the owner with: lsof -nP -iTCP:%d -sTCP:LISTEN", port))
}

// ErrProcessStartFailed creates an error for when a child fails to start
func ErrProcessStartFailed(name string, cause error) *LauncherError {
	return NewError(ErrorCodeProcessStartFailed,
		fmt.Sprintf("Child '%s' failed to start", name)).
		WithContext("child", name).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Check that the command exists and inspect %s.log in the log directory", name))
}

// ErrTerminationFailed creates an error for when a child cannot be stopped
func ErrTerminationFailed(name string, pgid int, cause error) *LauncherError {
	return NewError(ErrorCodeTerminationFailed,
		fmt.Sprintf("Child '%s' did not terminate", name)).
		WithContext("child", name).
		WithContext("pgid", pgid).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf("Force kill the group: kill -9 -- -%d", pgid))
}

// ErrNotRunning reports a missing or stale state file.
func ErrNotRunning(stateFile string) *LauncherError {
	return NewError(ErrorCodeNotRunning, "No running opsctl stack found").
		WithContext("state_file", stateFile).
		WithSuggestion("Start the stack with 'opsctl run'")
}

// ErrInvalidManifest wraps a child manifest that failed to load or validate.
func ErrInvalidManifest(path string, cause error) *LauncherError {
	return NewError(ErrorCodeInvalidManifest, "Child manifest is invalid").
		WithContext("path", path).
		WithCause(cause).
		WithSuggestion("Every child needs a unique name and a non-empty command")
}

// ErrInvalidConfiguration creates an error for invalid configuration
func ErrInvalidConfiguration(field string, value interface{}, reason string) *LauncherError {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration for '%s': %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value)
}

// IsErrorCode reports whether any LauncherError in err's chain has code.
func IsErrorCode(err error, code ErrorCode) bool {
	var le *LauncherError
	return errors.As(err, &le) && le.Code == code
}

// GetErrorCode returns the error code from an error, or empty string if not a LauncherError
func GetErrorCode(err error) ErrorCode {
	var le *LauncherError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var le *LauncherError
	if errors.As(err, &le) {
		return le.Suggestion
	}
	return ""
}
