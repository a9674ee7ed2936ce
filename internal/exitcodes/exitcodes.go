// Package exitcodes defines standard exit codes for CLI operations so that
// Airflow, cron, and other schedulers can branch on the failure class.
package exitcodes

import (
	"context"
	"errors"
	"strings"

	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/bridge"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/fetch"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/metadata"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/transform"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/warehouse"
)

const (
	// Success - run completed, including graceful no-op exits
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (don't retry)
	ConfigError = 1

	// ConnectionError - database connection or pool errors (recoverable)
	ConnectionError = 2

	// TransferError - a required artifact could not be fetched (recoverable)
	TransferError = 3

	// ConversionError - artifact decode failed, likely a corrupt download
	ConversionError = 4

	// LoadError - bulk load failed and rolled back (recoverable)
	LoadError = 5

	// TransformError - a cleaning or aggregation script failed
	TransformError = 6

	// MetadataError - the progress cursor could not be read or written
	MetadataError = 7

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error. Typed errors
// from the pipeline packages classify directly; anything else falls back to
// message inspection.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var transferErr *fetch.TransferError
	if errors.As(err, &transferErr) {
		return TransferError
	}

	var convErr *bridge.ConversionError
	if errors.As(err, &convErr) {
		return ConversionError
	}

	var loadErr *warehouse.LoadError
	if errors.As(err, &loadErr) {
		return LoadError
	}

	var tfErr *transform.TransformError
	if errors.As(err, &tfErr) {
		return TransformError
	}

	var metaErr *metadata.MetadataError
	if errors.As(err, &metaErr) {
		return MetadataError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	// Unknown errors default to the load class: safe to retry the run.
	return LoadError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, TransferError, LoadError, Cancelled:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case TransferError:
		return "artifact transfer error (recoverable)"
	case ConversionError:
		return "artifact conversion error"
	case LoadError:
		return "load error (recoverable)"
	case TransformError:
		return "transformation error"
	case MetadataError:
		return "progress metadata error"
	case Cancelled:
		return "cancelled (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
