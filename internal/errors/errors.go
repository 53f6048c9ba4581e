package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorType represents the category of error
type ErrorType int

const (
	// Configuration errors - missing or invalid configuration
	ErrorTypeConfig ErrorType = iota
	// Validation errors - invalid input data
	ErrorTypeValidation
	// Database errors - graph store connection or query failures
	ErrorTypeDatabase
	// FileSystem errors - file I/O failures
	ErrorTypeFileSystem
	// External errors - embedding providers, Neo4j mirror
	ErrorTypeExternal
	// Internal errors - unexpected internal state
	ErrorTypeInternal
	// Parse errors - a single source file could not be extracted
	ErrorTypeParse
	// GraphIntegrity errors - relationship unresolved at finalization
	ErrorTypeGraphIntegrity
	// IndexUnavailable errors - embedding backend down or misconfigured
	ErrorTypeIndexUnavailable
	// Ambiguous errors - more than one pattern cleared its threshold
	ErrorTypeAmbiguous
	// Unclassifiable errors - change request text has nothing to classify
	ErrorTypeUnclassifiable
)

// Severity represents how critical an error is
type Severity int

const (
	// SeverityLow - can continue with degraded functionality
	SeverityLow Severity = iota
	// SeverityMedium - should be addressed but not fatal
	SeverityMedium
	// SeverityHigh - significant issue, fails the current unit of work
	SeverityHigh
	// SeverityCritical - must be addressed, stops execution
	SeverityCritical
)

// Error represents a structured error with context
type Error struct {
	Type       ErrorType
	Severity   Severity
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is matches any *Error of the same type, so sentinel comparisons work
// with errors.Is(err, &Error{Type: ErrorTypeParse}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsFatal returns true if this error should stop execution
func (e *Error) IsFatal() bool {
	return e.Severity == SeverityCritical
}

// DetailedString returns a detailed error message with context
func (e *Error) DetailedString() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] [%s] %s\n",
		e.Severity, e.Type, e.Message))

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("Caused by: %v\n", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Context:\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, e.Context[k]))
		}
	}

	if e.StackTrace != "" {
		sb.WriteString(fmt.Sprintf("Stack trace:\n%s\n", e.StackTrace))
	}

	return sb.String()
}

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfig:
		return "CONFIG"
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeDatabase:
		return "DATABASE"
	case ErrorTypeFileSystem:
		return "FILESYSTEM"
	case ErrorTypeExternal:
		return "EXTERNAL"
	case ErrorTypeInternal:
		return "INTERNAL"
	case ErrorTypeParse:
		return "PARSE"
	case ErrorTypeGraphIntegrity:
		return "GRAPH_INTEGRITY"
	case ErrorTypeIndexUnavailable:
		return "INDEX_UNAVAILABLE"
	case ErrorTypeAmbiguous:
		return "AMBIGUOUS"
	case ErrorTypeUnclassifiable:
		return "UNCLASSIFIABLE"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) string {
	var sb strings.Builder
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		sb.WriteString(fmt.Sprintf("  %s:%d %s\n", file, line, fn.Name()))
	}
	return sb.String()
}

// New creates a new error with the given type, severity, and message
func New(errType ErrorType, severity Severity, message string) *Error {
	e := &Error{
		Type:     errType,
		Severity: severity,
		Message:  message,
		Context:  make(map[string]interface{}),
	}
	if severity == SeverityCritical {
		e.StackTrace = captureStackTrace(2)
	}
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		Type:     errType,
		Severity: severity,
		Message:  message,
		Cause:    err,
		Context:  make(map[string]interface{}),
	}
	if severity == SeverityCritical {
		e.StackTrace = captureStackTrace(2)
	}
	return e
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, errType ErrorType, severity Severity, format string, args ...interface{}) *Error {
	return Wrap(err, errType, severity, fmt.Sprintf(format, args...))
}

// Convenience constructors for common error types

// ConfigError creates a configuration error
func ConfigError(message string) *Error {
	return New(ErrorTypeConfig, SeverityCritical, message)
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeConfig, SeverityCritical, fmt.Sprintf(format, args...))
}

// ValidationError creates a validation error
func ValidationError(message string) *Error {
	return New(ErrorTypeValidation, SeverityHigh, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeValidation, SeverityHigh, fmt.Sprintf(format, args...))
}

// DatabaseError wraps a database error
func DatabaseError(err error, message string) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityHigh, message)
}

// DatabaseErrorf wraps a database error with formatting
func DatabaseErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityHigh, fmt.Sprintf(format, args...))
}

// FileSystemError wraps a filesystem error
func FileSystemError(err error, message string) *Error {
	return Wrap(err, ErrorTypeFileSystem, SeverityHigh, message)
}

// FileSystemErrorf wraps a filesystem error with formatting
func FileSystemErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ErrorTypeFileSystem, SeverityHigh, fmt.Sprintf(format, args...))
}

// ExternalError wraps an external service error
func ExternalError(err error, message string) *Error {
	return Wrap(err, ErrorTypeExternal, SeverityMedium, message)
}

// ExternalErrorf wraps an external service error with formatting
func ExternalErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ErrorTypeExternal, SeverityMedium, fmt.Sprintf(format, args...))
}

// InternalError creates an internal error
func InternalError(message string) *Error {
	return New(ErrorTypeInternal, SeverityCritical, message)
}

// InternalErrorf creates an internal error with formatting
func InternalErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

// ParseError records a recoverable per-file extraction failure
func ParseError(err error, file string) *Error {
	e := &Error{
		Type:     ErrorTypeParse,
		Severity: SeverityLow,
		Message:  fmt.Sprintf("failed to extract %s", file),
		Cause:    err,
		Context:  map[string]interface{}{"file": file},
	}
	return e
}

// GraphIntegrityErrorf reports a relationship dropped at finalization
func GraphIntegrityErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeGraphIntegrity, SeverityLow, fmt.Sprintf(format, args...))
}

// IndexUnavailable wraps an embedding backend failure
func IndexUnavailable(err error, message string) *Error {
	return Wrap(err, ErrorTypeIndexUnavailable, SeverityMedium, message)
}

// Ambiguous reports that more than one pattern cleared its threshold
func Ambiguous(patterns []string) *Error {
	return New(ErrorTypeAmbiguous, SeverityLow,
		fmt.Sprintf("change request matches %d patterns: %s", len(patterns), strings.Join(patterns, ", "))).
		WithContext("patterns", patterns)
}

// Unclassifiable reports change request text that cannot be classified
func Unclassifiable(message string) *Error {
	return New(ErrorTypeUnclassifiable, SeverityHigh, message)
}

// IsType reports whether any error in err's chain is an *Error of type t
func IsType(err error, t ErrorType) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsIndexUnavailable reports whether err signals a down embedding backend
func IsIndexUnavailable(err error) bool {
	return IsType(err, ErrorTypeIndexUnavailable)
}

// IsUnclassifiable reports whether err rejects change request text
func IsUnclassifiable(err error) bool {
	return IsType(err, ErrorTypeUnclassifiable)
}

// IsParse reports whether err is a per-file extraction failure
func IsParse(err error) bool {
	return IsType(err, ErrorTypeParse)
}

// IsFatal checks if an error is fatal (should stop execution)
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity
	}
	return SeverityMedium
}

// GetType returns the type of an error
func GetType(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}
