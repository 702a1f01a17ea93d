package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Ledger errors (LEDGER-001 to LEDGER-099)
	ErrCodeSequenceViolation    ErrorCode = "LEDGER-001"
	ErrCodeVerificationMissing  ErrorCode = "LEDGER-002"
	ErrCodeIntegrityViolation   ErrorCode = "LEDGER-003"
	ErrCodeBacktrackInvalid     ErrorCode = "LEDGER-004"
	ErrCodeLedgerStoreFailed    ErrorCode = "LEDGER-005"
	ErrCodeLedgerEntryMalformed ErrorCode = "LEDGER-006"

	// Provider errors (PROVIDER-001 to PROVIDER-099)
	ErrCodeQuotaExhausted     ErrorCode = "PROVIDER-001"
	ErrCodeProviderUnknown    ErrorCode = "PROVIDER-002"
	ErrCodeProviderConfig     ErrorCode = "PROVIDER-003"
	ErrCodeNoProviderForType  ErrorCode = "PROVIDER-004"

	// Admission errors (WIP-001 to WIP-099)
	ErrCodeAdmissionDenied ErrorCode = "WIP-001"
	ErrCodeWIPConfig       ErrorCode = "WIP-002"

	// Health errors (HEALTH-001 to HEALTH-099)
	ErrCodeCheckFailure       ErrorCode = "HEALTH-001"
	ErrCodeRemediationFailure ErrorCode = "HEALTH-002"
	ErrCodeMonitorBusy        ErrorCode = "HEALTH-003"
	ErrCodeEscalationWrite    ErrorCode = "HEALTH-004"
	ErrCodeHealthConfig       ErrorCode = "HEALTH-005"

	// Observability errors (OBS-001 to OBS-099)
	ErrCodeSourceUnreadable ErrorCode = "OBS-001"
	ErrCodeExportFailed     ErrorCode = "OBS-002"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeFileUnmarshal   ErrorCode = "IO-004"
)

// ForemanError represents an enhanced error with code, suggestions, and documentation
type ForemanError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *ForemanError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ForemanError) Unwrap() error {
	return e.Cause
}

// New creates a new ForemanError
func New(code ErrorCode, message string) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new ForemanError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ForemanError) WithSuggestion(suggestion string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ForemanError) WithSuggestions(suggestions ...string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *ForemanError) WithDocs(url string) *ForemanError {
	e.DocsURL = url
	return e
}

// HasCode reports whether err (or any error it wraps) carries the given code.
// Recoverable control-flow signals such as QuotaExhausted and AdmissionDenied
// are branched on with this rather than string matching.
func HasCode(err error, code ErrorCode) bool {
	var fe *ForemanError
	if stderrors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// Code extracts the error code from err, or returns the empty code.
func Code(err error) ErrorCode {
	var fe *ForemanError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsRecoverable reports whether the error is a control-flow signal the caller
// retries or reschedules around, as opposed to a fatal correctness-gate error.
func IsRecoverable(err error) bool {
	switch Code(err) {
	case ErrCodeQuotaExhausted, ErrCodeAdmissionDenied, ErrCodeCheckFailure, ErrCodeRemediationFailure:
		return true
	default:
		return false
	}
}

// Common error constructors for frequently used errors

// NewSequenceViolationError creates an out-of-order transition error
func NewSequenceViolationError(taskID, details string) *ForemanError {
	return New(ErrCodeSequenceViolation, fmt.Sprintf("sequence violation for task %s: %s", taskID, details)).
		WithSuggestion("Run 'foreman ledger show <task>' to inspect the task's recorded phases").
		WithSuggestion("Use 'requestBacktrack' to legitimately return to an earlier phase")
}

// NewVerificationMissingError creates an error naming exactly the missing approvals
func NewVerificationMissingError(taskID, phase string, missing []string) *ForemanError {
	return New(ErrCodeVerificationMissing,
		fmt.Sprintf("cannot leave phase %q for task %s: missing approvals: %s", phase, taskID, strings.Join(missing, ", "))).
		WithSuggestion("Supply the missing verification verdicts before advancing")
}

// NewIntegrityViolationError creates a hash-chain integrity error.
// Treated as security-relevant: it implies tampering or a storage bug.
func NewIntegrityViolationError(taskID string, sequence uint64, details string) *ForemanError {
	return New(ErrCodeIntegrityViolation,
		fmt.Sprintf("ledger integrity violation for task %s at entry %d: %s", taskID, sequence, details)).
		WithSuggestion("Audit the ledger storage for tampering or corruption").
		WithSuggestion("Run 'foreman ledger verify <task>' for a full chain report")
}

// NewQuotaExhaustedError creates a rolling rate-limit error
func NewQuotaExhaustedError(provider string) *ForemanError {
	return New(ErrCodeQuotaExhausted, fmt.Sprintf("provider %s is over its rolling hourly quota", provider)).
		WithSuggestion("Wait for the provider's usage window to reset").
		WithSuggestion("Run 'foreman provider status' to see per-provider headroom")
}

// NewAdmissionDeniedError creates a WIP ceiling error with the human-readable reason
func NewAdmissionDeniedError(reason string) *ForemanError {
	return New(ErrCodeAdmissionDenied, fmt.Sprintf("admission denied: %s", reason)).
		WithSuggestion("Finish or unblock in-progress work to free capacity").
		WithSuggestion("Run 'foreman wip status' to see which ceilings are saturated")
}
