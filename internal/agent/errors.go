package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions the loop and executor branch on by
// identity rather than by inspecting a message string.
var (
	ErrToolNotFound = errors.New("agent: tool not found")
	ErrPolicyDenied = errors.New("agent: policy denied")
	ErrApprovalRequired = errors.New("agent: approval required")
	ErrHookRejected = errors.New("agent: hook rejected")
	ErrToolTimeout = errors.New("agent: tool execution timed out")
	ErrMaxIterations = errors.New("agent: max iterations exceeded")
	ErrSessionBusy = errors.New("agent: session already has an active loop")
	ErrNoPendingApproval = errors.New("agent: no pending approval for session")
	ErrApprovalMismatch = errors.New("agent: approval does not match pending tool call")
)

// ToolErrorType classifies a ToolError for retry and metrics purposes.
type ToolErrorType string

const (
	ToolErrorNotFound ToolErrorType = "not_found"
	ToolErrorPolicy ToolErrorType = "policy_denied"
	ToolErrorApproval ToolErrorType = "approval_required"
	ToolErrorHook ToolErrorType = "hook_rejected"
	ToolErrorTimeout ToolErrorType = "timeout"
	ToolErrorExecution ToolErrorType = "execution_failed"
	ToolErrorPanic ToolErrorType = "panic"
)

// ToolError wraps a failure from one tool invocation with enough
// context for the executor's retry logic and the loop's "errors become
// data" conversion into a failed ToolResult.
type ToolError struct {
	ToolName string
	ToolCallID string
	Type ToolErrorType
	Message string
	Err error
}

func NewToolError(toolName string, err error) *ToolError {
	te := &ToolError{ToolName: toolName, Type: ToolErrorExecution, Err: err}
	if err != nil {
		te.Message = err.Error()
	}
	return te
}

func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %q: %s", e.ToolName, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("tool %q: %s", e.ToolName, e.Err.Error())
	}
	return fmt.Sprintf("tool %q: %s", e.ToolName, e.Type)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// GetToolError extracts a *ToolError from err, if any is present in its
// Unwrap chain.
func GetToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsToolRetryable reports whether the executor should retry err. Policy,
// approval, hook, and not-found failures are never retryable: retrying
// them cannot change the outcome.
func IsToolRetryable(err error) bool {
	te, ok := GetToolError(err)
	if !ok {
		return false
	}
	switch te.Type {
	case ToolErrorTimeout, ToolErrorExecution, ToolErrorPanic:
		return true
	default:
		return false
	}
}

// LLMErrorKind classifies a provider failure /§7.
type LLMErrorKind string

const (
	LLMErrorTransport LLMErrorKind = "transport"
	LLMErrorAPI LLMErrorKind = "api"
	LLMErrorRateLimit LLMErrorKind = "rate_limit"
)

// LLMError is a neutral provider-failure shape with the same fields as
// providers.LLMError. The provider adapters return providers.LLMError;
// nothing in this package converts one into the other.
type LLMError struct {
	Kind LLMErrorKind
	Status int
	Message string
	RetryAfter *int // seconds, only set for RateLimit
	Err error
}

func (e *LLMError) Error() string {
	switch e.Kind {
	case LLMErrorAPI:
		return fmt.Sprintf("llm: api error (status %d): %s", e.Status, e.Message)
	case LLMErrorRateLimit:
		if e.RetryAfter != nil {
			return fmt.Sprintf("llm: rate limited, retry after %ds", *e.RetryAfter)
		}
		return "llm: rate limited"
	default:
		if e.Err != nil {
			return fmt.Sprintf("llm: transport error: %s", e.Err.Error())
		}
		return "llm: transport error"
	}
}

func (e *LLMError) Unwrap() error {
	return e.Err
}
