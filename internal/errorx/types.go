package errorx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// Kind classifies core errors for retry and surfacing decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindValidation
	KindRateBudget
	KindGuardrail
	KindMaxIter
	KindTool
	KindKnowledgeWrite
	KindQueueFull
	KindCancelled
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
	RetryAfter int // seconds, from Retry-After header
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ValidationError reports a malformed spec: unresolved references, cyclic
// task graphs, missing manager agents and the like. Always fails compile.
type ValidationError struct {
	Entity string // crew, agent or task name
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Entity, e.Reason)
}

// RateBudgetError reports exhaustion of an agent's rpm wait budget. Retryable.
type RateBudgetError struct {
	Agent string
}

func (e *RateBudgetError) Error() string {
	return fmt.Sprintf("rate budget exceeded for agent %q", e.Agent)
}

// GuardrailError reports a guardrail rejection. Consumes a task retry slot.
type GuardrailError struct {
	Guardrail string
	Reason    string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s rejected output: %s", e.Guardrail, e.Reason)
}

// MaxIterError reports that an agent hit its iteration cap. Fatal for the task.
type MaxIterError struct {
	Agent   string
	MaxIter int
}

func (e *MaxIterError) Error() string {
	return fmt.Sprintf("agent %q exceeded max_iter=%d without a terminal answer", e.Agent, e.MaxIter)
}

// ToolError is returned into the agent loop as a structured tool result.
// Strict tools escalate it to a task failure.
type ToolError struct {
	Tool   string
	Err    error
	Strict bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// KnowledgeWriteError reports a failed knowledge mutation. The store restores
// the backup before returning it.
type KnowledgeWriteError struct {
	Path string
	Err  error
}

func (e *KnowledgeWriteError) Error() string {
	return fmt.Sprintf("knowledge write to %s failed: %v", e.Path, e.Err)
}

func (e *KnowledgeWriteError) Unwrap() error { return e.Err }

// ErrQueueFull is returned when the bounded request queue rejects a submission.
var ErrQueueFull = errors.New("request queue full")

// IsTransient reports whether an error is retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var rateErr *RateBudgetError
	if errors.As(err, &rateErr) {
		return true
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if code := extractHTTPStatusCode(err); code > 0 {
		return isTransientHTTPStatus(code)
	}
	return false
}

// IsCancelled reports whether an error stems from caller cancellation or a
// deadline expiry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf classifies an error into a Kind for trace and API reporting.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case IsCancelled(err):
		return KindCancelled
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}
	var rateErr *RateBudgetError
	if errors.As(err, &rateErr) {
		return KindRateBudget
	}
	var guardErr *GuardrailError
	if errors.As(err, &guardErr) {
		return KindGuardrail
	}
	var iterErr *MaxIterError
	if errors.As(err, &iterErr) {
		return KindMaxIter
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return KindTool
	}
	var kwErr *KnowledgeWriteError
	if errors.As(err, &kwErr) {
		return KindKnowledgeWrite
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// extractHTTPStatusCode pulls a status code out of wrapped errors or, as a
// fallback, out of "status 503" style error strings.
func extractHTTPStatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.StatusCode > 0 {
		return permanentErr.StatusCode
	}

	fields := strings.Fields(err.Error())
	for i, f := range fields {
		if (f == "status" || f == "code") && i+1 < len(fields) {
			if code, parseErr := strconv.Atoi(strings.Trim(fields[i+1], ":,")); parseErr == nil {
				return code
			}
		}
	}
	return 0
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
