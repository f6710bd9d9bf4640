package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the kernel can surface, per the
// taxonomy the engine uses to decide retry/propagation behavior.
type ErrorKind string

const (
	ErrorKindSchema              ErrorKind = "schema_error"
	ErrorKindCircularDependency  ErrorKind = "circular_dependency"
	ErrorKindUnknownDependency   ErrorKind = "unknown_dependency"
	ErrorKindAgentInvocation     ErrorKind = "agent_invocation_error"
	ErrorKindValidation          ErrorKind = "validation_error"
	ErrorKindTimeout             ErrorKind = "timeout_error"
	ErrorKindApprovalRejected    ErrorKind = "approval_rejected"
	ErrorKindApprovalTimeout     ErrorKind = "approval_timeout"
	ErrorKindInterrupted         ErrorKind = "interrupted"
	ErrorKindEngineClosed        ErrorKind = "engine_closed"
	ErrorKindInvalidPlan         ErrorKind = "invalid_plan"
)

// KernelError is the typed error the kernel attaches to stage and workflow
// failures. Wraps an optional underlying cause for errors.Unwrap/Is/As.
type KernelError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func NewKernelError(kind ErrorKind, message string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: message, Cause: cause}
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrTimeout) match any KernelError of that kind.
func (e *KernelError) Is(target error) bool {
	var ke *KernelError
	if errors.As(target, &ke) {
		return ke.Kind == e.Kind && ke.Cause == nil && ke.Message == ""
	}
	return false
}

// Sentinel errors usable with errors.Is to test for a given kind without
// constructing a full KernelError.
var (
	ErrSchema             = &KernelError{Kind: ErrorKindSchema}
	ErrCircularDependency = &KernelError{Kind: ErrorKindCircularDependency}
	ErrUnknownDependency  = &KernelError{Kind: ErrorKindUnknownDependency}
	ErrAgentInvocation    = &KernelError{Kind: ErrorKindAgentInvocation}
	ErrValidation         = &KernelError{Kind: ErrorKindValidation}
	ErrTimeout            = &KernelError{Kind: ErrorKindTimeout}
	ErrApprovalRejected   = &KernelError{Kind: ErrorKindApprovalRejected}
	ErrApprovalTimeout    = &KernelError{Kind: ErrorKindApprovalTimeout}
	ErrInterrupted        = &KernelError{Kind: ErrorKindInterrupted}
	ErrEngineClosed       = &KernelError{Kind: ErrorKindEngineClosed}
	ErrInvalidPlan        = &KernelError{Kind: ErrorKindInvalidPlan}
)

// ValidationError reports a single structural or business-rule violation
// found while validating a WorkflowDefinition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates multiple ValidationError values so a loader
// can report every problem found in one document, not just the first.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(e.Errors), e.Errors[0].Error())
}

func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// AsError returns nil if there are no accumulated errors, or itself
// otherwise, so callers can `return errs.AsError()`.
func (e *ValidationErrors) AsError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
