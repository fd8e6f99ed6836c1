// internal/outcome/outcome.go
// Package outcome provides the result envelope and error taxonomy returned by
// every request/response operation of the template store. Operations return a
// tagged Result instead of raising errors so the API layer can map outcomes
// directly to transport responses.
package outcome

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies a failed store operation.
type ErrorCode string

const (
	// Resource errors
	NotFound ErrorCode = "NOT_FOUND" // Record absent or logically deleted

	// State-machine violations the caller could have avoided
	AlreadySubmitted  ErrorCode = "ALREADY_SUBMITTED"           // Terminal SUBMITTED state reached
	CannotChangeType  ErrorCode = "CANNOT_CHANGE_TEMPLATE_TYPE" // templateType is immutable
	CannotSubmit      ErrorCode = "CANNOT_SUBMIT"               // Submit preconditions unmet
	CannotApproveProof ErrorCode = "CANNOT_APPROVE"             // Proof approval preconditions unmet
	CannotProof       ErrorCode = "CANNOT_PROOF"                // Proof request preconditions unmet
	BadRequest        ErrorCode = "BAD_REQUEST"                 // General validation failure

	// Concurrency
	Conflict ErrorCode = "CONFLICT" // Optimistic lock mismatch; re-fetch and retry

	// Server errors
	Internal ErrorCode = "INTERNAL" // Unexpected storage failure
)

// StoreError is a classified operation failure.
// ActualError carries the underlying fault when there is something worth
// logging (unexpected storage errors, or conditional failures whose raw
// payload is diagnostically useful). It is never serialized to clients.
type StoreError struct {
	Code        ErrorCode         `json:"code"`
	Description string            `json:"technicalMessage"`
	Details     map[string]string `json:"details,omitempty"`
	ActualError error             `json:"-"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.ActualError != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.ActualError)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the underlying fault to errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.ActualError
}

// HTTPStatus maps the error code to a transport status code.
func (e *StoreError) HTTPStatus() int {
	switch e.Code {
	case NotFound:
		return http.StatusNotFound
	case AlreadySubmitted, CannotChangeType, CannotSubmit, CannotApproveProof, CannotProof, BadRequest:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Result is the uniform {data} | {error} envelope.
type Result[T any] struct {
	Data  *T
	Error *StoreError
}

// OK wraps a successful value.
func OK[T any](data *T) Result[T] {
	return Result[T]{Data: data}
}

// Failure builds an error result with an underlying cause.
func Failure[T any](code ErrorCode, description string, actual error) Result[T] {
	return Result[T]{Error: &StoreError{Code: code, Description: description, ActualError: actual}}
}

// FailureWithDetails builds an error result carrying structured details.
func FailureWithDetails[T any](code ErrorCode, description string, actual error, details map[string]string) Result[T] {
	return Result[T]{Error: &StoreError{Code: code, Description: description, Details: details, ActualError: actual}}
}

// Fail wraps an already-classified error.
func Fail[T any](err *StoreError) Result[T] {
	return Result[T]{Error: err}
}
