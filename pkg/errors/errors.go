// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for flowllm.
//
// Every error that leaves a pipeline carries a human-readable message, a
// machine-readable Code and optional structured Context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies flowllm errors for monitoring and host error channels.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the caller passed a structurally wrong argument.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidConfig indicates role, LLM or rule configuration is malformed.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// CodeMissingConfig indicates required configuration is absent.
	CodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// CodeInvalidRole indicates a role definition failed validation.
	CodeInvalidRole ErrorCode = "INVALID_ROLE"

	// CodeRoleNotFound indicates a role (or a parent role) is not registered.
	CodeRoleNotFound ErrorCode = "ROLE_NOT_FOUND"

	// CodeCircularInheritance indicates a cycle in the role inheritance graph.
	CodeCircularInheritance ErrorCode = "CIRCULAR_INHERITANCE"

	// CodeTemplate indicates malformed template syntax.
	CodeTemplate ErrorCode = "TEMPLATE_ERROR"

	// CodeSerialization indicates a payload could not be serialized.
	CodeSerialization ErrorCode = "SERIALIZATION_ERROR"

	// CodeNormalization indicates an inbound message could not be normalized.
	CodeNormalization ErrorCode = "NORMALIZATION_ERROR"

	// CodeValidation indicates a prompt or value failed validation.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeProcessing indicates LLM output could not be normalized.
	CodeProcessing ErrorCode = "PROCESSING_ERROR"

	// CodeParse indicates LLM output could not be parsed when JSON was required.
	CodeParse ErrorCode = "PARSE_ERROR"

	// CodeSchemaValidation indicates structured output failed JSON Schema checks.
	CodeSchemaValidation ErrorCode = "SCHEMA_VALIDATION_ERROR"

	// CodeLLMError indicates an LLM provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeStorage indicates a persistence failure.
	CodeStorage ErrorCode = "STORAGE_ERROR"
)

// FlowError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type FlowError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *FlowError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Details     map[string]interface{} `json:"details,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Details:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	if len(out.Details) == 0 {
		out.Details = nil
	}
	return json.Marshal(out)
}

// New creates a new FlowError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *FlowError {
	return &FlowError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
	}
}

// Newf creates a FlowError without a cause and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FlowError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *FlowError) WithContext(key string, value interface{}) *FlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *FlowError) WithAttribute(key, value string) *FlowError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *FlowError) WithRecoverable(recoverable bool) *FlowError {
	e.Recoverable = recoverable
	return e
}

// Derive returns a new FlowError with the same code, message, cause and
// recoverability and copies of the context and attributes. Enriching the copy leaves e untouched.
func (e *FlowError) Derive() *FlowError {
	out := New(e.Code, e.Message, e.Err).WithRecoverable(e.Recoverable)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *FlowError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsFlowError attempts to convert an error to a FlowError.
// Returns the first FlowError in the chain, or wraps err as internal.
func AsFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if stderrors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first FlowError in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// HasCode reports whether any FlowError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var fe *FlowError
		if !stderrors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Err
	}
	return false
}
