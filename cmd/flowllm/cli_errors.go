// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/jllopis/flowllm/pkg/errors"
)

// CLIError wraps FlowError with a hint for the operator.
type CLIError struct {
	*errors.FlowError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(fe *errors.FlowError, hint string) *CLIError {
	return &CLIError{FlowError: fe, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.FlowError == nil {
		return "unknown error"
	}
	msg := e.FlowError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the FlowError to errors.As.
func (e *CLIError) Unwrap() error { return e.FlowError }

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	fe := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(fe, "run 'flowllm help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints. A FlowError cause keeps
// its code.
func NewConfigError(err error, configPath string) *CLIError {
	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	var fe *errors.FlowError
	if stderrors.As(err, &fe) {
		if fe.Code == errors.CodeMissingConfig || fe.Code == errors.CodeInvalidConfig {
			if field, ok := fe.Context["field"].(string); ok {
				hint = fmt.Sprintf("set %s in the config file, FLOWLLM_* or --set", field)
			}
		}
		return NewCLIError(fe, hint)
	}
	fe = errors.New(errors.CodeInvalidConfig, "configuration error", err).
		WithContext("config_path", configPath)
	return NewCLIError(fe, hint)
}

// hintFor suggests a next step for codes that commonly reach the CLI.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeRoleNotFound:
		return "run 'flowllm roles list' to see registered roles"
	case errors.CodeLLMError:
		return "check llm.provider, llm.api_key and llm.base_url"
	case errors.CodeTimeout:
		return "increase llm.timeout or check provider health"
	case errors.CodeSchemaValidation:
		return "inspect the errors list for failing paths"
	case errors.CodeParse:
		return "the model did not return valid JSON"
	}
	return ""
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeInvalidConfig, errors.CodeMissingConfig:
		return "Configuration Error"
	case errors.CodeRoleNotFound, errors.CodeInvalidRole, errors.CodeCircularInheritance:
		return "Role Error"
	case errors.CodeTemplate:
		return "Template Error"
	case errors.CodeNormalization:
		return "Normalization Error"
	case errors.CodeSchemaValidation:
		return "Schema Validation Failed"
	case errors.CodeLLMError:
		return "LLM Error"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeStorage:
		return "Storage Error"
	default:
		return string(code)
	}
}

type jsonError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// printError writes err as colored text, or as a JSON object when asJSON is set.
func printError(w io.Writer, err error, asJSON bool) {
	if err == nil {
		return
	}
	var (
		cli  *CLIError
		fe   *errors.FlowError
		hint string
	)
	if stderrors.As(err, &cli) {
		fe, hint = cli.FlowError, cli.Hint
	} else if stderrors.As(err, &fe) {
		hint = hintFor(fe.Code)
	}

	if asJSON {
		out := jsonError{Code: "UNKNOWN", Message: err.Error()}
		if fe != nil {
			out = jsonError{Code: string(fe.Code), Message: fe.Message, Hint: hint, Details: fe.Context}
			if fe.Err != nil {
				out.Message += ": " + fe.Err.Error()
			}
			if len(out.Details) == 0 {
				out.Details = nil
			}
		}
		payload, jerr := json.Marshal(map[string]any{"error": out})
		if jerr != nil {
			fmt.Fprintf(w, `{"error":{"code":"UNKNOWN","message":%q}}`+"\n", err.Error())
			return
		}
		fmt.Fprintln(w, string(payload))
		return
	}

	red := color.New(color.FgRed, color.Bold).SprintFunc()
	if fe == nil {
		fmt.Fprintf(w, "%s %s\n", red("Error:"), err.Error())
		return
	}
	msg := fe.Message
	if fe.Err != nil {
		msg += ": " + fe.Err.Error()
	}
	fmt.Fprintf(w, "%s %s\n", red(FormatErrorCode(fe.Code)+" ["+string(fe.Code)+"]:"), msg)
	if issues, ok := fe.Context["errors"]; ok {
		fmt.Fprintf(w, "  %v\n", issues)
	}
	if hint != "" {
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("Hint:"), hint)
	}
}
