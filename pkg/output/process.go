// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// ProcessOptions controls Process.
type ProcessOptions struct {
	// Schema is the JSON Schema checked when Validate is set.
	Schema any
	// Validate turns schema violations and JSON parse failures into errors.
	Validate bool
	// Format forces the interpretation of string output.
	Format Format
}

// Process normalizes raw LLM output and returns the value to attach to the message.
// Without validation a forced-JSON parse failure yields the raw text. With validation
// it yields PARSE_ERROR, and schema violations yield SCHEMA_VALIDATION_ERROR carrying
// the issue list in the "errors" context key.
func Process(raw any, opts ProcessOptions) (any, error) {
	n, err := Normalize(raw, WithFormat(opts.Format))
	if err != nil {
		if opts.Validate {
			return nil, err
		}
		return template.String(raw), nil
	}

	if !opts.Validate {
		return n.Value(), nil
	}

	res := Validate(n, opts.Schema)
	if !res.Valid {
		return nil, errors.New(errors.CodeSchemaValidation, "output does not match response schema", nil).
			WithContext("errors", res.Errors).
			WithContext("format", string(n.Format))
	}
	return res.Data, nil
}

// Issues returns the schema issues carried by a SCHEMA_VALIDATION_ERROR.
func Issues(err error) []Issue {
	fe := errors.AsFlowError(err)
	if fe == nil || fe.Code != errors.CodeSchemaValidation {
		return nil
	}
	issues, _ := fe.Context["errors"].([]Issue)
	return issues
}
