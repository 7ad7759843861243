// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// TimestampFormat is RFC 3339 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// DefaultRole is the role used when neither the message nor the node names one.
const DefaultRole = "user"

// NodeInfo describes the node normalizing a message.
type NodeInfo struct {
	ID    string
	Name  string
	Role  string
	Debug bool
}

// Normalizer produces canonical envelopes from inbound messages.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithLogger sets the logger used to report normalization failures.
func WithLogger(logger *slog.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the time source used for default timestamps.
func WithClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize returns a canonical copy of env. The input is never mutated.
//
// After normalization _llm exists with nodeId, role, messages and timestamp set,
// payload is a string, and messages holds at least one turn when payload is non-empty.
// Failures are logged here and returned as NORMALIZATION_ERROR; no partial envelope is returned.
func (n *Normalizer) Normalize(ctx context.Context, env *Envelope, node NodeInfo) (*Envelope, error) {
	out, err := n.normalize(env, node)
	if err != nil {
		role := node.Role
		payloadType := "nil"
		if env != nil {
			role = env.Role()
			if env.Payload != nil {
				payloadType = fmt.Sprintf("%T", env.Payload)
			}
		}
		n.logger.ErrorContext(ctx, "message normalization failed",
			"node_id", node.ID,
			"role", role,
			"payload_type", payloadType,
			"error", err,
		)
		return nil, errors.New(errors.CodeNormalization, "normalize message", err).
			WithContext("node_id", node.ID).
			WithContext("payload_type", payloadType)
	}
	return out, nil
}

func (n *Normalizer) normalize(env *Envelope, node NodeInfo) (*Envelope, error) {
	if env == nil {
		return nil, errors.New(errors.CodeInvalidInput, "message must be an object", nil)
	}
	out := env.Clone()

	if out.LLM == nil {
		out.LLM = &Meta{}
	}
	meta := out.LLM
	if meta.NodeID == "" {
		meta.NodeID = node.ID
	}
	if meta.Role == "" {
		meta.Role = node.Role
		if meta.Role == "" {
			meta.Role = DefaultRole
		}
	}
	if meta.Messages == nil {
		meta.Messages = []Turn{}
	}
	if meta.Timestamp == "" {
		meta.Timestamp = n.now().UTC().Format(TimestampFormat)
	}

	payload, err := CoercePayload(out.Payload)
	if err != nil {
		return nil, err
	}
	out.Payload = payload

	if payload != "" && len(meta.Messages) == 0 {
		meta.Messages = append(meta.Messages, Turn{Role: meta.Role, Content: payload})
	}

	if node.Debug {
		out.Debug = &DebugInfo{
			NodeID:    node.ID,
			NodeName:  node.Name,
			Timestamp: n.now().UTC().Format(TimestampFormat),
		}
	}
	return out, nil
}

// CoercePayload turns a payload into its string form. nil becomes "", strings are kept
// as-is, composite values are JSON encoded and scalars are formatted.
func CoercePayload(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case json.RawMessage:
		return string(val), nil
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer,
		reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		data, err := json.Marshal(v)
		if err != nil {
			return "", errors.New(errors.CodeSerialization, "payload is not serializable", err).
				WithContext("payload_type", fmt.Sprintf("%T", v))
		}
		return string(data), nil
	default:
		return template.String(v), nil
	}
}
