// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines the envelope that flows between flow nodes and the
// normalizer that turns loosely-structured inbound messages into it.
package message

import (
	"encoding/json"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/template"
)

// Reserved top-level envelope keys.
const (
	KeyPayload = "payload"
	KeyContent = "content"
	KeyLLM     = "_llm"
	KeyDebug   = "_debug"
	KeyRouting = "_routing"
	KeyWorkID  = "workId"
	KeyRoleID  = "roleId"
)

// Turn is one entry of a conversation carried under _llm.messages.
// Keys other than role and content are kept in Extra.
type Turn struct {
	Role    string
	Content string
	Extra   map[string]any
}

// Map returns the turn as a flat map, the shape the formatter renders.
func (t Turn) Map() map[string]any {
	out := make(map[string]any, len(t.Extra)+2)
	for k, v := range t.Extra {
		out[k] = v
	}
	if t.Role != "" {
		out["role"] = t.Role
	}
	out["content"] = t.Content
	return out
}

// MarshalJSON flattens Extra next to role and content.
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Map())
}

// UnmarshalJSON accepts any object; a non-string content is coerced to text.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Turn{}
	if role, ok := raw["role"].(string); ok {
		t.Role = role
	}
	delete(raw, "role")
	if c, ok := raw["content"]; ok {
		t.Content = template.String(c)
		delete(raw, "content")
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// Usage reports token accounting for the LLM call that produced a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Meta is the _llm block. Caller-supplied keys the pipeline does not own survive in Extra.
type Meta struct {
	NodeID         string
	Role           string
	Messages       []Turn
	Timestamp      string
	ResponseSchema map[string]any
	Response       any
	Model          string
	Usage          *Usage
	Extra          map[string]any
}

var metaKeys = map[string]struct{}{
	"nodeId": {}, "role": {}, "messages": {}, "timestamp": {},
	"responseSchema": {}, "response": {}, "model": {}, "usage": {},
}

// MarshalJSON writes owned fields and Extra at the same level.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.NodeID != "" {
		out["nodeId"] = m.NodeID
	}
	if m.Role != "" {
		out["role"] = m.Role
	}
	messages := m.Messages
	if messages == nil {
		messages = []Turn{}
	}
	out["messages"] = messages
	if m.Timestamp != "" {
		out["timestamp"] = m.Timestamp
	}
	if m.ResponseSchema != nil {
		out["responseSchema"] = m.ResponseSchema
	}
	if m.Response != nil {
		out["response"] = m.Response
	}
	if m.Model != "" {
		out["model"] = m.Model
	}
	if m.Usage != nil {
		out["usage"] = m.Usage
	}
	return json.Marshal(out)
}

// UnmarshalJSON is lenient: a messages value that is not an array decodes as empty,
// and owned keys with unexpected types are kept in Extra rather than rejected.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Meta{}
	extra := make(map[string]any)
	for key, value := range raw {
		if _, owned := metaKeys[key]; !owned {
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return err
			}
			extra[key] = v
			continue
		}
		if ok := m.decodeOwned(key, value); !ok {
			var v any
			if err := json.Unmarshal(value, &v); err == nil && v != nil {
				extra[key] = v
			}
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}

func (m *Meta) decodeOwned(key string, value json.RawMessage) bool {
	switch key {
	case "nodeId":
		return json.Unmarshal(value, &m.NodeID) == nil
	case "role":
		return json.Unmarshal(value, &m.Role) == nil
	case "timestamp":
		return json.Unmarshal(value, &m.Timestamp) == nil
	case "model":
		return json.Unmarshal(value, &m.Model) == nil
	case "messages":
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			m.Messages = []Turn{}
			return true
		}
		m.Messages = make([]Turn, 0, len(items))
		for _, item := range items {
			var turn Turn
			if err := json.Unmarshal(item, &turn); err == nil {
				m.Messages = append(m.Messages, turn)
			}
		}
		return true
	case "responseSchema":
		return json.Unmarshal(value, &m.ResponseSchema) == nil
	case "response":
		return json.Unmarshal(value, &m.Response) == nil
	case "usage":
		var u Usage
		if err := json.Unmarshal(value, &u); err != nil {
			return false
		}
		m.Usage = &u
		return true
	}
	return false
}

// DebugInfo is the informational _debug block.
type DebugInfo struct {
	NodeID    string `json:"nodeId"`
	NodeName  string `json:"nodeName,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RoutingInfo is attached by the router to each dispatched copy.
type RoutingInfo struct {
	Output   int     `json:"output"`
	Label    string  `json:"label,omitempty"`
	Source   string  `json:"source"`
	Priority float64 `json:"priority"`
}

// Envelope is the unit flowing between nodes. Top-level keys the pipeline does not own
// are preserved in Fields and written back next to the owned keys.
type Envelope struct {
	Payload any
	LLM     *Meta
	Debug   *DebugInfo
	Routing *RoutingInfo
	WorkID  string
	RoleID  string
	Fields  map[string]any
}

// Content returns the top-level content field when present.
func (e *Envelope) Content() (any, bool) {
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[KeyContent]
	return v, ok && v != nil
}

// Role returns _llm.role or "" when there is no _llm block.
func (e *Envelope) Role() string {
	if e.LLM == nil {
		return ""
	}
	return e.LLM.Role
}

// AttachIdentifiers sets the identifiers handed to the persistence layer.
func (e *Envelope) AttachIdentifiers(workID, roleID string) {
	e.WorkID = workID
	e.RoleID = roleID
}

// MarshalJSON flattens Fields and the owned keys into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.Payload != nil {
		out[KeyPayload] = e.Payload
	}
	if e.LLM != nil {
		out[KeyLLM] = e.LLM
	}
	if e.Debug != nil {
		out[KeyDebug] = e.Debug
	}
	if e.Routing != nil {
		out[KeyRouting] = e.Routing
	}
	if e.WorkID != "" {
		out[KeyWorkID] = e.WorkID
	}
	if e.RoleID != "" {
		out[KeyRoleID] = e.RoleID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits owned keys from caller fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope{}
	for key, value := range raw {
		var err error
		switch key {
		case KeyPayload:
			err = json.Unmarshal(value, &e.Payload)
		case KeyLLM:
			if string(value) == "null" {
				continue
			}
			var meta Meta
			if jerr := json.Unmarshal(value, &meta); jerr != nil {
				return errors.New(errors.CodeInvalidInput, "_llm must be an object", jerr).
					WithContext("key", KeyLLM)
			}
			e.LLM = &meta
		case KeyDebug:
			var d DebugInfo
			if json.Unmarshal(value, &d) == nil {
				e.Debug = &d
			}
		case KeyRouting:
			var r RoutingInfo
			if json.Unmarshal(value, &r) == nil {
				e.Routing = &r
			}
		case KeyWorkID:
			_ = json.Unmarshal(value, &e.WorkID)
		case KeyRoleID:
			_ = json.Unmarshal(value, &e.RoleID)
		default:
			var v any
			err = json.Unmarshal(value, &v)
			if err == nil {
				if e.Fields == nil {
					e.Fields = make(map[string]any)
				}
				e.Fields[key] = v
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// FromMap builds an envelope from a loose map as delivered by a host.
func FromMap(m map[string]any) (*Envelope, error) {
	if m == nil {
		return nil, errors.New(errors.CodeInvalidInput, "message must be an object", nil)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.New(errors.CodeSerialization, "encode message", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode message", err)
	}
	return &env, nil
}

// Parse decodes a JSON message into an envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "message must be a JSON object", err)
	}
	return &env, nil
}

// ToMap returns the envelope as a loose map with JSON-compatible values.
func (e *Envelope) ToMap() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.New(errors.CodeSerialization, "encode envelope", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.New(errors.CodeSerialization, "decode envelope", err)
	}
	return out, nil
}
