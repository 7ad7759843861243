// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package message

import "github.com/mitchellh/copystructure"

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := &Envelope{
		Payload: copyValue(e.Payload),
		WorkID:  e.WorkID,
		RoleID:  e.RoleID,
		Fields:  copyMap(e.Fields),
	}
	if e.LLM != nil {
		out.LLM = e.LLM.Clone()
	}
	if e.Debug != nil {
		d := *e.Debug
		out.Debug = &d
	}
	if e.Routing != nil {
		r := *e.Routing
		out.Routing = &r
	}
	return out
}

// Clone returns a deep copy of the _llm block.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	out := *m
	if m.Messages != nil {
		out.Messages = make([]Turn, len(m.Messages))
		for i, t := range m.Messages {
			out.Messages[i] = Turn{Role: t.Role, Content: t.Content, Extra: copyMap(t.Extra)}
		}
	}
	out.ResponseSchema = copyMap(m.ResponseSchema)
	out.Response = copyValue(m.Response)
	out.Extra = copyMap(m.Extra)
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := copyValue(m).(map[string]any)
	return out
}

// copyValue deep copies v, typed maps, slices and pointers included. Values that
// cannot be copied are shared.
func copyValue(v any) any {
	if v == nil {
		return nil
	}
	out, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return out
}
