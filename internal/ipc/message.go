package ipc

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Auth is the credential an injected module presents.
type Auth struct {
	PID  uint32 `json:"pid"`
	Code uint64 `json:"code"`
}

// Record is one log event of the injected module.
type Record struct {
	Level      string           `json:"level"`
	Target     string           `json:"target"`
	Filename   *string          `json:"filename"`
	LineNumber *uint32          `json:"line_number"`
	Span       map[string]any   `json:"span,omitempty"`
	Spans      []map[string]any `json:"spans,omitempty"`
	Fields     map[string]any   `json:"fields"`
}

// Message is the externally tagged union carried by a frame:
// {"Auth":{...}} or {"Log":{...}}.
type Message struct {
	Auth *Auth   `json:"Auth,omitempty"`
	Log  *Record `json:"Log,omitempty"`
}

var errBadMessage = errors.New("frame is neither Auth nor Log")

// DecodeMessage parses one frame payload.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	if (m.Auth == nil) == (m.Log == nil) {
		return Message{}, errBadMessage
	}
	return m, nil
}

// EncodeMessage serializes m.
func EncodeMessage(m Message) ([]byte, error) {
	if (m.Auth == nil) == (m.Log == nil) {
		return nil, errBadMessage
	}
	return json.Marshal(m)
}

// Message returns the "message" field of r, if any.
func (r Record) Message() string {
	if s, ok := r.Fields["message"].(string); ok {
		return s
	}
	return ""
}
