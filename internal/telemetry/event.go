// Package telemetry carries what the loader reports about itself: JSON
// events streamed to a monitor over websocket and prometheus metrics.
package telemetry

import (
	"encoding/json"
	"time"
)

// stable type tags
const (
	EvtAttempt   = "injection_attempt"
	EvtMatch     = "process_matched"
	EvtTimeout   = "watch_timeout"
	EvtAuth      = "ipc_auth"
	EvtRemoteLog = "remote_log"
)

// Event is one telemetry record.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts,omitempty"`

	ProcessID uint32 `json:"pid,omitempty"`
	Attempt   string `json:"attempt,omitempty"`
	Image     string `json:"image,omitempty"`

	// injection attempts
	Reached string `json:"reached,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// auth results and forwarded records
	OK      *bool  `json:"ok,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// JSON stamps the event with the current time when unset and encodes it.
func (e Event) JSON() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(e)
}

// Time is the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bool returns a pointer to b, for Event.OK.
func Bool(b bool) *bool { return &b }
