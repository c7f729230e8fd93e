// Package events defines the canonical telemetry event shapes and their
// batch validator.
//
// Purpose:
//
//	Every observation enters the pipeline as an Event whose payload shape is
//	determined by its type. Validation is purely structural and never touches
//	the database; the ingest endpoint rejects a batch wholesale when any
//	member is malformed.
package events

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType enumerates the closed set of telemetry event types.
type EventType string

const (
	TypeMessageCreated EventType = "message_created"
	TypeRunStarted     EventType = "run_started"
	TypeRunCompleted   EventType = "run_completed"
	TypeLocalHandoff   EventType = "local_handoff"
)

// RunStatus enumerates terminal run outcomes.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunFail      RunStatus = "fail"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// ErrorType enumerates failure categories on completed runs.
type ErrorType string

const (
	ErrorTool    ErrorType = "tool_error"
	ErrorModel   ErrorType = "model_error"
	ErrorTimeout ErrorType = "timeout"
	ErrorUnknown ErrorType = "unknown"
)

// HandoffMethod enumerates how a session was handed off to a local environment.
type HandoffMethod string

const (
	HandoffTeleport  HandoffMethod = "teleport"
	HandoffDownload  HandoffMethod = "download"
	HandoffCopyPatch HandoffMethod = "copy_patch"
	HandoffOther     HandoffMethod = "other"
)

// Event is one telemetry observation on the wire. Payload stays raw until the
// type is known; DecodePayload returns the typed variant.
type Event struct {
	EventID    string          `json:"event_id"`
	OrgID      string          `json:"org_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  EventType       `json:"event_type"`
	SessionID  string          `json:"session_id"`
	UserID     *string         `json:"user_id"`
	RunID      *string         `json:"run_id"`
	Payload    json.RawMessage `json:"payload"`
}

// MessagePayload accompanies message_created events.
type MessagePayload struct {
	Content string `json:"content"`
}

// RunCompletedPayload accompanies run_completed events. Cost is a decimal
// string so cents survive the trip into a NUMERIC column untouched.
type RunCompletedPayload struct {
	Status       RunStatus `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	Cost         Decimal   `json:"cost"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	ErrorType    ErrorType `json:"error_type,omitempty"`
}

// HandoffPayload accompanies local_handoff events.
type HandoffPayload struct {
	Method HandoffMethod `json:"method"`
}

// Decimal is a JSON number or numeric string, kept as its literal text.
type Decimal string

// UnmarshalJSON accepts both `"0.05"` and `0.05`.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = Decimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Decimal(n.String())
	return nil
}

// Float returns the numeric value, or false when the text does not parse.
func (d Decimal) Float() (float64, bool) {
	if d == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(d), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// DecodeMessagePayload decodes the payload of a message_created event.
func (e *Event) DecodeMessagePayload() (MessagePayload, error) {
	var p MessagePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeRunCompletedPayload decodes the payload of a run_completed event.
func (e *Event) DecodeRunCompletedPayload() (RunCompletedPayload, error) {
	var p RunCompletedPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeHandoffPayload decodes the payload of a local_handoff event.
func (e *Event) DecodeHandoffPayload() (HandoffPayload, error) {
	var p HandoffPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Day returns the UTC calendar date the event belongs to.
func (e *Event) Day() time.Time {
	return e.OccurredAt.UTC().Truncate(24 * time.Hour)
}
