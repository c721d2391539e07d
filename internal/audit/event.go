// Package audit is the append-only local record of every interaction. It is
// the system of record until the archiver confirms durable upload; nothing
// here is deleted except by the archiver after verification.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/assistkit/recall/internal/policy"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindCommand Kind = "command"
	KindSystem  Kind = "system"
)

// Event is one audited interaction. Append-only; never mutated.
type Event struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// MessagePayload is the v1 payload schema for Kind=message.
type MessagePayload struct {
	Role       string `json:"role"`
	Text       string `json:"text"`
	SequenceNo uint64 `json:"sequence_no"`
	Redacted   bool   `json:"redacted,omitempty"`
}

// CommandPayload is the v1 payload schema for Kind=command.
type CommandPayload struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// SystemPayload is the v1 payload schema for Kind=system.
type SystemPayload struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// NewMessageEvent builds a message event, masking PII in the audited copy.
func NewMessageEvent(userID, role, text string, seq uint64, at time.Time) Event {
	redacted, changed := policy.RedactPII(text)
	return newEvent(userID, KindMessage, at, MessagePayload{
		Role:       role,
		Text:       redacted,
		SequenceNo: seq,
		Redacted:   changed,
	})
}

func NewCommandEvent(userID, name string, args map[string]string, at time.Time) Event {
	return newEvent(userID, KindCommand, at, CommandPayload{Name: name, Args: args})
}

func NewSystemEvent(userID, action, detail string, at time.Time) Event {
	return newEvent(userID, KindSystem, at, SystemPayload{Action: action, Detail: detail})
}

func newEvent(userID string, kind Kind, at time.Time, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload schemas above are all marshalable; keep the event anyway.
		raw = json.RawMessage(fmt.Sprintf("{\"marshal_error\":%q}", err.Error()))
	}
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: at.UTC(),
		Kind:      kind,
		Payload:   raw,
	}
}
