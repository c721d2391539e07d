package notify

import (
	"log"
	"time"
)

// Reminder is what the sweep delivers when a todo comes due.
type Reminder struct {
	UserID string     `json:"user_id"`
	TodoID string     `json:"todo_id"`
	Text   string     `json:"text"`
	DueAt  *time.Time `json:"due_at,omitempty"`
	SentAt time.Time  `json:"sent_at"`
}

// Sink receives reminders. Delivery is best effort; the sweep has already
// stamped the todo and will not retry.
type Sink interface {
	Notify(rem Reminder)
}

// LogSink writes reminders to the process log. It is the fallback sink when
// no client is connected.
type LogSink struct{}

func (LogSink) Notify(rem Reminder) {
	log.Printf("[notify] reminder for %s: %s (todo %s)", rem.UserID, rem.Text, rem.TodoID)
}

// MultiSink fans one reminder out to several sinks.
type MultiSink []Sink

func (m MultiSink) Notify(rem Reminder) {
	for _, s := range m {
		s.Notify(rem)
	}
}
