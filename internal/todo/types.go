package todo

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusOpen Status = "open"
	StatusDone Status = "done"
)

var (
	ErrNotFound     = errors.New("todo not found")
	ErrEmptyText    = errors.New("todo text is empty")
	ErrTextTooLong  = errors.New("todo text exceeds limit")
	ErrTooManyOpen  = errors.New("too many open todos")
	ErrInvalidScore = errors.New("dedupe threshold must be in (0, 1]")
)

// DuplicateError rejects a new todo that is too similar to an existing open
// one. Callers surface the existing item instead of creating a twin.
type DuplicateError struct {
	ExistingID string
	Existing   string
	Similarity float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("todo duplicates %s (similarity %.2f)", e.ExistingID, e.Similarity)
}

type Item struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Text           string     `json:"text"`
	NormalizedText string     `json:"-"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	RemindedAt     *time.Time `json:"reminded_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Match pairs an open item with its similarity to a probe text.
type Match struct {
	Item       Item    `json:"item"`
	Similarity float64 `json:"similarity"`
}

type Stats struct {
	Users int `json:"users"`
	Open  int `json:"open"`
	Done  int `json:"done"`
	Due   int `json:"due"`
}
