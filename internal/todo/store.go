package todo

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxTextLength  = 500
	maxOpenPerUser = 50
	similarLimit   = 3
)

// Store keeps per-user todo lists in memory. New items are screened against
// the user's open items; anything scoring at or above the dedupe threshold is
// rejected with a DuplicateError naming the match.
type Store struct {
	mu        sync.RWMutex
	byUser    map[string][]*Item
	threshold float64
	now       func() time.Time
}

func NewStore(threshold float64) (*Store, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, ErrInvalidScore
	}
	return &Store{
		byUser:    make(map[string][]*Item),
		threshold: threshold,
		now:       time.Now,
	}, nil
}

// Add creates an open todo unless it duplicates an existing open one.
func (s *Store) Add(userID, text string, dueAt *time.Time) (Item, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Item{}, ErrEmptyText
	}
	if len([]rune(trimmed)) > maxTextLength {
		return Item{}, ErrTextTooLong
	}
	normalized := Normalize(trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()

	open := 0
	for _, it := range s.byUser[userID] {
		if it.Status != StatusOpen {
			continue
		}
		open++
		if score := Similarity(normalized, it.NormalizedText); score >= s.threshold {
			return Item{}, &DuplicateError{ExistingID: it.ID, Existing: it.Text, Similarity: score}
		}
	}
	if open >= maxOpenPerUser {
		return Item{}, ErrTooManyOpen
	}

	item := &Item{
		ID:             uuid.NewString(),
		UserID:         userID,
		Text:           trimmed,
		NormalizedText: normalized,
		Status:         StatusOpen,
		CreatedAt:      s.now().UTC(),
	}
	if dueAt != nil {
		due := dueAt.UTC()
		item.DueAt = &due
	}
	s.byUser[userID] = append(s.byUser[userID], item)
	return *item, nil
}

// Complete marks the todo done. Completing an already-done todo is a no-op
// that returns the item as is.
func (s *Store) Complete(userID, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.findLocked(userID, id)
	if err != nil {
		return Item{}, err
	}
	if it.Status == StatusDone {
		return *it, nil
	}
	it.Status = StatusDone
	done := s.now().UTC()
	it.CompletedAt = &done
	return *it, nil
}

// UpdateDue replaces the due time and clears the reminder stamp so the new
// deadline gets its own reminder.
func (s *Store) UpdateDue(userID, id string, dueAt *time.Time) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.findLocked(userID, id)
	if err != nil {
		return Item{}, err
	}
	if dueAt == nil {
		it.DueAt = nil
	} else {
		due := dueAt.UTC()
		it.DueAt = &due
	}
	it.RemindedAt = nil
	return *it, nil
}

// List returns the user's todos ordered by creation time. An empty status
// means all.
func (s *Store) List(userID string, status Status) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, 0, len(s.byUser[userID]))
	for _, it := range s.byUser[userID] {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SimilarOpen ranks the user's open todos against the probe text, best
// first, at most three.
func (s *Store) SimilarOpen(userID, text string) []Match {
	normalized := Normalize(text)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, it := range s.byUser[userID] {
		if it.Status != StatusOpen {
			continue
		}
		if score := Similarity(normalized, it.NormalizedText); score > 0 {
			matches = append(matches, Match{Item: *it, Similarity: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > similarLimit {
		matches = matches[:similarLimit]
	}
	return matches
}

// SweepReminders collects open todos whose due time has passed and that have
// not been reminded yet. Each returned item is stamped before the sweep
// returns, so a crash between stamp and delivery drops the reminder rather
// than repeating it.
func (s *Store) SweepReminders(now time.Time) []Item {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Item
	for _, items := range s.byUser {
		for _, it := range items {
			if it.Status != StatusOpen || it.DueAt == nil || it.RemindedAt != nil {
				continue
			}
			if it.DueAt.After(now) {
				continue
			}
			stamp := now
			it.RemindedAt = &stamp
			due = append(due, *it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(*due[j].DueAt) {
			return due[i].DueAt.Before(*due[j].DueAt)
		}
		return due[i].UserID < due[j].UserID
	})
	return due
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Users: len(s.byUser)}
	now := s.now().UTC()
	for _, items := range s.byUser {
		for _, it := range items {
			switch it.Status {
			case StatusOpen:
				st.Open++
				if it.DueAt != nil && !it.DueAt.After(now) {
					st.Due++
				}
			case StatusDone:
				st.Done++
			}
		}
	}
	return st
}

func (s *Store) findLocked(userID, id string) (*Item, error) {
	for _, it := range s.byUser[userID] {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, ErrNotFound
}
