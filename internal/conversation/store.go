// Package conversation holds the bounded per-user working set of recent
// turns used to generate coherent replies. It is purely in-process: the
// durable record of every interaction lives in the audit cache, not here.
package conversation

import (
	"log"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single conversational exchange entry. Immutable once created;
// the audit path receives copies, never shared references.
type Turn struct {
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	SequenceNo uint64    `json:"sequence_no"`
	Timestamp  time.Time `json:"timestamp"`
}

type userState struct {
	mu           sync.Mutex
	turns        []Turn
	nextSeq      uint64
	lastAccessed time.Time
}

// Store keeps one bounded ordered window per user. Windows are trimmed by
// count and by age on every append; reads never touch durable storage.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*userState
	maxTurns  int
	retention time.Duration

	now func() time.Time
}

func NewStore(maxTurns int, retention time.Duration) *Store {
	if maxTurns <= 0 {
		maxTurns = 5
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Store{
		users:     make(map[string]*userState),
		maxTurns:  maxTurns,
		retention: retention,
		now:       time.Now,
	}
}

// Append inserts a turn at the tail of the user's window and trims. It
// cannot fail: memory is bounded by construction.
func (s *Store) Append(userID string, role Role, text string) Turn {
	st := s.state(userID)

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now().UTC()
	st.nextSeq++
	turn := Turn{
		UserID:     userID,
		Role:       role,
		Text:       text,
		SequenceNo: st.nextSeq,
		Timestamp:  now,
	}
	st.turns = append(st.turns, turn)
	st.lastAccessed = now
	s.trimLocked(st, now)
	return turn
}

// Window returns a copy of the user's current window, oldest first. Empty
// for unseen users.
func (s *Store) Window(userID string) []Turn {
	s.mu.RLock()
	st, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s.trimLocked(st, s.now().UTC())
	st.lastAccessed = s.now().UTC()
	if len(st.turns) == 0 {
		return nil
	}
	out := make([]Turn, len(st.turns))
	copy(out, st.turns)
	return out
}

// Reset clears the user's turn window but keeps the user record, sequence
// counter and last-accessed stamp. Idempotent; unseen users are a no-op.
func (s *Store) Reset(userID string) {
	s.mu.RLock()
	st, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.turns = nil
	st.lastAccessed = s.now().UTC()
	st.mu.Unlock()
}

// SweepExpired drops turns older than the retention window from every user
// and garbage-collects user records that are empty and stale. Returns the
// number of removed turns and removed user records.
func (s *Store) SweepExpired() (turnsRemoved, usersRemoved int) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, st := range s.users {
		st.mu.Lock()
		before := len(st.turns)
		s.trimLocked(st, now)
		turnsRemoved += before - len(st.turns)
		stale := len(st.turns) == 0 && now.Sub(st.lastAccessed) > s.retention
		st.mu.Unlock()
		if stale {
			delete(s.users, userID)
			usersRemoved++
		}
	}
	return turnsRemoved, usersRemoved
}

// ActiveUsers counts users with a non-empty window.
func (s *Store) ActiveUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.users {
		st.mu.Lock()
		if len(st.turns) > 0 {
			count++
		}
		st.mu.Unlock()
	}
	return count
}

// Stats summarizes the working set for the admin surface.
type Stats struct {
	Users         int `json:"users"`
	ActiveWindows int `json:"active_windows"`
	TotalTurns    int `json:"total_turns"`
}

func (s *Store) Summary() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stats{Users: len(s.users)}
	for _, st := range s.users {
		st.mu.Lock()
		if len(st.turns) > 0 {
			out.ActiveWindows++
		}
		out.TotalTurns += len(st.turns)
		st.mu.Unlock()
	}
	return out
}

func (s *Store) state(userID string) *userState {
	s.mu.RLock()
	st, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.users[userID]; ok {
		return st
	}
	st = &userState{lastAccessed: s.now().UTC()}
	s.users[userID] = st
	return st
}

// trimLocked enforces both bounds. Caller holds st.mu.
func (s *Store) trimLocked(st *userState, now time.Time) {
	cutoff := now.Add(-s.retention)
	drop := 0
	for drop < len(st.turns) && st.turns[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(st.turns) - drop - s.maxTurns; over > 0 {
		drop += over
	}
	if drop > 0 {
		st.turns = append(st.turns[:0], st.turns[drop:]...)
	}
	if len(st.turns) > s.maxTurns {
		// Should be unreachable; self-heal rather than surface to the user.
		log.Printf("[conversation] window over bound (%d > %d), forcing trim", len(st.turns), s.maxTurns)
		st.turns = append(st.turns[:0], st.turns[len(st.turns)-s.maxTurns:]...)
	}
}
