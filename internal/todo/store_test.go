package todo

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(0.6)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAddRejectsNearDuplicate(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Add("alice", "buy milk", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err = s.Add("alice", "Buy Milk ", nil)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateError", err)
	}
	if dup.ExistingID != first.ID {
		t.Fatalf("duplicate of %s, want %s", dup.ExistingID, first.ID)
	}
	if dup.Similarity < 1 {
		t.Fatalf("similarity = %v, want 1 for case and whitespace variants", dup.Similarity)
	}

	if _, err := s.Add("alice", "buy milk tomorrow", nil); !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateError for reworded variant", err)
	}
}

func TestAddAcceptsDistinctTodo(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("alice", "buy milk", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add("alice", "schedule dentist", nil); err != nil {
		t.Fatalf("Add distinct: %v", err)
	}
	if got := len(s.List("alice", StatusOpen)); got != 2 {
		t.Fatalf("open todos = %d, want 2", got)
	}
}

func TestAddDedupeIgnoresCompletedTodos(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Add("alice", "buy milk", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Complete("alice", first.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.Add("alice", "buy milk", nil); err != nil {
		t.Fatalf("re-add after completion: %v", err)
	}
}

func TestAddValidatesText(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("alice", "   ", nil); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if _, err := s.Add("alice", strings.Repeat("x", 501), nil); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("err = %v, want ErrTextTooLong", err)
	}
}

func TestAddEnforcesOpenCap(t *testing.T) {
	// A near-exact threshold so the templated filler texts pass dedupe.
	s, err := NewStore(0.95)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < maxOpenPerUser; i++ {
		if _, err := s.Add("alice", fmt.Sprintf("task number %d with payload %d", i, i*7), nil); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if _, err := s.Add("alice", "one over the line", nil); !errors.Is(err, ErrTooManyOpen) {
		t.Fatalf("err = %v, want ErrTooManyOpen", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	item, err := s.Add("alice", "water plants", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	done, err := s.Complete("alice", item.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusDone || done.CompletedAt == nil {
		t.Fatalf("item = %+v, want done with completion time", done)
	}
	again, err := s.Complete("alice", item.ID)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatal("second completion moved the completion time")
	}
	if _, err := s.Complete("alice", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 8, 22, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, text := range []string{"first errand", "second meeting", "third phone call"} {
		if _, err := s.Add("alice", text, nil); err != nil {
			t.Fatalf("Add %q: %v", text, err)
		}
	}
	items := s.List("alice", "")
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.Before(items[i-1].CreatedAt) {
			t.Fatal("list not ordered by creation time")
		}
	}
}

func TestSimilarOpenReturnsTopMatches(t *testing.T) {
	s := newTestStore(t)
	texts := []string{
		"call the plumber about the kitchen sink",
		"call mom on sunday",
		"renew car insurance",
		"book flights to lisbon",
	}
	for _, text := range texts {
		if _, err := s.Add("alice", text, nil); err != nil {
			t.Fatalf("Add %q: %v", text, err)
		}
	}
	matches := s.SimilarOpen("alice", "call plumber kitchen")
	if len(matches) == 0 || len(matches) > 3 {
		t.Fatalf("matches = %d, want between 1 and 3", len(matches))
	}
	if matches[0].Item.Text != texts[0] {
		t.Fatalf("best match = %q, want %q", matches[0].Item.Text, texts[0])
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Fatal("matches not ordered best first")
		}
	}
}

func TestSweepRemindersFiresAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	due := time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC)
	later := due.Add(2 * time.Hour)

	if _, err := s.Add("alice", "submit expense report", &due); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add("alice", "plan the offsite", nil); err != nil {
		t.Fatalf("Add undated: %v", err)
	}

	if got := s.SweepReminders(due.Add(-time.Minute)); len(got) != 0 {
		t.Fatalf("reminders before due = %d, want 0", len(got))
	}
	fired := s.SweepReminders(later)
	if len(fired) != 1 || fired[0].Text != "submit expense report" {
		t.Fatalf("reminders = %+v, want the dated todo", fired)
	}
	if fired[0].RemindedAt == nil {
		t.Fatal("returned item missing reminder stamp")
	}
	if got := s.SweepReminders(later.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("repeat sweep fired %d reminders, want 0", len(got))
	}
}

func TestUpdateDueRearmsReminder(t *testing.T) {
	s := newTestStore(t)
	due := time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC)
	item, err := s.Add("alice", "submit expense report", &due)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := s.SweepReminders(due.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("reminders = %d, want 1", len(got))
	}

	newDue := due.Add(24 * time.Hour)
	updated, err := s.UpdateDue("alice", item.ID, &newDue)
	if err != nil {
		t.Fatalf("UpdateDue: %v", err)
	}
	if updated.RemindedAt != nil {
		t.Fatal("UpdateDue kept the old reminder stamp")
	}
	if got := s.SweepReminders(newDue.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("reminders after reschedule = %d, want 1", len(got))
	}
}

func TestStatsCountsAcrossUsers(t *testing.T) {
	s := newTestStore(t)
	past := time.Date(2025, 8, 22, 9, 0, 0, 0, time.UTC)
	if _, err := s.Add("alice", "overdue chore", &past); err != nil {
		t.Fatalf("Add: %v", err)
	}
	item, err := s.Add("bob", "finished already", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Complete("bob", item.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	st := s.Stats()
	if st.Users != 2 || st.Open != 1 || st.Done != 1 || st.Due != 1 {
		t.Fatalf("stats = %+v, want 2 users, 1 open, 1 done, 1 due", st)
	}
}

func TestNewStoreRejectsBadThreshold(t *testing.T) {
	for _, bad := range []float64{0, -0.5, 1.5} {
		if _, err := NewStore(bad); !errors.Is(err, ErrInvalidScore) {
			t.Fatalf("NewStore(%v) err = %v, want ErrInvalidScore", bad, err)
		}
	}
}
