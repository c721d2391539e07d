package audit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// State of a partition in the archive lifecycle. Transitions are forward
// only; the single allowed regression is FailedRetry back to Flushing.
type State string

const (
	StateCollecting  State = "collecting"
	StateFlushing    State = "flushing"
	StateVerifying   State = "verifying"
	StateCleared     State = "cleared"
	StateFailedRetry State = "failed_retry"
)

const dateLayout = "2006-01-02"

// PartitionKey identifies one unit of archival: a user's events for one UTC
// calendar day, plus a sequence for follow-up partitions opened while an
// earlier one was mid-flush.
type PartitionKey struct {
	UserID string
	Date   string // YYYY-MM-DD, UTC
	Seq    int
}

func NewPartitionKey(userID string, day time.Time) PartitionKey {
	return PartitionKey{UserID: userID, Date: day.UTC().Format(dateLayout)}
}

func (k PartitionKey) String() string {
	if k.Seq == 0 {
		return k.UserID + "/" + k.Date
	}
	return fmt.Sprintf("%s/%s.%d", k.UserID, k.Date, k.Seq)
}

// ObjectKey is the deterministic remote-store key. Re-uploading the same
// partition always lands on the same key, which is what makes retries safe.
func (k PartitionKey) ObjectKey() string {
	if k.Seq == 0 {
		return fmt.Sprintf("%s/%s.log.gz", k.UserID, k.Date)
	}
	return fmt.Sprintf("%s/%s.%d.log.gz", k.UserID, k.Date, k.Seq)
}

// FileName is the local cache file name. The user id is escaped so emails
// and ids with path characters stay a single path element.
func (k PartitionKey) FileName() string {
	if k.Seq == 0 {
		return fmt.Sprintf("%s_%s.jsonl", url.QueryEscape(k.UserID), k.Date)
	}
	return fmt.Sprintf("%s_%s.%d.jsonl", url.QueryEscape(k.UserID), k.Date, k.Seq)
}

// Closed reports whether the partition's day has ended, making it eligible
// for flushing without a forced request.
func (k PartitionKey) Closed(now time.Time) bool {
	return k.Date < now.UTC().Format(dateLayout)
}

func parsePartitionFileName(name string) (PartitionKey, error) {
	base, ok := strings.CutSuffix(name, ".jsonl")
	if !ok {
		return PartitionKey{}, fmt.Errorf("not a partition file: %s", name)
	}
	seq := 0
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		n, err := strconv.Atoi(base[i+1:])
		if err == nil {
			seq = n
			base = base[:i]
		}
	}
	// User ids may themselves contain underscores; the date is the fixed-width
	// suffix after the final one.
	i := strings.LastIndexByte(base, '_')
	if i < 0 || len(base)-i-1 != len(dateLayout) {
		return PartitionKey{}, fmt.Errorf("malformed partition file name: %s", name)
	}
	date := base[i+1:]
	if _, err := time.Parse(dateLayout, date); err != nil {
		return PartitionKey{}, fmt.Errorf("malformed partition date in %s: %w", name, err)
	}
	userID, err := url.QueryUnescape(base[:i])
	if err != nil {
		return PartitionKey{}, fmt.Errorf("malformed partition user in %s: %w", name, err)
	}
	return PartitionKey{UserID: userID, Date: date, Seq: seq}, nil
}

// Meta is the sidecar state persisted next to each partition file so the
// archiver resumes after a process restart.
type Meta struct {
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info describes a partition for the archiver and the admin surface.
type Info struct {
	Key       PartitionKey `json:"-"`
	Partition string       `json:"partition"`
	State     State        `json:"state"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	Events    int          `json:"events"`
	Bytes     int64        `json:"bytes"`
}
