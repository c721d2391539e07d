package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrPartitionNotFound = errors.New("audit partition not found")

// WriteError signals that the local cache medium rejected an append. The
// conversational path must log it and move on, never block on it.
type WriteError struct {
	Partition string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit cache write to %s: %v", e.Partition, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type partition struct {
	key      PartitionKey
	meta     Meta
	events   int
	bytes    int64
	inFlight bool
}

// Cache buffers audit events in one JSONL file per (user, UTC day). Files
// survive restarts; a sidecar .state file carries each partition through
// the archive state machine.
type Cache struct {
	dir string

	mu    sync.Mutex
	parts map[string]*partition
	// cleared maps "user/date" to the next usable seq. A cleared partition
	// key must never be reused: its remote object is already final, and a
	// re-upload under the same key would overwrite verified history.
	cleared map[string]int

	now func() time.Time
}

// NewCache opens dir, creating it if needed, and recovers any partitions
// left behind by a previous process.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		parts:   make(map[string]*partition),
		cleared: make(map[string]int),
		now:     time.Now,
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) recover() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan audit cache dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), ".state"); ok {
			// A sidecar without its data file is a tombstone left by
			// MarkCleared; remember the seq so the key is never reused.
			if _, statErr := os.Stat(filepath.Join(c.dir, name)); !os.IsNotExist(statErr) {
				continue
			}
			key, err := parsePartitionFileName(name)
			if err != nil {
				continue
			}
			c.noteClearedLocked(key)
			continue
		}
		if filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		key, err := parsePartitionFileName(entry.Name())
		if err != nil {
			log.Printf("[audit] skipping unrecognized file %s: %v", entry.Name(), err)
			continue
		}
		p := &partition{key: key, meta: Meta{State: StateCollecting}}
		if raw, err := os.ReadFile(c.sidecarPath(key)); err == nil {
			if err := json.Unmarshal(raw, &p.meta); err != nil {
				log.Printf("[audit] corrupt sidecar for %s, resetting to collecting: %v", key, err)
				p.meta = Meta{State: StateCollecting}
			}
		}
		// A partition interrupted mid-archive resumes from a safe earlier
		// state; re-upload and re-verify are idempotent.
		switch p.meta.State {
		case StateFlushing, StateVerifying, StateCleared:
			p.meta.State = StateFlushing
		case StateCollecting, StateFailedRetry:
		default:
			p.meta.State = StateCollecting
		}
		if raw, err := os.ReadFile(c.dataPath(key)); err == nil {
			p.bytes = int64(len(raw))
			p.events = bytes.Count(raw, []byte{'\n'})
		}
		c.parts[key.String()] = p
		log.Printf("[audit] recovered partition %s (state=%s events=%d)", key, p.meta.State, p.events)
	}
	return nil
}

// Append writes the event to the active partition for (event.UserID, today).
// When that partition is locked by an in-progress flush, the event goes to a
// follow-up partition instead of mutating the in-flight file.
func (c *Cache) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.activePartitionLocked(ev.UserID)
	f, err := os.OpenFile(c.dataPath(p.key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return &WriteError{Partition: p.key.String(), Err: err}
	}
	defer f.Close()

	n, err := f.Write(append(line, '\n'))
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		return &WriteError{Partition: p.key.String(), Err: err}
	}
	p.events++
	p.bytes += int64(n)
	return nil
}

func (c *Cache) activePartitionLocked(userID string) *partition {
	key := NewPartitionKey(userID, c.now())
	key.Seq = c.cleared[key.UserID+"/"+key.Date]
	for {
		p, ok := c.parts[key.String()]
		if !ok {
			p = &partition{key: key, meta: Meta{State: StateCollecting}}
			c.parts[key.String()] = p
			return p
		}
		if p.meta.State == StateCollecting && !p.inFlight {
			return p
		}
		key.Seq++
	}
}

// Pending returns all partitions, oldest first. Cleared partitions are
// deleted on transition so everything listed still needs archiving.
func (c *Cache) Pending() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Info, 0, len(c.parts))
	for _, p := range c.parts {
		out = append(out, Info{
			Key:       p.key,
			Partition: p.key.String(),
			State:     p.meta.State,
			Attempts:  p.meta.Attempts,
			LastError: p.meta.LastError,
			Events:    p.events,
			Bytes:     p.bytes,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Seq < b.Seq
	})
	return out
}

// ReadRaw returns the partition's full contents for upload.
func (c *Cache) ReadRaw(key PartitionKey) ([]byte, error) {
	c.mu.Lock()
	_, ok := c.parts[key.String()]
	c.mu.Unlock()
	if !ok {
		return nil, ErrPartitionNotFound
	}
	raw, err := os.ReadFile(c.dataPath(key))
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", key, err)
	}
	return raw, nil
}

// Events decodes the partition's contents, in append order.
func (c *Cache) Events(key PartitionKey) ([]Event, error) {
	raw, err := c.ReadRaw(key)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode event in %s: %w", key, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// BeginFlush moves the partition into Flushing and locks it against
// concurrent appends for the duration of the flush.
func (c *Cache) BeginFlush(key PartitionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[key.String()]
	if !ok {
		return ErrPartitionNotFound
	}
	if p.inFlight {
		return fmt.Errorf("partition %s already flushing", key)
	}
	p.inFlight = true
	p.meta.State = StateFlushing
	return c.persistMetaLocked(p)
}

// MarkVerifying records the locally computed digest of the uploaded bytes.
func (c *Cache) MarkVerifying(key PartitionKey, digest string) error {
	return c.update(key, func(p *partition) {
		p.meta.State = StateVerifying
		p.meta.Digest = digest
	})
}

// MarkCleared deletes the local partition data. Only valid after
// verification succeeded; local deletion is a consequence of confirmed
// durability, never a precondition.
func (c *Cache) MarkCleared(key PartitionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[key.String()]
	if !ok {
		return ErrPartitionNotFound
	}
	if p.meta.State != StateVerifying {
		return fmt.Errorf("partition %s cleared from state %s, want %s", key, p.meta.State, StateVerifying)
	}
	// The sidecar stays behind as a tombstone so the key is never reused.
	p.meta.State = StateCleared
	if err := c.persistMetaLocked(p); err != nil {
		return err
	}
	if err := os.Remove(c.dataPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partition %s: %w", key, err)
	}
	delete(c.parts, key.String())
	c.noteClearedLocked(key)
	return nil
}

func (c *Cache) noteClearedLocked(key PartitionKey) {
	day := key.UserID + "/" + key.Date
	if next := key.Seq + 1; next > c.cleared[day] {
		c.cleared[day] = next
	}
}

// SweepTombstones removes cleared-partition sidecars for days older than
// cutoff. Tombstones only guard against key reuse, and appends never target
// past days, so old ones are dead weight.
func (c *Cache) SweepTombstones(cutoff time.Time) int {
	cutoffDate := cutoff.UTC().Format(dateLayout)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for day, next := range c.cleared {
		i := strings.LastIndexByte(day, '/')
		if i < 0 || day[i+1:] >= cutoffDate {
			continue
		}
		for seq := 0; seq < next; seq++ {
			key := PartitionKey{UserID: day[:i], Date: day[i+1:], Seq: seq}
			if err := os.Remove(c.sidecarPath(key)); err == nil {
				removed++
			}
		}
		delete(c.cleared, day)
	}
	return removed
}

// MarkFailed parks the partition in FailedRetry with the attempt counted,
// releasing the flush lock. Local data is retained.
func (c *Cache) MarkFailed(key PartitionKey, cause error) (attempts int, err error) {
	err = c.update(key, func(p *partition) {
		p.inFlight = false
		p.meta.State = StateFailedRetry
		p.meta.Attempts++
		p.meta.LastError = cause.Error()
		attempts = p.meta.Attempts
	})
	return attempts, err
}

// Meta returns the partition's current sidecar state.
func (c *Cache) Meta(key PartitionKey) (Meta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[key.String()]
	if !ok {
		return Meta{}, ErrPartitionNotFound
	}
	return p.meta, nil
}

func (c *Cache) update(key PartitionKey, fn func(*partition)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[key.String()]
	if !ok {
		return ErrPartitionNotFound
	}
	fn(p)
	return c.persistMetaLocked(p)
}

func (c *Cache) persistMetaLocked(p *partition) error {
	p.meta.UpdatedAt = c.now().UTC()
	raw, err := json.Marshal(p.meta)
	if err != nil {
		return fmt.Errorf("encode sidecar for %s: %w", p.key, err)
	}
	path := c.sidecarPath(p.key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write sidecar for %s: %w", p.key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit sidecar for %s: %w", p.key, err)
	}
	return nil
}

func (c *Cache) dataPath(key PartitionKey) string {
	return filepath.Join(c.dir, key.FileName())
}

func (c *Cache) sidecarPath(key PartitionKey) string {
	return filepath.Join(c.dir, key.FileName()+".state")
}
