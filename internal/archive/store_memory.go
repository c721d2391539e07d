package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore is a test double for the remote store with hooks to inject
// upload and verification faults.
type InMemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	data    map[string][]byte

	// PutErr, when set, fails the next Put calls until cleared.
	PutErr error
	// CorruptChecksums makes Checksum return a wrong digest.
	CorruptChecksums bool
	// PutCalls counts uploads, corrupted or not.
	PutCalls int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		objects: make(map[string]Object),
		data:    make(map[string][]byte),
	}
}

func (s *InMemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls++
	if s.PutErr != nil {
		return s.PutErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	sum := sha256.Sum256(cp)
	s.data[key] = cp
	s.objects[key] = Object{
		Key:        key,
		Size:       int64(len(cp)),
		Checksum:   hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) Checksum(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return "", ErrObjectNotFound
	}
	if s.CorruptChecksums {
		return "0000", nil
	}
	return o.Checksum, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	return out, nil
}

// Data returns the stored bytes for assertions.
func (s *InMemoryStore) Data(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	return raw, ok
}

func (s *InMemoryStore) Close() error { return nil }
