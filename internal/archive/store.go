package archive

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("archive object not found")

// Object describes one durable archive object.
type Object struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ObjectStore is the remote durable store contract. Put is a full overwrite
// of the deterministic key, which makes re-uploads idempotent; Checksum is
// the read-back used by verification.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Checksum(ctx context.Context, key string) (string, error)
	List(ctx context.Context) ([]Object, error)
	Close() error
}
