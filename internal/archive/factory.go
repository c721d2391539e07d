package archive

import (
	"context"
	"log"

	"github.com/assistkit/recall/internal/config"
)

// NewObjectStore picks the archive backend from configuration: Postgres when
// ARCHIVE_DATABASE_URL is set, otherwise a local filesystem tree.
func NewObjectStore(ctx context.Context, cfg config.Config) (ObjectStore, error) {
	if cfg.ArchiveDatabaseURL != "" {
		store, err := NewPostgresStore(ctx, cfg.ArchiveDatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("[archive] using postgres object store")
		return store, nil
	}
	log.Printf("[archive] using filesystem object store at %s", cfg.ArchiveDir)
	return NewFSStore(cfg.ArchiveDir)
}
