package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assistkit/recall/internal/reliability"
)

// PostgresStore keeps archive objects in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archive_objects (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			checksum TEXT NOT NULL,
			size BIGINT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_objects_uploaded ON archive_objects (uploaded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	sum := sha256.Sum256(data)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO archive_objects (key, data, checksum, size, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET
			data=EXCLUDED.data,
			checksum=EXCLUDED.checksum,
			size=EXCLUDED.size,
			uploaded_at=EXCLUDED.uploaded_at`,
		key, data, hex.EncodeToString(sum[:]), int64(len(data)), time.Now().UTC(),
	)
	if err != nil {
		// Network and server failures against the remote store are all
		// worth a retry; the overwrite semantics make that safe.
		return reliability.MarkTransient(fmt.Errorf("put archive object %s: %w", key, err))
	}
	return nil
}

func (s *PostgresStore) Checksum(ctx context.Context, key string) (string, error) {
	var checksum string
	err := s.pool.QueryRow(ctx,
		`SELECT checksum FROM archive_objects WHERE key=$1`, key,
	).Scan(&checksum)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrObjectNotFound
		}
		return "", reliability.MarkTransient(fmt.Errorf("read archive checksum %s: %w", key, err))
	}
	return checksum, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Object, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, size, checksum, uploaded_at FROM archive_objects ORDER BY key`,
	)
	if err != nil {
		return nil, reliability.MarkTransient(fmt.Errorf("list archive objects: %w", err))
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Key, &o.Size, &o.Checksum, &o.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan archive object: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive objects: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
