package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/assistkit/recall/internal/audit"
	"github.com/assistkit/recall/internal/observability"
	"github.com/assistkit/recall/internal/reliability"
)

// ErrVerificationMismatch means the remote store acknowledged an upload but
// returned a different checksum on read-back. The local partition is kept.
var ErrVerificationMismatch = errors.New("archive verification mismatch")

// Archiver drains closed audit partitions to the object store. Every
// partition walks Collecting -> Flushing -> Verifying -> Cleared; any failure
// parks it in FailedRetry with the data intact and a capped backoff before
// the next attempt.
type Archiver struct {
	cache *audit.Cache
	store ObjectStore

	maxAttempts   int
	uploadTimeout time.Duration
	retryBase     time.Duration
	retryCap      time.Duration

	metrics *observability.Metrics
	now     func() time.Time
}

type Options struct {
	MaxAttempts   int
	UploadTimeout time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
	Metrics       *observability.Metrics
}

func NewArchiver(cache *audit.Cache, store ObjectStore, opts Options) *Archiver {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 10 * time.Minute
	}
	return &Archiver{
		cache:         cache,
		store:         store,
		maxAttempts:   opts.MaxAttempts,
		uploadTimeout: opts.UploadTimeout,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
}

// FlushResult summarizes one archiver pass.
type FlushResult struct {
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// FlushDue archives every eligible partition. Without force, partitions from
// the current day keep collecting, parked partitions stay parked, and failed
// ones wait out their backoff. With force, everything with data is attempted.
func (a *Archiver) FlushDue(ctx context.Context, force bool) (FlushResult, error) {
	var res FlushResult
	var firstErr error

	for _, info := range a.cache.Pending() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !a.eligible(info, force) {
			res.Skipped++
			continue
		}
		if err := a.flushPartition(ctx, info.Key); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Flushed++
	}
	a.updateGauges()
	return res, firstErr
}

func (a *Archiver) eligible(info audit.Info, force bool) bool {
	if info.Events == 0 {
		return false
	}
	if force {
		return true
	}
	switch info.State {
	case audit.StateCollecting:
		return info.Key.Closed(a.now())
	case audit.StateFlushing, audit.StateVerifying:
		// Only reachable after recovery; resume immediately.
		return true
	case audit.StateFailedRetry:
		if info.Attempts >= a.maxAttempts {
			return false
		}
		meta, err := a.cache.Meta(info.Key)
		if err != nil {
			return false
		}
		wait := reliability.ExponentialBackoff(info.Attempts, a.retryBase, a.retryCap)
		return a.now().After(meta.UpdatedAt.Add(wait))
	default:
		return false
	}
}

func (a *Archiver) flushPartition(ctx context.Context, key audit.PartitionKey) error {
	if err := a.cache.BeginFlush(key); err != nil {
		return err
	}
	if err := a.uploadAndVerify(ctx, key); err != nil {
		attempts, markErr := a.cache.MarkFailed(key, err)
		if markErr != nil {
			log.Printf("[archive] mark %s failed: %v", key, markErr)
		}
		if attempts >= a.maxAttempts {
			log.Printf("[archive] partition %s parked after %d attempts, operator action needed: %v", key, attempts, err)
		} else {
			log.Printf("[archive] flush %s failed (attempt %d, retryable=%v): %v", key, attempts, reliability.IsRetryable(err), err)
		}
		a.countFlush("failure")
		return fmt.Errorf("flush %s: %w", key, err)
	}
	a.countFlush("success")
	log.Printf("[archive] partition %s archived as %s", key, key.ObjectKey())
	return nil
}

func (a *Archiver) uploadAndVerify(ctx context.Context, key audit.PartitionKey) error {
	raw, err := a.cache.ReadRaw(key)
	if err != nil {
		return err
	}
	payload, err := compress(raw)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	putCtx, cancelPut := context.WithTimeout(ctx, a.uploadTimeout)
	err = a.store.Put(putCtx, key.ObjectKey(), payload)
	cancelPut()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := a.cache.MarkVerifying(key, digest); err != nil {
		return err
	}

	// Verification gets its own deadline; a slow upload that still made it
	// must not starve the read-back into a spurious failure.
	verifyCtx, cancelVerify := context.WithTimeout(ctx, a.uploadTimeout)
	defer cancelVerify()
	remote, err := a.store.Checksum(verifyCtx, key.ObjectKey())
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if remote != digest {
		return fmt.Errorf("%w: local %s remote %s", ErrVerificationMismatch, digest, remote)
	}
	return a.cache.MarkCleared(key)
}

// compress gzips the partition without a mod time so the same input always
// produces the same bytes and the same remote checksum.
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress partition: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress partition: %w", err)
	}
	return buf.Bytes(), nil
}

// Summary describes archiver health for the admin surface.
type Summary struct {
	Pending      int   `json:"pending"`
	PendingBytes int64 `json:"pending_bytes"`
	Parked       int   `json:"parked"`
	Archived     int   `json:"archived"`
}

func (a *Archiver) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	for _, info := range a.cache.Pending() {
		s.Pending++
		s.PendingBytes += info.Bytes
		if info.State == audit.StateFailedRetry && info.Attempts >= a.maxAttempts {
			s.Parked++
		}
	}
	objects, err := a.store.List(ctx)
	if err != nil {
		return s, fmt.Errorf("list archive: %w", err)
	}
	s.Archived = len(objects)
	return s, nil
}

// Partitions exposes the cache's pending view for the admin surface.
func (a *Archiver) Partitions() []audit.Info {
	return a.cache.Pending()
}

func (a *Archiver) updateGauges() {
	if a.metrics == nil {
		return
	}
	pending, parked := 0, 0
	for _, info := range a.cache.Pending() {
		pending++
		if info.State == audit.StateFailedRetry && info.Attempts >= a.maxAttempts {
			parked++
		}
	}
	a.metrics.PendingPartitions.Set(float64(pending))
	a.metrics.ParkedPartitions.Set(float64(parked))
}

func (a *Archiver) countFlush(outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ArchiveFlushes.WithLabelValues(outcome).Inc()
}
