package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/assistkit/recall/internal/archive"
	"github.com/assistkit/recall/internal/audit"
	"github.com/assistkit/recall/internal/config"
	"github.com/assistkit/recall/internal/controller"
	"github.com/assistkit/recall/internal/conversation"
	"github.com/assistkit/recall/internal/httpapi"
	"github.com/assistkit/recall/internal/notify"
	"github.com/assistkit/recall/internal/observability"
	"github.com/assistkit/recall/internal/scheduler"
	"github.com/assistkit/recall/internal/todo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	cache, err := audit.NewCache(cfg.AuditCacheDir)
	if err != nil {
		log.Fatalf("audit cache init failed: %v", err)
	}

	objectStore, err := archive.NewObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer objectStore.Close()

	archiver := archive.NewArchiver(cache, objectStore, archive.Options{
		MaxAttempts:   cfg.ArchiveMaxAttempts,
		UploadTimeout: cfg.ArchiveTimeout,
		RetryBase:     cfg.ArchiveRetryBase,
		RetryCap:      cfg.ArchiveRetryCap,
		Metrics:       metrics,
	})

	conv := conversation.NewStore(cfg.MaxContextMessages, cfg.ConversationRetention())
	todos, err := todo.NewStore(cfg.DedupeThreshold)
	if err != nil {
		log.Fatalf("todo store init failed: %v", err)
	}
	hub := notify.NewHub()
	sink := notify.MultiSink{notify.LogSink{}, hub}
	ctrl := controller.New(conv, cache, metrics)

	jobs := scheduler.NewService(
		scheduler.Job{
			Name: "reminder-sweep",
			Spec: "@every " + cfg.TodoReminderInterval.String(),
			Run: func(ctx context.Context) error {
				now := time.Now().UTC()
				for _, item := range todos.SweepReminders(now) {
					metrics.RemindersSent.Inc()
					sink.Notify(notify.Reminder{
						UserID: item.UserID,
						TodoID: item.ID,
						Text:   item.Text,
						DueAt:  item.DueAt,
						SentAt: now,
					})
				}
				return nil
			},
		},
		scheduler.Job{
			Name: "archive-flush",
			Spec: fmt.Sprintf("0 %d * * *", cfg.ArchiveFlushHour),
			Run: func(ctx context.Context) error {
				if left := ctrl.DrainQueued(); left > 0 {
					log.Printf("[controller] %d audit events still queued after drain", left)
				}
				res, err := archiver.FlushDue(ctx, false)
				log.Printf("[archive] daily flush: flushed=%d failed=%d skipped=%d", res.Flushed, res.Failed, res.Skipped)
				return err
			},
		},
		scheduler.Job{
			Name: "retention-sweep",
			Spec: "@every " + cfg.RetentionSweepInterval.String(),
			Run: func(ctx context.Context) error {
				ctrl.DrainQueued()
				turns, users := conv.SweepExpired()
				if turns > 0 || users > 0 {
					log.Printf("[conversation] retention sweep removed %d turns, %d idle users", turns, users)
				}
				cache.SweepTombstones(time.Now().UTC().Add(-cfg.ConversationRetention()))
				return nil
			},
		},
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if err := jobs.Start(runCtx); err != nil {
		log.Fatalf("scheduler init failed: %v", err)
	}

	api := httpapi.New(cfg, ctrl, conv, todos, archiver, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	jobs.Stop()
	runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// One last chance for closed partitions to reach the archive before the
	// process goes away; anything that fails stays on disk for next boot.
	if res, err := archiver.FlushDue(shutdownCtx, false); err != nil {
		log.Printf("[archive] final flush incomplete: %v", err)
	} else if res.Flushed > 0 {
		log.Printf("[archive] final flush archived %d partitions", res.Flushed)
	}

	log.Printf("shutdown complete")
}
