// Package controller coordinates the two memory stores. Every turn lands in
// the working set and the audit cache; only the working set is touched by a
// session reset, and an audit cache failure never blocks the conversation.
package controller

import (
	"log"
	"sync"
	"time"

	"github.com/assistkit/recall/internal/audit"
	"github.com/assistkit/recall/internal/conversation"
	"github.com/assistkit/recall/internal/observability"
)

const requeueLimit = 256

type Controller struct {
	conv    *conversation.Store
	cache   *audit.Cache
	metrics *observability.Metrics

	mu      sync.Mutex
	requeue []audit.Event

	now func() time.Time
}

func New(conv *conversation.Store, cache *audit.Cache, metrics *observability.Metrics) *Controller {
	return &Controller{
		conv:    conv,
		cache:   cache,
		metrics: metrics,
		now:     time.Now,
	}
}

// RecordTurn appends the turn to the user's working set and audits it. The
// returned turn carries the assigned sequence number. Audit failures are
// absorbed: logged, counted, and queued for a later retry.
func (c *Controller) RecordTurn(userID string, role conversation.Role, text string) conversation.Turn {
	turn := c.conv.Append(userID, role, text)
	c.audit(audit.NewMessageEvent(userID, string(role), text, turn.SequenceNo, turn.Timestamp))
	if c.metrics != nil {
		c.metrics.TurnsRecorded.WithLabelValues(string(role)).Inc()
		c.metrics.WorkingSetUsers.Set(float64(c.conv.ActiveUsers()))
	}
	return turn
}

// RecordCommand audits a command invocation without touching the working set.
func (c *Controller) RecordCommand(userID, name string, args map[string]string) {
	c.audit(audit.NewCommandEvent(userID, name, args, c.now().UTC()))
}

// ResetSession clears the user's working set. The audit trail keeps both its
// history and a record of the reset itself.
func (c *Controller) ResetSession(userID string) {
	c.conv.Reset(userID)
	c.audit(audit.NewSystemEvent(userID, "session_reset", "", c.now().UTC()))
	if c.metrics != nil {
		c.metrics.SessionResets.Inc()
		c.metrics.WorkingSetUsers.Set(float64(c.conv.ActiveUsers()))
	}
}

// Window returns the user's current working set.
func (c *Controller) Window(userID string) []conversation.Turn {
	return c.conv.Window(userID)
}

func (c *Controller) audit(ev audit.Event) {
	c.drainRequeue()
	if err := c.cache.Append(ev); err != nil {
		c.absorb(ev, err)
		return
	}
	if c.metrics != nil {
		c.metrics.AuditEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func (c *Controller) absorb(ev audit.Event, err error) {
	log.Printf("[controller] audit append failed, queued for retry: %v", err)
	if c.metrics != nil {
		c.metrics.AuditWriteErrors.Inc()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requeue) >= requeueLimit {
		// The audit medium has been down long enough to fill the queue;
		// dropping the oldest keeps the chat path unblocked.
		log.Printf("[controller] audit retry queue full, dropping oldest event")
		c.requeue = c.requeue[1:]
	}
	c.requeue = append(c.requeue, ev)
}

// drainRequeue retries previously failed audit appends, oldest first,
// stopping at the first event that still cannot be written.
func (c *Controller) drainRequeue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.requeue) > 0 {
		if err := c.cache.Append(c.requeue[0]); err != nil {
			return
		}
		if c.metrics != nil {
			c.metrics.AuditEvents.WithLabelValues(string(c.requeue[0].Kind)).Inc()
		}
		c.requeue = c.requeue[1:]
	}
}

// DrainQueued retries held audit events without waiting for new traffic;
// the scheduler calls it so a quiet system still recovers once the cache
// medium does. Returns how many events remain queued.
func (c *Controller) DrainQueued() int {
	c.drainRequeue()
	return c.QueuedAuditEvents()
}

// QueuedAuditEvents reports how many audit events await retry.
func (c *Controller) QueuedAuditEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requeue)
}
