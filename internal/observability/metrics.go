package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TurnsRecorded     *prometheus.CounterVec
	WorkingSetUsers   prometheus.Gauge
	SessionResets     prometheus.Counter
	AuditEvents       *prometheus.CounterVec
	AuditWriteErrors  prometheus.Counter
	PendingPartitions prometheus.Gauge
	ParkedPartitions  prometheus.Gauge
	ArchiveFlushes    *prometheus.CounterVec
	TodosCreated      prometheus.Counter
	DedupeRejections  prometheus.Counter
	RemindersSent     prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "Conversational turns recorded by role.",
		}, []string{"role"}),
		WorkingSetUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_users",
			Help:      "Users with a non-empty conversational working set.",
		}),
		SessionResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resets_total",
			Help:      "Working-memory resets requested by users or operators.",
		}),
		AuditEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events appended to the local cache by kind.",
		}, []string{"kind"}),
		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Failed appends to the local audit cache.",
		}),
		PendingPartitions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_pending_partitions",
			Help:      "Local audit partitions not yet cleared by the archiver.",
		}),
		ParkedPartitions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_parked_partitions",
			Help:      "Partitions that exhausted archive retries and need an operator.",
		}),
		ArchiveFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_flushes_total",
			Help:      "Archive flush attempts by outcome.",
		}, []string{"outcome"}),
		TodosCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "todos_created_total",
			Help:      "Todo items accepted by the store.",
		}),
		DedupeRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "todo_dedupe_rejections_total",
			Help:      "Todo adds rejected as near-duplicates of open items.",
		}),
		RemindersSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Due-todo reminders handed to the notification sink.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
