package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	ConversationsFetched    prometheus.Counter
	ConversationsClassified prometheus.Counter
	ConversationsClustered  prometheus.Counter
	ConversationsFailed     prometheus.Counter
	ConversationsSkipped    prometheus.Counter
	ThemesCreated           prometheus.Counter
	CheckpointsSaved        prometheus.Counter
	ActiveRuns              prometheus.Gauge
	RunDuration             prometheus.Histogram
}

// NewMetrics creates and registers pipeline metrics. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConversationsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_conversations_fetched_total",
			Help: "Total conversations fetched from the source platform.",
		}),
		ConversationsClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_conversations_classified_total",
			Help: "Total conversations classified.",
		}),
		ConversationsClustered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_conversations_clustered_total",
			Help: "Total conversations assigned to a theme.",
		}),
		ConversationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_conversations_failed_total",
			Help: "Total conversations that failed processing.",
		}),
		ConversationsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_conversations_skipped_total",
			Help: "Total conversations skipped before classification, e.g. empty transcripts.",
		}),
		ThemesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_themes_created_total",
			Help: "Total new themes created by the cluster engine.",
		}),
		CheckpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedforward_checkpoints_saved_total",
			Help: "Total pipeline checkpoints saved.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedforward_pipeline_active_runs",
			Help: "Number of pipeline runs currently executing (0 or 1).",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedforward_pipeline_run_duration_seconds",
			Help:    "Wall clock duration of completed pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConversationsFetched,
			m.ConversationsClassified,
			m.ConversationsClustered,
			m.ConversationsFailed,
			m.ConversationsSkipped,
			m.ThemesCreated,
			m.CheckpointsSaved,
			m.ActiveRuns,
			m.RunDuration,
		)
	}
	return m
}
