// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdstream_streams_total",
			Help: "Relayed model streams by terminal state",
		},
		[]string{"state"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdstream_active_streams",
			Help: "Streams currently being relayed",
		},
	)

	BufferedTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdstream_stream_buffered_tokens_total",
			Help: "Fragments held back because they continued an open markdown construct",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdstream_persist_failures_total",
			Help: "Assistant messages that could not be persisted",
		},
	)

	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdstream_render_duration_seconds",
			Help:    "Markdown to HTML render duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"highlighted"},
	)

	HighlighterState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdstream_highlighter_state",
			Help: "Highlighter lifecycle: 0 uninitialized, 1 initializing, 2 ready, 3 failed",
		},
	)

	PrunedChats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdstream_pruned_chats_total",
			Help: "Chats deleted by the retention job",
		},
	)
)
