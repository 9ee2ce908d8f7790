// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts handled HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artefact_relay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "artefact_relay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	// JobsTotal counts generation jobs by flow and terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artefact_relay",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Generation jobs by flow and terminal status",
		},
		[]string{"flow", "status"},
	)

	// JobPolls observes how many polls a job needed.
	JobPolls = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "artefact_relay",
			Subsystem: "jobs",
			Name:      "polls",
			Help:      "Number of status polls per job",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
		[]string{"flow"},
	)

	// JobDuration observes wall-clock time from submit to terminal state.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "artefact_relay",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from job submission to terminal state",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"flow"},
	)

	// ConversationsCreated counts remote conversation handles created.
	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artefact_relay",
			Subsystem: "sessions",
			Name:      "conversations_created_total",
			Help:      "Remote conversations created, by whether the handle was kept",
		},
		[]string{"result"},
	)

	// SpeechAttempts counts audio synthesis attempts.
	SpeechAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artefact_relay",
			Subsystem: "speech",
			Name:      "attempts_total",
			Help:      "Audio synthesis attempts by result",
		},
		[]string{"result"},
	)
)
