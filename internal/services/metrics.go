package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcards_sessions_started_total",
		Help: "Generation sessions accepted by the quota gate.",
	})
	sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashcards_sessions_finished_total",
		Help: "Generation sessions that reached a terminal status.",
	}, []string{"status"})
	sessionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcards_session_retries_total",
		Help: "Pipeline attempts rescheduled after an unclassified failure.",
	})
	quotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcards_quota_rejections_total",
		Help: "Generation requests rejected by the daily quota.",
	})
	quotaFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcards_quota_fail_open_total",
		Help: "Quota checks allowed because the lookup failed.",
	})
	sceneImageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashcards_scene_image_failures_total",
		Help: "Scene images that could not be generated.",
	})
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashcards_pipeline_step_duration_seconds",
		Help:    "Duration of each pipeline step.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"step"})
)
