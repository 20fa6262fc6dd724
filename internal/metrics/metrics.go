// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AutosaveWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_autosave_writes_total",
			Help: "Autosave attempts by result.",
		},
		[]string{"result"},
	)

	AutosaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicecanvas_autosave_duration_seconds",
			Help:    "Time spent writing a snapshot.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ThumbnailRenders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_thumbnail_renders_total",
			Help: "Thumbnail pipeline runs by result.",
		},
		[]string{"result"},
	)

	VoicePhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_voice_phase_entries_total",
			Help: "Voice orchestrator phase entries.",
		},
		[]string{"phase"},
	)

	VoiceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_voice_errors_total",
			Help: "Voice command failures by kind.",
		},
		[]string{"kind"},
	)

	SuggestionFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_suggestion_fetches_total",
			Help: "Suggestion fetches by result.",
		},
		[]string{"result"},
	)

	SpeechRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicecanvas_speech_request_seconds",
			Help:    "Latency of speech backend calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint", "result"},
	)

	JournalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecanvas_journal_writes_total",
			Help: "Command journal writes by result.",
		},
		[]string{"result"},
	)

	OpenWorkspaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecanvas_open_workspaces",
			Help: "Editor workspaces currently held in memory.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AutosaveWrites,
		AutosaveDuration,
		ThumbnailRenders,
		VoicePhases,
		VoiceErrors,
		SuggestionFetches,
		SpeechRequests,
		JournalWrites,
		OpenWorkspaces,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
