package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSampled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "frames_sampled_total",
		Help:      "Total number of frames sampled by recognition loops",
	})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "ticks_dropped_total",
		Help:      "Scheduler ticks dropped because a cycle was still in flight",
	})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "faces_detected_total",
		Help:      "Total number of frames in which a usable face was found",
	})

	MatchesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "matches_accepted_total",
		Help:      "Cohort matches that cleared the recognition threshold",
	}, []string{"session_id"})

	RecordOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "record_outcomes_total",
		Help:      "Presence recording attempts by outcome",
	}, []string{"outcome"})

	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_recorded_total",
		Help:      "Presence events actually written, by method",
	}, []string{"method"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "inference_duration_seconds",
		Help:      "Duration of recognition cycle stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	ActiveSchedulers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "active_schedulers",
		Help:      "Number of recognition loops currently running",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
