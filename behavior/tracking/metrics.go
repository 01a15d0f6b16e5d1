package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_tracking_sessions_active",
	Help: "Number of tracking sessions currently active",
})

var sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_tracking_sessions_started_total",
	Help: "Number of tracking sessions started",
})

var sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_tracking_sessions_finished_total",
	Help: "Number of tracking sessions which reached a terminal status",
}, []string{"status"})

var sessionEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_tracking_events_applied_total",
	Help: "Number of platform events applied to tracking sessions",
}, []string{"event"})

var sessionPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_tracking_persist_errors_total",
	Help: "Number of failed tracking session writes",
})
