package action

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_actions_executed_total",
	Help: "Number of actions executed, by type and result",
}, []string{"type", "result"})

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warden_action_duration_sec",
	Help:    "Duration of action execution, including question waits",
	Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
}, []string{"type"})

var circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_action_circuit_breaker_trips_total",
	Help: "Number of destructive actions refused because the daily quota was spent",
}, []string{"type"})

var questionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_question_outcomes_total",
	Help: "Number of ask_question actions, by outcome",
}, []string{"outcome"})
