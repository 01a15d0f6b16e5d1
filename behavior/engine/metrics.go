package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("warden/engine")

var firings = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_rule_firings",
	Help: "Rule firings by trigger type and outcome",
}, []string{"trigger", "result"})

var fireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_rule_fire_duration_sec",
	Help: "Duration of rule firings, from trigger to end of the action chain",
}, []string{"source"})

var activeFirings = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_rule_firings_active",
	Help: "Number of rule firings currently in progress",
})

var queuedFirings = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_rule_firings_queued",
	Help: "Number of rule firings waiting for a free slot",
})

var rulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_rules_loaded",
	Help: "Number of enabled rules in the current index",
})

var reloadErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_rule_load_errors",
	Help: "Number of rules which failed to load during reloads",
})

var reloadFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_rule_reload_failures",
	Help: "Number of reloads which could not read the rule store",
})
