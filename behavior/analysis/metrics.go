package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_analysis_api_duration_sec",
	Help: "Duration of analysis API calls",
}, []string{"type"})

var analysisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_analysis_api_count",
	Help: "Number of analysis API calls, by analysis type and HTTP status code",
}, []string{"type", "status"})
