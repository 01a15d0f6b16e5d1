package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_scheduled_jobs",
	Help: "Number of schedule-triggered rules currently registered",
})
