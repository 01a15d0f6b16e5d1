package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var busEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_bus_events_total",
	Help: "Number of platform events published on the in-process bus",
}, []string{"event"})

var gatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_gateway_reconnects_total",
	Help: "Number of times the gateway websocket connection was re-established",
})

var gatewayDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_gateway_decode_errors_total",
	Help: "Number of gateway frames which could not be decoded",
})

var platformRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_platform_requests_total",
	Help: "Number of platform REST requests, by operation and status code",
}, []string{"op", "status"})

var platformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warden_platform_request_duration_sec",
	Help:    "Duration of platform REST requests",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
}, []string{"op"})
