// Package metrics exposes backend counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds the backend's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UploadedImages  prometheus.Counter
	UploadFailures  *prometheus.CounterVec
	Events          *prometheus.CounterVec
	ScheduledTasks  prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decky_gs_requests_total",
				Help: "Total number of handled method calls by method and status",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decky_gs_request_duration_seconds",
				Help:    "Method call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UploadedImages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decky_gs_uploaded_images_total",
			Help: "Total number of image URLs returned by the asset host",
		}),
		UploadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decky_gs_upload_failures_total",
				Help: "Total number of failed upload calls by error code",
			},
			[]string{"code"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decky_gs_events_total",
				Help: "Total number of events emitted to the frontend",
			},
			[]string{"event"},
		),
		ScheduledTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decky_gs_scheduled_tasks_total",
			Help: "Total number of background tasks scheduled",
		}),
	}

	reg.MustRegister(m.Requests, m.RequestDuration, m.UploadedImages, m.UploadFailures, m.Events, m.ScheduledTasks)
	return m
}

// ObserveRequest records one method call.
func (m *Metrics) ObserveRequest(method string, err error, elapsed time.Duration) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.Requests.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
