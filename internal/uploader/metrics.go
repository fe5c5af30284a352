package uploader

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upload outcomes reported to an Observer.
const (
	OutcomeStored      = "stored"
	OutcomeWriteFailed = "write_failed"
	OutcomeRejected    = "rejected"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// Observer captures telemetry for upload pipeline operations.
type Observer interface {
	RecordUpload(configuration, outcome string, duration time.Duration, sizeBytes int64)
	RecordDelete(disk string, duration time.Duration, err error)
}

// PrometheusObserver exports pipeline metrics to Prometheus.
type PrometheusObserver struct {
	uploads        *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec
	storedBytes    *prometheus.CounterVec
	deletes        *prometheus.CounterVec
	deleteDuration *prometheus.HistogramVec
}

// NewPrometheusObserver registers the upload metrics on reg. Collectors that
// are already registered are reused.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "uploader"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	uploads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Uploads by configuration and outcome.",
	}, []string{"configuration", "outcome"}))
	if err != nil {
		return nil, err
	}
	uploadDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Latency of the upload pipeline from fetch to write.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"configuration"}))
	if err != nil {
		return nil, err
	}
	storedBytes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stored_bytes_total",
		Help:      "Bytes written to storage after processing.",
	}, []string{"configuration"}))
	if err != nil {
		return nil, err
	}
	deletes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deletes_total",
		Help:      "Deletes by disk and result.",
	}, []string{"disk", "result"}))
	if err != nil {
		return nil, err
	}

	deleteDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delete_duration_seconds",
		Help:      "Latency of deletes by disk.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"disk"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusObserver{
		uploads:        uploads,
		uploadDuration: uploadDuration,
		storedBytes:    storedBytes,
		deletes:        deletes,
		deleteDuration: deleteDuration,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register uploader metric: %w", err)
	}
	return collector, nil
}

func (o *PrometheusObserver) RecordUpload(configuration, outcome string, duration time.Duration, sizeBytes int64) {
	if o == nil {
		return
	}
	if configuration == "" {
		configuration = "none"
	}
	o.uploads.WithLabelValues(configuration, outcome).Inc()
	o.uploadDuration.WithLabelValues(configuration).Observe(duration.Seconds())
	if outcome == OutcomeStored && sizeBytes > 0 {
		o.storedBytes.WithLabelValues(configuration).Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordDelete(disk string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	result := "deleted"
	if err != nil {
		result = "failed"
	}
	o.deletes.WithLabelValues(disk, result).Inc()
	o.deleteDuration.WithLabelValues(disk).Observe(duration.Seconds())
}

type nopObserver struct{}

func (nopObserver) RecordUpload(string, string, time.Duration, int64) {}

func (nopObserver) RecordDelete(string, time.Duration, error) {}
