// Package metrics holds the Prometheus collectors of the codec service
package metrics

import (
	"errors"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shapecodec"

var (
	callLabels = []string{"call", "protocol"}

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Number of encode, decode and error resolution calls.",
		},
		callLabels,
	)

	callErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_errors_total",
			Help:      "Number of failed calls by error class.",
		},
		append(callLabels, "class"),
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of encode, decode and error resolution calls.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		callLabels,
	)

	payloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of encoded and decoded payloads.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		callLabels,
	)

	registryShapes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_shapes",
			Help:      "Number of shapes in the active registry.",
		},
	)

	registrySwapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_swaps_total",
			Help:      "Number of times the active registry was replaced.",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callErrorsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(payloadBytes)
	prometheus.MustRegister(registryShapes)
	prometheus.MustRegister(registrySwapsTotal)
}

// ObserveCall records one finished call
func ObserveCall(call, protocol string, start time.Time, size int, err error) {
	callsTotal.WithLabelValues(call, protocol).Inc()
	callDuration.WithLabelValues(call, protocol).Observe(time.Since(start).Seconds())
	if err != nil {
		callErrorsTotal.WithLabelValues(call, protocol, ErrorClass(err)).Inc()
		return
	}
	payloadBytes.WithLabelValues(call, protocol).Observe(float64(size))
}

// ObserveSwap records a registry replacement
func ObserveSwap(shapes int) {
	registryShapes.Set(float64(shapes))
	registrySwapsTotal.Inc()
}

// ErrorClass names the taxonomy class of err for the class label
func ErrorClass(err error) string {
	var (
		unknown *shape.UnknownShapeError
		encErr  *codec.EncodingError
		decErr  *codec.DecodingError
		enumErr *codec.InvalidEnumValueError
	)
	switch {
	case errors.As(err, &unknown):
		return "unknown_shape"
	case errors.As(err, &enumErr):
		return "invalid_enum"
	case errors.As(err, &encErr):
		return "encoding"
	case errors.As(err, &decErr):
		return "decoding"
	}
	return "other"
}
