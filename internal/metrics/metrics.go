// Package metrics exposes bus and server counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

const namespace = "xl320"

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BusMetrics implements xl320.Observer.
type BusMetrics struct {
	FramesSent   *prometheus.CounterVec // labels: instruction
	BytesSent    prometheus.Counter
	RxBytes      prometheus.Counter
	StatusFrames *prometheus.CounterVec // labels: kind=ack|data
	FrameErrors  *prometheus.CounterVec // labels: reason
	PendingReads prometheus.Gauge
}

// NewBusMetrics registers and returns the bus metrics.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "frames_sent_total",
			Help:      "Instruction frames written to the bus.",
		}, []string{"instruction"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the bus.",
		}),
		RxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the bus.",
		}),
		StatusFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "status_frames_total",
			Help:      "Status frames dispatched to devices.",
		}, []string{"kind"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "frame_errors_total",
			Help:      "Inbound frames dropped or not routed.",
		}, []string{"reason"}),
		PendingReads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "pending_reads",
			Help:      "Reads awaiting a response.",
		}),
	}
	reg.MustRegister(m.FramesSent, m.BytesSent, m.RxBytes, m.StatusFrames, m.FrameErrors, m.PendingReads)
	return m
}

func (m *BusMetrics) FrameSent(inst xl320.Instruction, n int) {
	m.FramesSent.WithLabelValues(inst.String()).Inc()
	m.BytesSent.Add(float64(n))
}

func (m *BusMetrics) BytesReceived(n int) { m.RxBytes.Add(float64(n)) }

func (m *BusMetrics) StatusReceived(kind string) { m.StatusFrames.WithLabelValues(kind).Inc() }

func (m *BusMetrics) FrameError(err error) { m.FrameErrors.WithLabelValues(Reason(err)).Inc() }

func (m *BusMetrics) Pending(n int) { m.PendingReads.Set(float64(n)) }

// Reason maps a bus error to a low-cardinality label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, xl320.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, xl320.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, xl320.ErrBufferOverflow):
		return "overflow"
	case errors.Is(err, xl320.ErrUnknownDeviceID):
		return "unknown_id"
	case errors.Is(err, xl320.ErrUnsolicited):
		return "unsolicited"
	case errors.Is(err, xl320.ErrResponseTimeout):
		return "timeout"
	default:
		return "other"
	}
}

// ServerMetrics covers the telemetry server.
type ServerMetrics struct {
	WSClients    prometheus.Gauge
	PollDuration prometheus.Histogram
	ReadErrors   *prometheus.CounterVec // labels: register
	Commands     *prometheus.CounterVec // labels: source, result
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "poll_duration_seconds",
			Help:      "Time to read every configured register once.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "read_errors_total",
			Help:      "Failed register reads during polling.",
		}, []string{"register"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Register writes requested by clients.",
		}, []string{"source", "result"}),
	}
	reg.MustRegister(m.WSClients, m.PollDuration, m.ReadErrors, m.Commands)
	return m
}
