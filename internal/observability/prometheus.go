package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is the Prometheus implementation of MetricsCollector.
type PrometheusMetrics struct {
	messagesTotal    *prometheus.CounterVec
	fallbackTotal    *prometheus.CounterVec
	fallbackBytes    *prometheus.HistogramVec
	blobDeletesTotal *prometheus.CounterVec
	handledTotal     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		messagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overflow",
				Name:      "messages_total",
				Help:      "Total number of messages by direction (sent, received)",
			},
			[]string{"direction"},
		),
		fallbackTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overflow",
				Subsystem: "s3_fallback",
				Name:      "operations_total",
				Help:      "Total number of blob store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		fallbackBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "overflow",
				Subsystem: "s3_fallback",
				Name:      "body_bytes",
				Help:      "Distribution of offloaded body sizes",
				Buckets: []float64{
					65536,    // 64KB
					200000,   // default threshold
					262144,   // 256KB
					1048576,  // 1MB
					5242880,  // 5MB
					10485760, // 10MB
					52428800, // 50MB
				},
			},
			[]string{"operation"},
		),
		blobDeletesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overflow",
				Subsystem: "s3_fallback",
				Name:      "deletes_total",
				Help:      "Total number of post-commit blob deletes by status",
			},
			[]string{"status"},
		),
		handledTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "overflow",
				Name:      "handled_total",
				Help:      "Total number of messages handed to the application by result",
			},
			[]string{"result"},
		),
	}
}

func (m *PrometheusMetrics) IncSent() {
	m.messagesTotal.WithLabelValues("sent").Inc()
}

func (m *PrometheusMetrics) IncOffloaded(bytes int) {
	m.fallbackTotal.WithLabelValues("upload", "success").Inc()
	m.fallbackBytes.WithLabelValues("upload").Observe(float64(bytes))
}

func (m *PrometheusMetrics) IncUploadFailed() {
	m.fallbackTotal.WithLabelValues("upload", "error").Inc()
}

func (m *PrometheusMetrics) IncReceived() {
	m.messagesTotal.WithLabelValues("received").Inc()
}

func (m *PrometheusMetrics) IncReassembled(bytes int) {
	m.fallbackTotal.WithLabelValues("download", "success").Inc()
	m.fallbackBytes.WithLabelValues("download").Observe(float64(bytes))
}

func (m *PrometheusMetrics) IncDownloadFailed() {
	m.fallbackTotal.WithLabelValues("download", "error").Inc()
}

func (m *PrometheusMetrics) IncBlobDeleted() {
	m.blobDeletesTotal.WithLabelValues("success").Inc()
}

func (m *PrometheusMetrics) IncDeleteFailed() {
	m.blobDeletesTotal.WithLabelValues("error").Inc()
}

func (m *PrometheusMetrics) IncProcessed() {
	m.handledTotal.WithLabelValues("processed").Inc()
}

func (m *PrometheusMetrics) IncFailed() {
	m.handledTotal.WithLabelValues("failed").Inc()
}

var (
	_ MetricsCollector = (*PrometheusMetrics)(nil)
	_ MetricsCollector = (*InMemoryMetrics)(nil)
)
