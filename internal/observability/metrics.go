package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/recall/internal/retrieval"
)

// Metrics groups all Prometheus instruments used by the service. It satisfies
// retrieval.Observer and recorder.Observer.
type Metrics struct {
	RetrievalRequests *prometheus.CounterVec
	RetrievalErrors   *prometheus.CounterVec
	WindowMessages    prometheus.Histogram
	Annotations       *prometheus.CounterVec
	AnnotationErrors  *prometheus.CounterVec
	TrimmedMessages   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec

	activity *activityWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RetrievalRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_requests_total",
			Help:      "Resolved windows by scope and resolution path.",
		}, []string{"scope", "path"}),
		RetrievalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_errors_total",
			Help:      "Failed window reads by scope and error kind.",
		}, []string{"scope", "kind"}),
		WindowMessages: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_messages",
			Help:      "Messages returned per window, including a system prefix.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		}),
		Annotations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Keyword annotation attempts by result.",
		}, []string{"result"}),
		AnnotationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotation_errors_total",
			Help:      "Failed keyword annotations by cause.",
		}, []string{"cause"}),
		TrimmedMessages: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trimmed_messages_total",
			Help:      "Messages soft-removed by retention trimming.",
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Latency of API operations in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"operation"}),
		activity: newActivityWindow(256),
	}
}

func (m *Metrics) ObserveWindow(scope retrieval.Scope, path retrieval.Path, messages int) {
	m.RetrievalRequests.WithLabelValues(string(scope), string(path)).Inc()
	m.WindowMessages.Observe(float64(messages))
	m.activity.ObserveWindow(scope, path, messages)
}

func (m *Metrics) ObserveError(scope retrieval.Scope, kind string) {
	m.RetrievalErrors.WithLabelValues(string(scope), kind).Inc()
}

func (m *Metrics) ObserveAnnotation(result string) {
	m.Annotations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAnnotationError(cause string) {
	m.AnnotationErrors.WithLabelValues(cause).Inc()
}

func (m *Metrics) ObserveTrim(removed int) {
	if removed > 0 {
		m.TrimmedMessages.Add(float64(removed))
	}
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveWS(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.OperationLatency.WithLabelValues(operation).Observe(ms)
	m.activity.ObserveLatency(operation, ms)
}

// ActivitySnapshot summarizes recent operation latencies and window resolutions.
func (m *Metrics) ActivitySnapshot() ActivitySnapshot {
	return m.activity.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
