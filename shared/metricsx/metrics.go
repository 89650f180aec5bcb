package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	apiRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of requests to the /events endpoint.",
		},
	)
	apiUnauthorized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "api_unauthorized_total",
			Help: "Total number of /events requests rejected for a missing or wrong API key.",
		},
	)
	kafkaEventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_events_consumed_total",
			Help: "Total number of events consumed from Kafka.",
		},
		[]string{"topic"},
	)
	kafkaErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_errors_total",
			Help: "Total number of Kafka-related errors.",
		},
		[]string{"topic"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	bufferedEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_buffered_events",
			Help: "Events currently held in the per-topic buffer.",
		},
		[]string{"topic"},
	)
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_poll_cycles_total",
			Help: "Total poll cycles by result.",
		},
		[]string{"result"},
	)
	pollCycleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replication_poll_cycle_duration_seconds",
			Help:    "Duration of a fetch-then-republish cycle in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_events_published_total",
			Help: "Total events republished to the destination broker.",
		},
		[]string{"topic"},
	)
	publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_publish_failures_total",
			Help: "Total failed per-topic publish attempts.",
		},
		[]string{"topic"},
	)
)

const (
	CycleOK          = "ok"
	CycleFetchFailed = "fetch_failed"
	CyclePartial     = "partial"
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency, apiRequests, apiUnauthorized,
			kafkaEventsConsumed, kafkaErrors, kafkaConsumerLag, bufferedEvents,
			pollCycles, pollCycleLatency, eventsPublished, publishFailures,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncAPIRequest() {
	apiRequests.Inc()
}

func IncAPIUnauthorized() {
	apiUnauthorized.Inc()
}

func IncEventConsumed(topic string) {
	kafkaEventsConsumed.WithLabelValues(topic).Inc()
}

func IncKafkaError(topic string) {
	kafkaErrors.WithLabelValues(topic).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetBufferedEvents(topic string, n int) {
	bufferedEvents.WithLabelValues(topic).Set(float64(n))
}

func IncPollCycle(result string) {
	pollCycles.WithLabelValues(result).Inc()
}

func ObservePollCycle(d time.Duration) {
	pollCycleLatency.Observe(d.Seconds())
}

func AddEventsPublished(topic string, n int) {
	eventsPublished.WithLabelValues(topic).Add(float64(n))
}

func IncPublishFailure(topic string) {
	publishFailures.WithLabelValues(topic).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
