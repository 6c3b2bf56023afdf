package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	sessionsStartedTotal   *prometheus.CounterVec
	sessionsSubmittedTotal *prometheus.CounterVec
	answersRecordedTotal   *prometheus.CounterVec
	gradingRecordsTotal    *prometheus.CounterVec
	transitionRetriesTotal *prometheus.CounterVec
	analyticsEventsTotal   *prometheus.CounterVec
	eventsPublishedTotal   *prometheus.CounterVec
	workerJobsTotal        *prometheus.CounterVec
	eventClientsActive     prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		sessionsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_sessions_started_total",
			Help: "Exam sessions started, by exam kind.",
		}, []string{"kind"})

		sessionsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_sessions_submitted_total",
			Help: "Exam sessions finalized, by trigger and resulting state.",
		}, []string{"trigger", "state"})

		answersRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_answers_recorded_total",
			Help: "Answer writes, by outcome.",
		}, []string{"result"})

		gradingRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_grading_records_total",
			Help: "Grading records written, by mode.",
		}, []string{"mode"})

		transitionRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_transition_retries_total",
			Help: "Retried state transitions after persistence failures.",
		}, []string{"operation"})

		analyticsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_analytics_events_total",
			Help: "Graded-session events handled by analytics, by result.",
		}, []string{"result"})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_events_published_total",
			Help: "Session events published, by channel.",
		}, []string{"channel"})

		workerJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_worker_jobs_total",
			Help: "Background jobs executed, by job and result.",
		}, []string{"job", "result"})

		eventClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_event_clients_active",
			Help: "Connected websocket event subscribers.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			sessionsStartedTotal, sessionsSubmittedTotal, answersRecordedTotal,
			gradingRecordsTotal, transitionRetriesTotal, analyticsEventsTotal,
			eventsPublishedTotal, workerJobsTotal, eventClientsActive,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func SessionsStarted() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsStartedTotal
}

func SessionsSubmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsSubmittedTotal
}

func AnswersRecorded() *prometheus.CounterVec {
	RegisterMetrics()
	return answersRecordedTotal
}

func GradingRecords() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRecordsTotal
}

func TransitionRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return transitionRetriesTotal
}

func AnalyticsEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return analyticsEventsTotal
}

func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

func WorkerJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return workerJobsTotal
}

// EventClientsActive tracks open websocket subscriptions.
func EventClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return eventClientsActive
}

// MetricsHandler serves the Prometheus scrape endpoint. Collectors are
// registered first so a scrape before the first request still lists them.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}
