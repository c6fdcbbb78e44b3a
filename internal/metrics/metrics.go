package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harvester/internal/logging"
)

var (
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_command_runs_total",
		Help: "Total CLI command runs",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_command_errors_total",
		Help: "Total CLI command failures",
	}, []string{"command"})
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_session_duration_seconds",
		Help:    "Ingestion session duration seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
	APICalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_api_calls_total",
		Help: "Outbound API calls by endpoint kind",
	}, []string{"endpoint"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_api_retries_total",
		Help: "Total transport-level retry attempts",
	}, []string{"endpoint"})
	Pauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_rate_pauses_total",
		Help: "Governor sleeps by cause",
	}, []string{"kind"})
	TweetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_tweets_received_total",
		Help: "Primary tweets returned by the API",
	}, []string{"intent"})
	RowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_rows_written_total",
		Help: "Rows submitted to the sink per table",
	}, []string{"table"})
	WriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_write_errors_total",
		Help: "Failed batch writes per table",
	}, []string{"table"})
	CountedTweets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_counted_tweets_total",
		Help: "Tweets reported by the counts endpoint",
	})
	StreamQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_stream_queue_depth",
		Help: "Items waiting between the stream reader and writer",
	})
)

func init() {
	prometheus.MustRegister(CommandRuns, CommandErrors, SessionDuration, APICalls, APIRetries, Pauses,
		TweetsReceived, RowsWritten, WriteErrors, CountedTweets, StreamQueueDepth)
}

// Router serves /metrics and /health.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
// It returns nil when addr is empty.
func StartServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics_server_error", map[string]any{"addr": addr, "error": err})
		}
	}()
	return srv
}

// ObserveSessionDuration records a run duration
func ObserveSessionDuration(start time.Time) {
	SessionDuration.Observe(time.Since(start).Seconds())
}

func IncCommandRun(cmd string)       { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string)     { CommandErrors.WithLabelValues(cmd).Inc() }
func IncAPICall(endpoint string)     { APICalls.WithLabelValues(endpoint).Inc() }
func IncAPIRetry(endpoint string)    { APIRetries.WithLabelValues(endpoint).Inc() }
func IncPause(kind string)           { Pauses.WithLabelValues(kind).Inc() }
func AddTweets(intent string, n int) { TweetsReceived.WithLabelValues(intent).Add(float64(n)) }
func AddRows(table string, n int)    { RowsWritten.WithLabelValues(table).Add(float64(n)) }
func IncWriteError(table string)     { WriteErrors.WithLabelValues(table).Inc() }
func AddCounted(n int)               { CountedTweets.Add(float64(n)) }
func SetQueueDepth(n int)            { StreamQueueDepth.Set(float64(n)) }
