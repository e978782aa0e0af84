package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shortontech/slotscope/internal/event"
)

// Metrics holds all the Prometheus metrics for SlotScope
type Metrics struct {
	// Pipeline counters
	CapturesForwarded  *prometheus.CounterVec
	CapturesSuppressed prometheus.Counter
	OutcomesForwarded  *prometheus.CounterVec
	DecodeFailures     prometheus.Counter
	MessagesDelivered  *prometheus.CounterVec
	MessagesDiscarded  *prometheus.CounterVec

	// Output and transport counters
	SnapshotsEmitted *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec

	// Gauges
	HotnessScore      prometheus.Gauge
	ObservedRTP       prometheus.Gauge
	StreamConnections *prometheus.GaugeVec

	// Histograms
	SinkEnqueueLatency *prometheus.HistogramVec
	HTTPDuration       *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates all metrics and registers them with the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics and registers them with reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CapturesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_captures_forwarded_total",
				Help: "Configuration captures forwarded to the supervisor, by capture path",
			},
			[]string{"via"},
		),
		CapturesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotscope_captures_suppressed_total",
			Help: "Configuration captures dropped because the interceptor was disarmed",
		}),
		OutcomesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_outcomes_forwarded_total",
				Help: "Spin outcomes forwarded to the supervisor, by source",
			},
			[]string{"source"},
		),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotscope_decode_failures_total",
			Help: "Structured responses the tap could not decode",
		}),
		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_messages_delivered_total",
				Help: "Cross-context messages handed to a handler, by kind",
			},
			[]string{"kind"},
		),
		MessagesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_messages_discarded_total",
				Help: "Cross-context messages discarded at the boundary, by reason",
			},
			[]string{"reason"},
		),

		SnapshotsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_snapshots_emitted_total",
				Help: "Snapshots accepted by a sink",
			},
			[]string{"sink"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotscope_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		HotnessScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotscope_hotness_score",
			Help: "Hotness score of the latest snapshot",
		}),
		ObservedRTP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotscope_observed_rtp_percent",
			Help: "Observed return to player of the latest snapshot",
		}),
		StreamConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slotscope_stream_connections",
				Help: "Open websocket connections by stream",
			},
			[]string{"stream"},
		),

		SinkEnqueueLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotscope_sink_enqueue_seconds",
				Help:    "Latency of handing a snapshot to a sink",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotscope_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.CapturesForwarded,
		m.CapturesSuppressed,
		m.OutcomesForwarded,
		m.DecodeFailures,
		m.MessagesDelivered,
		m.MessagesDiscarded,
		m.SnapshotsEmitted,
		m.SinkErrors,
		m.HTTPRequests,
		m.HotnessScore,
		m.ObservedRTP,
		m.StreamConnections,
		m.SinkEnqueueLatency,
		m.HTTPDuration,
	)
	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.useTLS() {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Printf("metrics: failed to load client CA: %v", err)
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				log.Printf("metrics: mTLS enabled with client CA: %s", config.ClientCA)
			}
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{server: srv, config: config}
}

func (c Config) useTLS() bool {
	return c.RequireTLS && c.TLSCert != "" && c.TLSKey != ""
}

// Start binds the listener and serves in the background. A bind failure
// is returned rather than logged.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", s.config.Addr, err)
	}

	go func() {
		var err error
		if s.config.useTLS() {
			log.Printf("metrics: HTTPS server listening on %s", ln.Addr())
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", ln.Addr())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

// Global metrics instance
var defaultMetrics *Metrics

// InitMetrics initializes the global metrics instance
func InitMetrics() *Metrics {
	if defaultMetrics == nil {
		defaultMetrics = NewMetrics()
	}
	return defaultMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

// The methods below are safe on a nil *Metrics so components can run
// without instrumentation.

func (m *Metrics) IncrementSnapshotsEmitted(sink string) {
	if m != nil {
		m.SnapshotsEmitted.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m != nil {
		m.SinkErrors.WithLabelValues(sink, errorType).Inc()
	}
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
	}
}

func (m *Metrics) ObserveSinkEnqueueLatency(sink string, duration time.Duration) {
	if m != nil {
		m.SinkEnqueueLatency.WithLabelValues(sink).Observe(duration.Seconds())
	}
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	}
}

// StreamOpened and StreamClosed track websocket connections per stream.
func (m *Metrics) StreamOpened(stream string) {
	if m != nil {
		m.StreamConnections.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) StreamClosed(stream string) {
	if m != nil {
		m.StreamConnections.WithLabelValues(stream).Dec()
	}
}

// MessageDelivered implements messenger.Recorder.
func (m *Metrics) MessageDelivered(kind string) {
	if m != nil {
		m.MessagesDelivered.WithLabelValues(kind).Inc()
	}
}

// MessageDiscarded implements messenger.Recorder.
func (m *Metrics) MessageDiscarded(reason string) {
	if m != nil {
		m.MessagesDiscarded.WithLabelValues(reason).Inc()
	}
}

// CaptureForwarded implements intercept.Recorder.
func (m *Metrics) CaptureForwarded(via string) {
	if m != nil {
		m.CapturesForwarded.WithLabelValues(via).Inc()
	}
}

// CaptureSuppressed implements intercept.Recorder.
func (m *Metrics) CaptureSuppressed() {
	if m != nil {
		m.CapturesSuppressed.Inc()
	}
}

// OutcomeForwarded implements intercept.Recorder.
func (m *Metrics) OutcomeForwarded(source string) {
	if m != nil {
		m.OutcomesForwarded.WithLabelValues(source).Inc()
	}
}

// DecodeFailed implements intercept.Recorder.
func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

// ObserveSnapshot publishes the score of the latest snapshot.
func (m *Metrics) ObserveSnapshot(s event.Snapshot) {
	if m != nil {
		m.HotnessScore.Set(s.Value)
		m.ObservedRTP.Set(s.ObservedReturnToPlayer)
	}
}
