package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shortontech/slotscope/internal/event"
	httpx "github.com/shortontech/slotscope/internal/http"
	"github.com/shortontech/slotscope/internal/metrics"
	"github.com/shortontech/slotscope/internal/sink"
	"github.com/shortontech/slotscope/pkg/config"
)

func main() {
	healthCheck := flag.Bool("health-check", false, "check /healthz on SERVER_ADDR and exit")
	testMode := flag.Bool("test-mode", false, "replay a synthetic session through the pipeline")
	flag.Parse()

	cfg := config.Load()

	if *healthCheck {
		host, port := healthCheckTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			log.Printf("health check failed: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var appMetrics *metrics.Metrics
	if cfg.MetricsEnabled {
		appMetrics = metrics.InitMetrics()
	}
	metricsServer := metrics.NewServer(metrics.LoadConfig())
	if err := metricsServer.Start(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	sinks := initializeSinks(ctx, cfg.Outputs)
	emit := createEmitFunc(sinks, appMetrics)

	cfg.ObservedOrigin = resolveObservedOrigin(cfg)
	sess, err := newSession(cfg, appMetrics, emit)
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	sess.run(ctx)
	sess.detectConfigured(cfg)

	env := httpx.Env{
		Cfg:      cfg,
		Metrics:  appMetrics,
		HMACAuth: initializeHMACAuth(cfg),
		Observed: sess.observed,
		Hub:      sess.hub,
		Consent:  sess.activator,
		OnDetect: sess.detect,
	}
	srv := startHTTPServer(cfg, env)

	if cfg.TestMode || *testMode {
		go runTestMode(sess, 200*time.Millisecond)
	}

	waitForShutdown(srv, metricsServer, sess, sinks)
}

// initializeSinks starts every configured output. Outputs that fail to
// start are logged and skipped.
func initializeSinks(ctx context.Context, outputs []string) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range outputs {
		var s sink.Sink
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv()
		case "postgres", "pg":
			s = sink.NewPGSinkFromEnv()
		default:
			log.Printf("unknown output %q, skipping", output)
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Printf("sink %s failed to start: %v", s.Name(), err)
			continue
		}
		log.Printf("sink %s started", s.Name())
		sinks = append(sinks, s)
	}
	return sinks
}

// initializeHMACAuth returns nil when REPORT_SECRET is unset.
func initializeHMACAuth(cfg config.Config) *httpx.HMACAuth {
	auth := httpx.NewHMACAuth(cfg.ReportSecret, cfg.TrustProxy)
	if auth == nil {
		log.Printf("report signatures disabled (REPORT_SECRET not set)")
	}
	return auth
}

// createEmitFunc fans one snapshot out to every sink and records it.
func createEmitFunc(sinks []sink.Sink, m *metrics.Metrics) func(event.Snapshot) {
	return func(s event.Snapshot) {
		m.ObserveSnapshot(s)
		for _, sk := range sinks {
			start := time.Now()
			err := sk.Enqueue(s)
			m.ObserveSinkEnqueueLatency(sk.Name(), time.Since(start))
			if err != nil {
				log.Printf("sink %s enqueue: %v", sk.Name(), err)
				m.IncrementSinkErrors(sk.Name(), "enqueue")
				continue
			}
			m.IncrementSnapshotsEmitted(sk.Name())
		}
	}
}

func startHTTPServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.EnableHTTPS {
			log.Printf("slotscope listening on %s (HTTPS)", cfg.ServerAddr)
			err = srv.ListenAndServeTLS(cfg.SSLCertFile, cfg.SSLKeyFile)
		} else {
			log.Printf("slotscope listening on %s", cfg.ServerAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}()
	return srv
}

// healthCheckTarget turns a listen address into something dialable.
func healthCheckTarget(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", strings.TrimPrefix(addr, ":")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected response: %q", body)
	}
	return nil
}

func waitForShutdown(srv *http.Server, metricsServer *metrics.Server, sess *session, sinks []sink.Sink) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down...")
	shutdown(srv, metricsServer, sess, sinks, 10*time.Second)
}

// shutdown stops intake first, then the bus, then flushes the sinks.
func shutdown(srv *http.Server, metricsServer *metrics.Server, sess *session, sinks []sink.Sink, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Printf("metrics shutdown: %v", err)
	}
	if sess != nil {
		sess.close()
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Printf("sink %s close: %v", s.Name(), err)
		}
	}
}
