package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kafka-replicator/client/internal/poller"
	"kafka-replicator/shared/backoffx"
	"kafka-replicator/shared/config"
	"kafka-replicator/shared/httpx"
	"kafka-replicator/shared/influxx"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
	"kafka-replicator/shared/mqx"
	"kafka-replicator/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("kafka-replicator-client", 3001)

	var intervalMS int
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	fs.IntVar(&intervalMS, "interval", cfg.PollIntervalMS, "Polling interval in milliseconds")
	fs.IntVar(&intervalMS, "i", cfg.PollIntervalMS, "Polling interval in milliseconds (shorthand)")
	_ = fs.Parse(os.Args[1:])
	if intervalMS <= 0 {
		fmt.Fprintf(os.Stderr, "interval must be > 0, got %d\n", intervalMS)
		os.Exit(2)
	}
	interval := time.Duration(intervalMS) * time.Millisecond

	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed", logx.Err("FAILED_PRECONDITION", err)...)
		}
	}

	if cfg.APIKey == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "API_KEY", Message: "API_KEY is required"})
	}
	fetcher, err := poller.NewHTTPFetcher(cfg.ServerURL, cfg.APIPrefix, cfg.APIKey, observability.HTTPClient(cfg.FetchTimeout()))
	if err != nil {
		logger.Error(context.Background(), "fetcher_init_failed", "failed to configure server fetch", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "producer_init_failed", "failed to configure kafka producer", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = backoffx.Retry(ctx, cfg.ConnectBackoff(), func(ctx context.Context) error {
		return mqx.CheckBrokers(ctx, cfg)
	}, func(err error, wait time.Duration) {
		logger.Warn(ctx, "kafka_connect_retry", "local kafka not reachable, retrying",
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		_ = producer.Close()
		if ctx.Err() != nil {
			os.Exit(0)
		}
		logger.Error(context.Background(), "kafka_connect_failed", "error connecting to local kafka", logx.Err("UNAVAILABLE", err)...)
		os.Exit(1)
	}
	logger.Info(ctx, "kafka_connected", "connected to local kafka", slog.Any("brokers", cfg.KafkaBrokers))

	var reporter poller.Reporter
	var influx *influxx.Client
	if influxx.Enabled(cfg) {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "influx_init_failed", "influx init failed", logx.Err("FAILED_PRECONDITION", err)...)
		} else {
			reporter = poller.InfluxReporter{Writer: influx, Logger: logger}
		}
	}

	p, err := poller.New(fetcher, producer, poller.Options{
		FetchTimeout:   cfg.FetchTimeout(),
		PublishTimeout: cfg.PublishTimeout(),
		Reporter:       reporter,
		Logger:         logger,
	})
	if err != nil {
		logger.Error(context.Background(), "poller_init_failed", "failed to configure poller", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	runner := poller.NewRunner(p, interval, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("server_url", cfg.ServerURL),
			slog.Duration("interval", interval),
			slog.String("log_level", cfg.LogLevel),
		)
		errCh <- server.ListenAndServe()
	}()
	runner.Start()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown_signal", "received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "poll_stop_timeout", "abandoned running poll cycle", logx.Err("DEADLINE_EXCEEDED", err)...)
	}
	if err := producer.Close(); err != nil {
		logger.Error(context.Background(), "producer_close_failed", "failed to close kafka producer", logx.Err("INTERNAL_ERROR", err)...)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	if influx != nil {
		influx.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
	os.Exit(exitCode)
}
