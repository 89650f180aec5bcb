package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kafka-replicator/server/internal/api"
	"kafka-replicator/server/internal/buffer"
	"kafka-replicator/server/internal/ingest"
	"kafka-replicator/server/internal/middleware"
	"kafka-replicator/shared/authx"
	"kafka-replicator/shared/config"
	"kafka-replicator/shared/httpx"
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
	cfg, readyProblems := config.Load("kafka-replicator-server", 3000)
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

	verifier, err := authx.NewAPIKeyVerifier(cfg.APIKey)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "API_KEY", Message: "API_KEY is required"})
		logger.Error(context.Background(), "api_key_missing", "API_KEY is not set; every events request will be rejected", logx.Err("FAILED_PRECONDITION", err)...)
	}

	buffers := buffer.NewSet(cfg.MaxEventsPerTopic)
	adapter, err := ingest.New(buffers, ingest.Options{
		Topics:  cfg.KafkaTopics,
		GroupID: cfg.KafkaGroupID,
		NewReader: func(topic string) (ingest.MessageReader, error) {
			r, err := mqx.NewTopicReader(cfg, topic)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		CheckTopic: func(ctx context.Context, topic string) error {
			return mqx.CheckTopic(ctx, cfg, topic)
		},
		Backoff: cfg.ConnectBackoff(),
		Logger:  logger,
	})
	if err != nil {
		logger.Error(context.Background(), "ingest_init_failed", "failed to configure ingestion", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

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
		if !adapter.Connected() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "service not ready: no active kafka subscription", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	if cfg.APIPrefix != "" {
		mux.Handle("GET /metrics", metricsx.Handler())
	}
	api.Register(mux, cfg.APIPrefix,
		api.Handler{Buffers: buffers, Source: adapter, Logger: logger},
		middleware.APIKeyMiddleware{Verifier: verifier, Logger: logger},
	)

	operational := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics", cfg.APIPrefix + "/metrics":
			return true
		}
		return false
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{
		SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true},
		Fields: func(r *http.Request) []slog.Attr {
			attrs := []slog.Attr{slog.Bool("api_key_present", r.Header.Get(authx.HeaderAPIKey) != "")}
			if topic := r.URL.Query().Get("topic"); topic != "" {
				attrs = append(attrs, slog.String("topic", topic))
			}
			return attrs
		},
	}, handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 15*time.Minute),
		Skip:    []func(*http.Request) bool{operational, middleware.ValidAPIKey(verifier)},
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.AllowedOrigins}.Wrap(handler)
	handler = httpx.SecurityHeaders(handler)
	handler = gzhttp.GzipHandler(handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	addr := net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error(context.Background(), "listen_failed", "failed to bind http port",
			append(logx.Err("UNAVAILABLE", err), slog.String("addr", addr))...,
		)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", addr),
			slog.String("api_prefix", cfg.APIPrefix),
			slog.String("docs", cfg.APIPrefix+"/docs"),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("max_events_per_topic", cfg.MaxEventsPerTopic),
			slog.Int("topics", len(cfg.KafkaTopics)),
		)
		errCh <- server.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Start(ctx); err != nil {
		if ctx.Err() != nil {
			shutdownServer(logger, server)
			os.Exit(0)
		}
		logger.Error(context.Background(), "kafka_start_failed", "failed to start kafka consumer", logx.Err("UNAVAILABLE", err)...)
		shutdownServer(logger, server)
		os.Exit(1)
	}

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

	adapter.Close()
	shutdownServer(logger, server)
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
	os.Exit(exitCode)
}

func shutdownServer(logger logx.Logger, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
}
