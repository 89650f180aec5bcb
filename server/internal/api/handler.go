// Package api serves the relay buffers to remote pollers.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"strings"

	"kafka-replicator/server/internal/buffer"
	"kafka-replicator/server/internal/middleware"
	"kafka-replicator/shared/events"
	"kafka-replicator/shared/httpx"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
)

//go:embed openapi.json
var openAPIDoc []byte

// SourceStatus reports whether any source subscription is running.
type SourceStatus interface {
	Connected() bool
}

type Handler struct {
	Buffers *buffer.Set
	Source  SourceStatus
	Logger  logx.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Kafka  string `json:"kafka"`
}

// Register mounts the relay routes under prefix. Only the events route requires the API key.
func Register(mux *http.ServeMux, prefix string, h Handler, auth middleware.APIKeyMiddleware) {
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle("GET "+prefix+"/events", auth.Wrap(http.HandlerFunc(h.Events)))
	mux.HandleFunc("GET "+prefix+"/health", h.Health)
	mux.Handle("GET "+prefix+"/metrics", metricsx.Handler())
	mux.HandleFunc("GET "+prefix+"/docs", Docs)
}

// Events writes the newest-first snapshot of one topic when ?topic= is set, otherwise a map of
// every known topic to its snapshot. A topic that has not received events yields [].
func (h Handler) Events(w http.ResponseWriter, r *http.Request) {
	metricsx.IncAPIRequest()

	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic != "" {
		evs, ok := h.Buffers.Snapshot(topic)
		if !ok {
			evs = []events.StandardizedEvent{}
		}
		h.Logger.Debug(r.Context(), "events_served", "served topic snapshot",
			slog.String("topic", topic),
			slog.Int("events", len(evs)),
		)
		httpx.WriteJSON(w, http.StatusOK, evs)
		return
	}

	all := h.Buffers.SnapshotAll()
	h.Logger.Debug(r.Context(), "events_served", "served all topics", slog.Int("topics", len(all)))
	httpx.WriteJSON(w, http.StatusOK, all)
}

func (h Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Kafka: "disconnected"}
	if h.Source != nil && h.Source.Connected() {
		resp.Kafka = "connected"
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Docs serves the OpenAPI description of the relay API.
func Docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDoc)
}
