package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"kafka-replicator/server/internal/buffer"
	"kafka-replicator/server/internal/middleware"
	"kafka-replicator/shared/authx"
	"kafka-replicator/shared/events"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
)

type staticSource bool

func (s staticSource) Connected() bool { return bool(s) }

func newTestMux(t *testing.T, set *buffer.Set, connected bool) *http.ServeMux {
	t.Helper()
	metricsx.Register()
	verifier, err := authx.NewAPIKeyVerifier("secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	mux := http.NewServeMux()
	Register(mux, "/api/v1", Handler{Buffers: set, Source: staticSource(connected), Logger: logx.Nop()},
		middleware.APIKeyMiddleware{Verifier: verifier, Logger: logx.Nop()})
	return mux
}

func fill(t *testing.T, set *buffer.Set, topic string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		ev, err := events.New(topic, 0, int64(i), []byte(strconv.Itoa(i)), time.Unix(1700000000, 0))
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		set.Insert(ev)
	}
}

func get(mux http.Handler, target string, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set(authx.HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestEventsRequiresAPIKey(t *testing.T) {
	set := buffer.NewSet(10)
	fill(t, set, "orders", 3)
	mux := newTestMux(t, set, true)

	for _, target := range []string{"/api/v1/events", "/api/v1/events?topic=orders"} {
		for _, key := range []string{"", "wrong"} {
			rec := get(mux, target, key)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("%s key=%q: expected 401, got %d", target, key, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := body["orders"]; ok {
				t.Fatalf("unauthorized response contains event data: %s", rec.Body.String())
			}
			if _, ok := body["error"]; !ok {
				t.Fatalf("expected error envelope, got %s", rec.Body.String())
			}
		}
	}
}

func TestEventsFilteredByTopic(t *testing.T) {
	set := buffer.NewSet(10)
	fill(t, set, "orders", 12)
	mux := newTestMux(t, set, true)

	rec := get(mux, "/api/v1/events?topic=orders", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var evs []events.StandardizedEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 10 {
		t.Fatalf("expected 10 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if want := strconv.Itoa(12 - i); string(ev.Value()) != want {
			t.Fatalf("event %d: expected value %s, got %s", i, want, ev.Value())
		}
	}
}

func TestEventsUnknownTopicIsEmptyList(t *testing.T) {
	set := buffer.NewSet(10)
	fill(t, set, "orders", 1)
	mux := newTestMux(t, set, true)

	rec := get(mux, "/api/v1/events?topic=never-seen", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("expected a JSON array, got %s", rec.Body.String())
	}
	if raw == nil || len(raw) != 0 {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestEventsUnfilteredReturnsEveryTopic(t *testing.T) {
	set := buffer.NewSet(10)
	fill(t, set, "orders", 2)
	fill(t, set, "payments", 1)
	mux := newTestMux(t, set, true)

	rec := get(mux, "/api/v1/events", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var all map[string][]events.StandardizedEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 || len(all["orders"]) != 2 || len(all["payments"]) != 1 {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if all["orders"][0].Offset != 2 || all["orders"][0].Topic != "orders" {
		t.Fatalf("unexpected first orders event: %+v", all["orders"][0])
	}
}

func TestEventsEmptyRelayIsEmptyObject(t *testing.T) {
	mux := newTestMux(t, buffer.NewSet(10), false)
	rec := get(mux, "/api/v1/events", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var all map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil || all == nil || len(all) != 0 {
		t.Fatalf("expected {}, got %s", rec.Body.String())
	}
}

func TestHealthReportsSourceState(t *testing.T) {
	for _, tc := range []struct {
		connected bool
		want      string
	}{
		{true, "connected"},
		{false, "disconnected"},
	} {
		mux := newTestMux(t, buffer.NewSet(10), tc.connected)
		rec := get(mux, "/api/v1/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "ok" || body.Kafka != tc.want {
			t.Fatalf("unexpected health: %+v", body)
		}
	}
}

func TestDocsServesOpenAPI(t *testing.T) {
	mux := newTestMux(t, buffer.NewSet(10), true)
	rec := get(mux, "/api/v1/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.OpenAPI == "" || doc.Paths["/events"]["get"] == nil {
		t.Fatalf("unexpected doc: %s", rec.Body.String())
	}
}

func TestMetricsExposesRelayCounters(t *testing.T) {
	set := buffer.NewSet(10)
	mux := newTestMux(t, set, true)
	_ = get(mux, "/api/v1/events", "secret")

	rec := get(mux, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\napi_requests_total ") {
		t.Fatalf("expected api_requests_total in metrics output")
	}
}
