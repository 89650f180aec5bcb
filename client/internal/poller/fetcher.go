package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kafka-replicator/shared/authx"
	"kafka-replicator/shared/events"
)

var ErrFetch = errors.New("fetch events failed")

// Fetcher retrieves the relay's current buffers, keyed by topic.
type Fetcher interface {
	FetchAll(ctx context.Context) (map[string][]events.StandardizedEvent, error)
}

// HTTPFetcher reads GET {prefix}/events from the relay server.
type HTTPFetcher struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewHTTPFetcher(serverURL string, prefix string, apiKey string, client *http.Client) (*HTTPFetcher, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return nil, errors.New("SERVER_URL is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		url:    serverURL + prefix + "/events",
		apiKey: apiKey,
		http:   client,
	}, nil
}

// FetchAll makes a single attempt. Every failure, including a non-200 answer or a body that
// does not decode, is wrapped in ErrFetch.
func (f *HTTPFetcher) FetchAll(ctx context.Context) (map[string][]events.StandardizedEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set(authx.HeaderAPIKey, f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: server answered %d", ErrFetch, resp.StatusCode)
	}
	var out map[string][]events.StandardizedEvent
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrFetch, err)
	}
	return out, nil
}
