package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"kafka-replicator/server/internal/buffer"
	"kafka-replicator/shared/backoffx"
	"kafka-replicator/shared/events"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 64)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func testPolicy() backoffx.Policy {
	return backoffx.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 1.5, Factor: 0.2, Retries: 2}
}

func newTestAdapter(t *testing.T, set *buffer.Set, readers map[string]*fakeReader, check TopicChecker) *Adapter {
	t.Helper()
	metricsx.Register()
	topics := make([]string, 0, len(readers))
	for topic := range readers {
		topics = append(topics, topic)
	}
	a, err := New(set, Options{
		Topics:  topics,
		GroupID: "relay",
		NewReader: func(topic string) (MessageReader, error) {
			r, ok := readers[topic]
			if !ok {
				return nil, fmt.Errorf("no reader for %s", topic)
			}
			return r, nil
		},
		CheckTopic: check,
		Backoff:    testPolicy(),
		Logger:     logx.Nop(),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func message(topic string, offset int64, value []byte) kafka.Message {
	return kafka.Message{Topic: topic, Partition: 0, Offset: offset, Value: value, Time: time.Unix(1700000000, 0)}
}

func TestAdapterBuffersNewestFirst(t *testing.T) {
	set := buffer.NewSet(10)
	orders := newFakeReader()
	a := newTestAdapter(t, set, map[string]*fakeReader{"orders": orders}, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	for i := 1; i <= 12; i++ {
		orders.msgs <- message("orders", int64(i), []byte(strconv.Itoa(i)))
	}
	waitFor(t, func() bool { return orders.commits() == 12 })

	evs, ok := set.Snapshot("orders")
	if !ok || len(evs) != 10 {
		t.Fatalf("unexpected buffer: %d events (ok=%v)", len(evs), ok)
	}
	if string(evs[0].Value()) != "12" || string(evs[9].Value()) != "3" {
		t.Fatalf("unexpected order: first=%s last=%s", evs[0].Value(), evs[9].Value())
	}
	if !a.Connected() {
		t.Fatalf("expected adapter to report connected")
	}
}

func TestAdapterIsolatesMalformedMessages(t *testing.T) {
	set := buffer.NewSet(10)
	a := newTestAdapter(t, set, map[string]*fakeReader{"a": newFakeReader(), "b": newFakeReader()}, nil)

	set.Insert(mustStandardize(t, message("b", 1, []byte("b1"))))
	if err := a.Handle(context.Background(), message("a", 1, nil)); !errors.Is(err, ErrMessageHandling) {
		t.Fatalf("expected message handling error, got %v", err)
	}
	if err := a.Handle(context.Background(), message("a", 2, []byte("a2"))); err != nil {
		t.Fatalf("valid message after malformed one: %v", err)
	}

	evs, _ := set.Snapshot("a")
	if len(evs) != 1 || string(evs[0].Value()) != "a2" {
		t.Fatalf("unexpected topic a buffer: %d events", len(evs))
	}
	evs, _ = set.Snapshot("b")
	if len(evs) != 1 || string(evs[0].Value()) != "b1" {
		t.Fatalf("topic b buffer changed: %d events", len(evs))
	}
}

func TestConsumeCountsAndCommitsDroppedMessages(t *testing.T) {
	set := buffer.NewSet(10)
	r := newFakeReader()
	a := newTestAdapter(t, set, map[string]*fakeReader{"bad": r}, nil)
	before := counterValue(t, "kafka_errors_total", "bad")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	r.msgs <- message("bad", 1, nil)
	r.msgs <- message("bad", 2, []byte("ok"))
	waitFor(t, func() bool { return r.commits() == 2 })

	if got := counterValue(t, "kafka_errors_total", "bad") - before; got != 1 {
		t.Fatalf("expected one counted error, got %v", got)
	}
	evs, _ := set.Snapshot("bad")
	if len(evs) != 1 {
		t.Fatalf("expected only the valid message buffered, got %d", len(evs))
	}
}

func TestStartFailsWhenTopicUnreachable(t *testing.T) {
	set := buffer.NewSet(10)
	r := newFakeReader()
	var calls int
	a := newTestAdapter(t, set, map[string]*fakeReader{"orders": r}, func(ctx context.Context, topic string) error {
		calls++
		return errors.New("connection refused")
	})

	err := a.Start(context.Background())
	if !errors.Is(err, ErrSourceConnection) {
		t.Fatalf("expected source connection error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls)
	}
	if a.Connected() {
		t.Fatalf("adapter must not report connected after failed start")
	}
}

func TestStartRetriesUntilTopicReachable(t *testing.T) {
	set := buffer.NewSet(10)
	r := newFakeReader()
	var calls int
	a := newTestAdapter(t, set, map[string]*fakeReader{"orders": r}, func(ctx context.Context, topic string) error {
		calls++
		if calls < 2 {
			return errors.New("leader not available")
		}
		return nil
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.Close()
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestCloseReleasesReaders(t *testing.T) {
	set := buffer.NewSet(10)
	readers := map[string]*fakeReader{"a": newFakeReader(), "b": newFakeReader()}
	a := newTestAdapter(t, set, readers, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.Close()

	for topic, r := range readers {
		if !r.isClosed() {
			t.Fatalf("reader %s not closed", topic)
		}
	}
	if a.Connected() {
		t.Fatalf("expected disconnected after close")
	}
}

func TestReaderEOFEndsSubscription(t *testing.T) {
	set := buffer.NewSet(10)
	r := newFakeReader()
	a := newTestAdapter(t, set, map[string]*fakeReader{"orders": r}, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()
	close(r.msgs)
	waitFor(t, func() bool { return !a.Connected() })
}

func TestNewRejectsEmptyTopics(t *testing.T) {
	_, err := New(buffer.NewSet(1), Options{
		Topics:    []string{" ", ""},
		NewReader: func(string) (MessageReader, error) { return newFakeReader(), nil },
	})
	if !errors.Is(err, ErrNoTopics) {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}

func TestStandardize(t *testing.T) {
	ev, err := Standardize(kafka.Message{Topic: "orders", Partition: 3, Offset: 42, Value: []byte("v")})
	if err != nil {
		t.Fatalf("standardize: %v", err)
	}
	if ev.Topic != "orders" || ev.Partition != 3 || ev.Offset != 42 || string(ev.Value()) != "v" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected missing timestamp to be filled")
	}
	if _, err := Standardize(kafka.Message{Value: []byte("v")}); !errors.Is(err, ErrMessageHandling) {
		t.Fatalf("expected error for message without topic, got %v", err)
	}
}

func counterValue(t *testing.T, name string, topic string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "topic" && lp.GetValue() == topic {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func mustStandardize(t *testing.T, msg kafka.Message) events.StandardizedEvent {
	t.Helper()
	ev, err := Standardize(msg)
	if err != nil {
		t.Fatalf("standardize: %v", err)
	}
	return ev
}
