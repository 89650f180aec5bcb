package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kafka-replicator/shared/events"
	"kafka-replicator/shared/logx"
)

func TestFixedIntervalNext(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if got := fixedInterval(250 * time.Millisecond).Next(now); !got.Equal(now.Add(250 * time.Millisecond)) {
		t.Fatalf("unexpected next activation %s", got)
	}
}

func TestRunnerKeepsFiringAfterFetchFailure(t *testing.T) {
	var fetches atomic.Int32
	snapshot := map[string][]events.StandardizedEvent{"orders": newestFirst(t, "orders", 2, 1)}
	pub := &recordingPublisher{}
	p := newTestPoller(t, fetcherFunc(func(context.Context) (map[string][]events.StandardizedEvent, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("server unreachable")
		}
		return snapshot, nil
	}), pub, nil)

	r := NewRunner(p, 20*time.Millisecond, logx.Nop())
	r.Start()
	defer r.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no publish after a failed fetch (fetches=%d)", fetches.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fetches.Load() < 2 {
		t.Fatalf("expected a second cycle, got %d fetches", fetches.Load())
	}
}

func TestRunnerStopWaitsForRunningCycle(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var once atomic.Bool
	p := newTestPoller(t, fetcherFunc(func(ctx context.Context) (map[string][]events.StandardizedEvent, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	}), &recordingPublisher{}, nil)

	r := NewRunner(p, 10*time.Millisecond, logx.Nop())
	r.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle never started")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("stop returned before the running cycle finished")
	}
}

func TestRunnerStopCancelsCycleAfterDeadline(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool
	p := newTestPoller(t, fetcherFunc(func(ctx context.Context) (map[string][]events.StandardizedEvent, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}), &recordingPublisher{}, nil)

	r := NewRunner(p, 10*time.Millisecond, logx.Nop())
	r.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRunnerStopWithoutStart(t *testing.T) {
	r := NewRunner(nil, time.Second, logx.Nop())
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRunnerRestartAfterStop(t *testing.T) {
	var fetches atomic.Int32
	p := newTestPoller(t, fetcherFunc(func(context.Context) (map[string][]events.StandardizedEvent, error) {
		fetches.Add(1)
		return nil, nil
	}), &recordingPublisher{}, nil)

	waitFor := func(min int32) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for fetches.Load() < min {
			if time.Now().After(deadline) {
				t.Fatalf("expected at least %d fetches, got %d", min, fetches.Load())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	r := NewRunner(p, 10*time.Millisecond, logx.Nop())
	r.Start()
	waitFor(1)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stopped := fetches.Load()
	r.Start()
	defer r.Stop(context.Background())
	waitFor(stopped + 1)
	if n := len(r.cron.Entries()); n != 1 {
		t.Fatalf("expected one scheduled entry after restart, got %d", n)
	}
}
