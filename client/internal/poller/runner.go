package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kafka-replicator/shared/logx"
)

// fixedInterval fires every d after the previous activation. cron.Every rounds to whole
// seconds, which is too coarse for sub-second poll intervals.
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

// Runner schedules poll cycles. A cycle that is still running when the next one is due causes
// that activation to be skipped; missed activations are never caught up. A stopped Runner may
// be started again.
type Runner struct {
	poller   *Poller
	interval time.Duration
	logger   logx.Logger
	cron     *cron.Cron

	mu     sync.Mutex
	entry  cron.EntryID
	cancel context.CancelFunc
}

func NewRunner(p *Poller, interval time.Duration, logger logx.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	cl := cronLogger{logger: logger.With(slog.String("component", "scheduler"))}
	return &Runner{
		poller:   p,
		interval: interval,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.entry = r.cron.Schedule(fixedInterval(r.interval), cron.FuncJob(func() {
		_, _ = r.poller.RunCycle(ctx)
	}))
	r.cron.Start()
	r.logger.Info(ctx, "poll_started", fmt.Sprintf("started polling server every %s", r.interval),
		slog.Duration("interval", r.interval),
	)
}

// Stop prevents further cycles and waits for the running one. If ctx ends first the running
// cycle is cancelled and Stop returns once it has unwound.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel := r.cancel
	if cancel == nil {
		return nil
	}
	r.cancel = nil

	done := r.cron.Stop()
	r.cron.Remove(r.entry)
	select {
	case <-done.Done():
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
}

// cronLogger routes scheduler messages through logx.
type cronLogger struct {
	logger logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), "scheduler_"+msg, msg, kvAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := append(logx.Err("INTERNAL_ERROR", err), kvAttrs(keysAndValues)...)
	l.logger.Error(context.Background(), "scheduler_error", msg, attrs...)
}

func kvAttrs(kv []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, slog.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return attrs
}
