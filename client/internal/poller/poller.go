// Package poller drives the client side of the relay: fetch the server's buffers on a fixed
// cadence and republish them onto the local broker.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kafka-replicator/shared/events"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
)

var ErrPublish = errors.New("publish events failed")

// Publisher writes values to topic, in order, on the destination broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, values [][]byte) error
}

// Reporter receives the outcome of every cycle.
type Reporter interface {
	ReportCycle(ctx context.Context, stats CycleStats)
}

type CycleStats struct {
	ID           string
	Started      time.Time
	Duration     time.Duration
	Result       string
	Topics       int
	Published    int
	FailedTopics int
}

type Options struct {
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
	Reporter       Reporter
	Logger         logx.Logger
}

// Poller runs fetch-then-republish cycles. It keeps no state between cycles: every cycle
// republishes whatever the server holds, so events can reach the destination more than once.
type Poller struct {
	fetcher        Fetcher
	publisher      Publisher
	fetchTimeout   time.Duration
	publishTimeout time.Duration
	reporter       Reporter
	logger         logx.Logger
}

func New(fetcher Fetcher, publisher Publisher, opts Options) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Poller{
		fetcher:        fetcher,
		publisher:      publisher,
		fetchTimeout:   opts.FetchTimeout,
		publishTimeout: opts.PublishTimeout,
		reporter:       opts.Reporter,
		logger:         opts.Logger.With(slog.String("component", "poller")),
	}, nil
}

// RunCycle performs one poll cycle. A fetch failure aborts the cycle before anything is
// published. Topics are published concurrently and a failed topic does not stop the others;
// their errors are joined under ErrPublish.
func (p *Poller) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{ID: uuid.NewString(), Started: time.Now()}
	logger := p.logger.With(slog.String("cycle_id", stats.ID))

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	byTopic, err := p.fetcher.FetchAll(fetchCtx)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrFetch) {
			err = fmt.Errorf("%w: %w", ErrFetch, err)
		}
		stats.Result = metricsx.CycleFetchFailed
		p.finish(ctx, &stats)
		logger.Error(ctx, "poll_fetch_failed", "error polling server", logx.Err("UNAVAILABLE", err)...)
		return stats, err
	}

	topics := make([]string, 0, len(byTopic))
	for topic, evs := range byTopic {
		if len(evs) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	stats.Topics = len(topics)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string, evs []events.StandardizedEvent) {
			defer wg.Done()
			err := p.publishTopic(ctx, topic, evs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				stats.FailedTopics++
				metricsx.IncPublishFailure(topic)
				logger.Error(ctx, "poll_publish_failed", "error pushing events to local kafka",
					append(logx.Err("UNAVAILABLE", err), slog.String("topic", topic))...,
				)
				return
			}
			stats.Published += len(evs)
			metricsx.AddEventsPublished(topic, len(evs))
			logger.Info(ctx, "poll_published", fmt.Sprintf("pushed %d events to local kafka topic %s", len(evs), topic),
				slog.String("topic", topic),
				slog.Int("events", len(evs)),
			)
		}(topic, byTopic[topic])
	}
	wg.Wait()

	stats.Result = metricsx.CycleOK
	if len(errs) > 0 {
		stats.Result = metricsx.CyclePartial
	}
	p.finish(ctx, &stats)
	if len(errs) > 0 {
		return stats, errors.Join(errs...)
	}
	return stats, nil
}

func (p *Poller) publishTopic(ctx context.Context, topic string, evs []events.StandardizedEvent) error {
	values := make([][]byte, 0, len(evs))
	for _, ev := range evs {
		values = append(values, ev.Value())
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.publisher.Publish(pubCtx, topic, values); err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPublish, topic, err)
	}
	return nil
}

func (p *Poller) finish(ctx context.Context, stats *CycleStats) {
	stats.Duration = time.Since(stats.Started)
	metricsx.IncPollCycle(stats.Result)
	metricsx.ObservePollCycle(stats.Duration)
	if p.reporter != nil {
		p.reporter.ReportCycle(ctx, *stats)
	}
}
