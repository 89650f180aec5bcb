// Package ingest consumes the source topics and feeds the relay buffers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"kafka-replicator/server/internal/buffer"
	"kafka-replicator/shared/backoffx"
	"kafka-replicator/shared/events"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
	"kafka-replicator/shared/mqx"
)

var (
	ErrSourceConnection = errors.New("source broker connection failed")
	ErrMessageHandling  = errors.New("message handling failed")
	ErrNoTopics         = errors.New("no topics configured")
)

const (
	fetchRetryDelay   = 500 * time.Millisecond
	commitTimeout     = 5 * time.Second
	lagReportInterval = 10 * time.Second
)

// MessageReader is the part of *kafka.Reader the adapter uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type statsReader interface {
	Stats() kafka.ReaderStats
}

type ReaderFactory func(topic string) (MessageReader, error)

// TopicChecker verifies that topic is reachable on the source cluster.
type TopicChecker func(ctx context.Context, topic string) error

type Options struct {
	Topics     []string
	GroupID    string
	NewReader  ReaderFactory
	CheckTopic TopicChecker
	Backoff    backoffx.Policy
	Logger     logx.Logger
}

// Adapter runs one reader per topic. Each topic has its own consumer group, so a stalled or
// rebalancing topic does not hold up the others.
type Adapter struct {
	buffers    *buffer.Set
	topics     []string
	groupID    string
	newReader  ReaderFactory
	checkTopic TopicChecker
	policy     backoffx.Policy
	logger     logx.Logger

	active atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(buffers *buffer.Set, opts Options) (*Adapter, error) {
	if buffers == nil {
		return nil, errors.New("buffer set is required")
	}
	if opts.NewReader == nil {
		return nil, errors.New("reader factory is required")
	}
	topics := make([]string, 0, len(opts.Topics))
	seen := make(map[string]bool, len(opts.Topics))
	for _, topic := range opts.Topics {
		topic = strings.TrimSpace(topic)
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	return &Adapter{
		buffers:    buffers,
		topics:     topics,
		groupID:    opts.GroupID,
		newReader:  opts.NewReader,
		checkTopic: opts.CheckTopic,
		policy:     opts.Backoff,
		logger:     opts.Logger.With(slog.String("component", "ingest")),
	}, nil
}

// Start verifies every topic, opens the readers and begins consuming. Any failure before
// consumption starts is returned wrapped in ErrSourceConnection and leaves nothing running.
func (a *Adapter) Start(ctx context.Context) error {
	if a.checkTopic != nil {
		for _, topic := range a.topics {
			topic := topic
			err := backoffx.Retry(ctx, a.policy, func(ctx context.Context) error {
				return a.checkTopic(ctx, topic)
			}, func(err error, wait time.Duration) {
				a.logger.Warn(ctx, "kafka_connect_retry", "source broker not reachable, retrying",
					slog.String("topic", topic),
					slog.Duration("wait", wait),
					slog.String("error", err.Error()),
				)
				metricsx.IncKafkaError(topic)
			})
			if err != nil {
				return fmt.Errorf("%w: topic %s: %w", ErrSourceConnection, topic, err)
			}
		}
	}

	readers := make(map[string]MessageReader, len(a.topics))
	for _, topic := range a.topics {
		r, err := a.newReader(topic)
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			return fmt.Errorf("%w: reader for %s: %w", ErrSourceConnection, topic, err)
		}
		readers[topic] = r
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	for topic, r := range readers {
		a.active.Add(1)
		a.wg.Add(1)
		go func(topic string, r MessageReader) {
			defer a.wg.Done()
			defer a.active.Add(-1)
			a.consume(runCtx, topic, r)
		}(topic, r)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportLag(runCtx, readers)
	}()

	a.logger.Info(ctx, "kafka_subscribed", "subscribed to source topics",
		slog.Any("topics", a.topics),
		slog.String("group_prefix", a.groupID),
	)
	return nil
}

// Connected reports whether at least one topic subscription is running.
func (a *Adapter) Connected() bool {
	return a.active.Load() > 0
}

func (a *Adapter) Topics() []string {
	out := make([]string, len(a.topics))
	copy(out, a.topics)
	return out
}

// Close stops fetching, waits for in-flight messages and releases every reader.
func (a *Adapter) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) consume(ctx context.Context, topic string, r MessageReader) {
	logger := a.logger.With(slog.String("topic", topic))
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error(context.Background(), "kafka_reader_close_failed", "failed to close reader", logx.Err("INTERNAL_ERROR", err)...)
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			metricsx.IncKafkaError(topic)
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message", logx.Err("UNAVAILABLE", err)...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		if err := a.Handle(ctx, msg); err != nil {
			metricsx.IncKafkaError(topic)
			logger.Error(ctx, "kafka_message_dropped", "failed to handle message",
				append(logx.Err("INVALID_ARGUMENT", err),
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)...,
			)
		}

		// A dropped message is committed too: it will never become valid on redelivery.
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = r.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			metricsx.IncKafkaError(topic)
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
}

// Handle standardizes msg and inserts it into its topic's buffer. A failure only affects msg.
func (a *Adapter) Handle(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrMessageHandling, rec)
		}
	}()

	ev, err := Standardize(msg)
	if err != nil {
		return err
	}
	n := a.buffers.Insert(ev)
	metricsx.IncEventConsumed(ev.Topic)
	metricsx.SetBufferedEvents(ev.Topic, n)

	if a.logger.Enabled(ctx, slog.LevelDebug) {
		a.logger.Debug(ctx, "kafka_event_received", "received event",
			slog.String("topic", ev.Topic),
			slog.Int("partition", ev.Partition),
			slog.Int64("offset", ev.Offset),
			slog.Int("bytes", len(msg.Value)),
		)
	}
	return nil
}

// Standardize reduces a broker message to the fields the relay keeps.
func Standardize(msg kafka.Message) (events.StandardizedEvent, error) {
	if strings.TrimSpace(msg.Topic) == "" {
		return events.StandardizedEvent{}, fmt.Errorf("%w: message has no topic", ErrMessageHandling)
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	ev, err := events.New(msg.Topic, msg.Partition, msg.Offset, msg.Value, ts.UTC())
	if err != nil {
		return events.StandardizedEvent{}, fmt.Errorf("%w: %s/%d@%d: %w", ErrMessageHandling, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return ev, nil
}

func (a *Adapter) reportLag(ctx context.Context, readers map[string]MessageReader) {
	ticker := time.NewTicker(lagReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for topic, r := range readers {
				sr, ok := r.(statsReader)
				if !ok {
					continue
				}
				metricsx.SetKafkaLag(topic, mqx.GroupForTopic(a.groupID, topic), sr.Stats().Lag)
			}
		}
	}
}
