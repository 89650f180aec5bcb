package poller

import (
	"context"
	"log/slog"
	"time"

	"kafka-replicator/shared/logx"
)

// PointWriter stores one time-series point.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// InfluxReporter records every cycle as a replication_cycle point. Write failures are logged
// and never affect the cycle.
type InfluxReporter struct {
	Writer PointWriter
	Logger logx.Logger
}

func (r InfluxReporter) ReportCycle(ctx context.Context, stats CycleStats) {
	if r.Writer == nil {
		return
	}
	err := r.Writer.WritePoint(ctx, "replication_cycle",
		map[string]string{"result": stats.Result},
		map[string]any{
			"published":     stats.Published,
			"topics":        stats.Topics,
			"failed_topics": stats.FailedTopics,
			"duration_ms":   stats.Duration.Milliseconds(),
		},
		stats.Started,
	)
	if err != nil {
		r.Logger.Warn(ctx, "cycle_report_failed", "failed to write cycle stats",
			append(logx.Err("UNAVAILABLE", err), slog.String("cycle_id", stats.ID))...,
		)
	}
}
