package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all daemon metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TasksCreated     metric.Int64Counter
	TasksClaimed     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	ClaimConflicts   metric.Int64Counter
	SchedulesFired   metric.Int64Counter
	StaleClaimsSwept metric.Int64Counter
	WatchClients     metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
	PendingDepth     metric.Int64ObservableGauge
}

// NewMetrics creates all metric instruments from the given meter.
// pendingDepth is polled on collection to report current queue depth; nil
// skips the gauge.
func NewMetrics(meter metric.Meter, pendingDepth func(context.Context) (int64, error)) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentfs.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("agentfs.tasks.created",
		metric.WithDescription("Tasks created, by any path"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("agentfs.tasks.claimed",
		metric.WithDescription("Successful claims"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentfs.tasks.completed",
		metric.WithDescription("Tasks completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentfs.tasks.failed",
		metric.WithDescription("Tasks failed or swept as stale"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("agentfs.claims.conflicts",
		metric.WithDescription("Claims rejected because the task was not pending"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulesFired, err = meter.Int64Counter("agentfs.schedules.fired",
		metric.WithDescription("Recurring schedules fired"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleClaimsSwept, err = meter.Int64Counter("agentfs.claims.swept",
		metric.WithDescription("Stale in_progress claims swept back to blocked"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchClients, err = meter.Int64UpDownCounter("agentfs.watch.clients",
		metric.WithDescription("Connected websocket watchers"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("agentfs.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	if pendingDepth != nil {
		m.PendingDepth, err = meter.Int64ObservableGauge("agentfs.tasks.pending",
			metric.WithDescription("Tasks currently pending across all domains"),
			metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
				n, err := pendingDepth(ctx)
				if err != nil {
					return err
				}
				o.Observe(n)
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}
