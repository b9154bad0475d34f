package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all QueryDeck metrics instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksCompleted  metric.Int64Counter
	TaskRetries     metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	QueryErrors     metric.Int64Counter
	QueryRows       metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("querydeck.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("querydeck.task.duration",
		metric.WithDescription("Scheduled task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("querydeck.task.completed",
		metric.WithDescription("Scheduled tasks completed and removed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("querydeck.task.retries",
		metric.WithDescription("Scheduled task executions that failed and were rescheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryDuration, err = meter.Float64Histogram("querydeck.query.duration",
		metric.WithDescription("Query execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryErrors, err = meter.Int64Counter("querydeck.query.errors",
		metric.WithDescription("Query execution error count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryRows, err = meter.Int64Counter("querydeck.query.rows",
		metric.WithDescription("Total rows returned by executed queries"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("querydeck.session.active",
		metric.WithDescription("Number of currently valid gateway sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
