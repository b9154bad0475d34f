package bus

import "time"

// Scheduled-task lifecycle topics.
const (
	TopicTaskStarted     = "task.started"
	TopicTaskCompleted   = "task.completed"
	TopicTaskRetried     = "task.retried"
	TopicTaskRescheduled = "task.rescheduled"
)

// Query execution topics.
const (
	TopicQueryExecuted = "query.executed"
	TopicQueryFailed   = "query.failed"
)

// Catalog mutation topic.
const TopicCatalogChanged = "catalog.changed"

// TaskEvent is published on task.* topics.
type TaskEvent struct {
	Name         string    `json:"name"`
	EntityID     string    `json:"entity_id"`
	Status       string    `json:"status"`
	Retries      uint      `json:"retries"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// QueryEvent is published on query.* topics.
type QueryEvent struct {
	ConnectionID string `json:"connection_id"`
	Fingerprint  string `json:"fingerprint"`
	DurationMS   int64  `json:"duration_ms"`
	RowCount     int64  `json:"row_count"`
	Error        string `json:"error,omitempty"`
}

// CatalogEvent is published when the resource tree changes.
type CatalogEvent struct {
	ResourceID string `json:"resource_id"`
	Kind       string `json:"kind"`
	Action     string `json:"action"` // created, updated, deleted
}
