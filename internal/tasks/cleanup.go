package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/querydeck/internal/persistence"
)

// CleanupConnectionHistory is a one-shot, entity-scoped task that trims a
// single connection's query history. With KeepRows zero (the deleted-
// connection path) it removes the history entirely.
type CleanupConnectionHistory struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	KeepRows int
}

func (c *CleanupConnectionHistory) Execute(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	if !task.EntityScoped() {
		return task, fmt.Errorf("cleanup task requires a connection entity id")
	}
	trimmed, err := c.Store.TrimConnectionHistory(ctx, task.EntityID.String(), c.KeepRows)
	if err != nil {
		return task, err
	}
	if c.Logger != nil {
		c.Logger.Info("connection history cleaned",
			"connection_id", task.EntityID,
			"trimmed_rows", trimmed,
			"kept_rows", c.KeepRows,
		)
	}
	task.Status = persistence.TaskStatusCompleted
	return task, nil
}
