package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/domain/task"
)

const cancelConcurrency = 8

// Cancel asks the server to stop taskID, closes its subscription and marks it
// cancelled locally without waiting for a confirming event. The local state
// changes even when the server call fails; that error is still returned.
// Children are not cancelled.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	apiErr := c.api.CancelTask(ctx, taskID)
	if apiErr != nil {
		c.logger.Warn("cancel %s: server call failed: %v", taskID, apiErr)
	}

	c.unqueue(taskID)
	if sub := c.detach(taskID); sub != nil {
		sub.Cancel()
	}

	status := task.StatusCancelled
	updates := append(cancelUpdates(taskID), registry.PatchTask{ID: taskID, Status: &status})
	if c.store.ApplyIfActive(taskID, updates...) {
		c.markFinished(taskID, status)
	}

	if apiErr != nil {
		return fmt.Errorf("cancel %s: %w", taskID, apiErr)
	}
	return nil
}

// CancelMany cancels several tasks concurrently and joins their errors.
func (c *Controller) CancelMany(ctx context.Context, taskIDs ...string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(cancelConcurrency)
	for _, id := range taskIDs {
		id := id
		g.Go(func() error {
			if err := c.Cancel(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
