package controller

import (
	"context"
	"fmt"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/domain/task"
)

// Hydrate loads a finished task from its recorded history into the registry,
// replaying the events through the same reducers a live stream uses. Child
// tasks named in the history are hydrated from their own histories but not
// subscribed.
func (c *Controller) Hydrate(ctx context.Context, taskID string) (*task.Task, error) {
	if c.isTracked(taskID) {
		return nil, fmt.Errorf("hydrate %s: task is being streamed", taskID)
	}

	seed := task.Task{ID: taskID, Type: task.TypeSession, Status: task.StatusPending}
	if existing, ok := c.store.Get(taskID); ok {
		seed.Type = existing.Type
		seed.ParentTaskID = existing.ParentTaskID
		seed.ChatSessionID = existing.ChatSessionID
		seed.Description = existing.Description
		seed.CreatedAt = existing.CreatedAt
	}
	if err := c.hydrate(ctx, seed, map[string]bool{}); err != nil {
		return nil, err
	}
	got, _ := c.store.Get(taskID)
	return got, nil
}

func (c *Controller) isTracked(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked[taskID]
}

// hydrate replays one task's history and then recurses into the children it
// spawned. seen stops cycles in malformed histories.
func (c *Controller) hydrate(ctx context.Context, seed task.Task, seen map[string]bool) error {
	taskID := seed.ID
	seen[taskID] = true

	history, err := c.api.History(ctx, taskID)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", taskID, err)
	}

	scratch := registry.NewStore()
	scratch.Apply(registry.CreateTask{Task: seed})

	h := &taskHandler{c: c, taskID: taskID, store: scratch, buffers: newTextBuffers()}
	dropped := 0
	for _, recorded := range history.Events {
		ev, err := task.Parse(recorded.Type, recorded.Data)
		if err != nil {
			dropped++
			continue
		}
		task.Dispatch(ev, h)
	}
	if dropped > 0 {
		c.logger.Warn("hydrate %s: skipped %d unreadable events", taskID, dropped)
	}

	// The recorded status wins when the log ends without a terminal event.
	if status, ok := task.ParseStatus(history.Status); ok && status.IsTerminal() {
		updates := cancelUpdates(taskID)
		if status == task.StatusDone {
			updates = append([]registry.Update{registry.StartTask{ID: taskID}}, updates...)
		}
		h.finish(status, updates...)
	}

	replayed, _ := scratch.Get(taskID)
	c.store.Apply(registry.ReplaceTask{Task: replayed})

	for _, childID := range scratch.Children(taskID) {
		if seen[childID] || c.isTracked(childID) {
			continue
		}
		if _, exists := c.store.Get(childID); exists {
			continue
		}
		child, _ := scratch.Get(childID)
		if err := c.hydrate(ctx, *child, seen); err != nil {
			c.logger.Warn("hydrate child %s of %s: %v", childID, taskID, err)
			c.store.Apply(registry.ReplaceTask{Task: c.unreplayedChild(ctx, child, err)})
		}
	}
	return nil
}

// unreplayedChild fills in what is known about a child whose history could
// not be loaded. The server's status is used when it answers; otherwise the
// child is marked failed so it never shows up as still pending.
func (c *Controller) unreplayedChild(ctx context.Context, child *task.Task, cause error) *task.Task {
	if rec, err := c.api.GetTask(ctx, child.ID); err == nil {
		if status, ok := task.ParseStatus(rec.Status); ok {
			child.Status = status
			return child
		}
	}
	child.Status = task.StatusFailed
	child.Error = fmt.Sprintf("history unavailable: %v", cause)
	return child
}
