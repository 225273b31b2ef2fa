package registry

import (
	"time"

	"taskpilot/internal/domain/task"
)

// StartTask moves a pending task to running. Any other status is kept.
type StartTask struct {
	ID string
}

func (u StartTask) TaskID() string { return u.ID }

func (u StartTask) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		if t.Status != task.StatusPending {
			return false
		}
		t.Status = task.StatusRunning
		return true
	})
}

// StreamMessage writes Content into the open (streaming) message of Type, or
// appends a new streaming message when none is open.
type StreamMessage struct {
	ID        string
	Type      task.MessageType
	MessageID string
	Content   string
}

func (u StreamMessage) TaskID() string { return u.ID }

func (u StreamMessage) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		if idx := t.LastMessage(u.Type); idx >= 0 && t.Messages[idx].Streaming {
			t.Messages[idx].Content = u.Content
			return true
		}
		t.Messages = append(t.Messages, task.Message{
			ID:        u.MessageID,
			Type:      u.Type,
			Content:   u.Content,
			Streaming: true,
			CreatedAt: now,
		})
		return true
	})
}

// CloseMessage ends streaming on the last message of Type. A non-nil Content
// replaces the text, and is appended as a closed message when the task has
// no message of that type yet. Without Content, already closed messages are
// left alone.
type CloseMessage struct {
	ID        string
	Type      task.MessageType
	MessageID string
	Content   *string
}

func (u CloseMessage) TaskID() string { return u.ID }

func (u CloseMessage) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		idx := t.LastMessage(u.Type)
		if idx < 0 {
			if u.Content == nil {
				return false
			}
			t.Messages = append(t.Messages, task.Message{
				ID:        u.MessageID,
				Type:      u.Type,
				Content:   *u.Content,
				CreatedAt: now,
			})
			return true
		}
		msg := &t.Messages[idx]
		if !msg.Streaming && u.Content == nil {
			return false
		}
		msg.Streaming = false
		if u.Content != nil {
			msg.Content = *u.Content
		}
		return true
	})
}

// ProgressHint applies a server-reported progress value while the task has no
// todos of its own. Hints never lower progress.
type ProgressHint struct {
	ID       string
	Progress int
}

func (u ProgressHint) TaskID() string { return u.ID }

func (u ProgressHint) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		p := clampProgress(u.Progress)
		if len(t.Todos) > 0 || p <= t.Progress {
			return false
		}
		t.Progress = p
		return true
	})
}

// ReplaceTask stores Task wholesale, creating or overwriting the entry.
type ReplaceTask struct {
	Task *task.Task
}

func (u ReplaceTask) TaskID() string {
	if u.Task == nil {
		return ""
	}
	return u.Task.ID
}

func (u ReplaceTask) apply(tasks Tasks, now time.Time) Tasks {
	if u.Task == nil || u.Task.ID == "" {
		return tasks
	}
	entry := u.Task.Clone()
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	out := make(Tasks, len(tasks)+1)
	for k, v := range tasks {
		out[k] = v
	}
	out[entry.ID] = entry
	return out
}
