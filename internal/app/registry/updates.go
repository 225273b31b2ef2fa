// Package registry holds the in-memory task map. Every change is expressed as
// an Update, a pure reducer that returns a new map in which only the touched
// task entry is replaced.
package registry

import (
	"time"

	"taskpilot/internal/domain/task"
)

// Tasks maps task ids to task entries. Entries reachable from a published map
// are never modified in place; reducers clone the one entry they change.
type Tasks map[string]*task.Task

// Update is a reducer applied to the task map.
type Update interface {
	// TaskID names the entry the update touches; "" for whole-map updates.
	TaskID() string
	apply(tasks Tasks, now time.Time) Tasks
}

// Reduce applies updates in order and returns the resulting map. The input
// map is never modified.
func Reduce(tasks Tasks, now time.Time, updates ...Update) Tasks {
	if tasks == nil {
		tasks = Tasks{}
	}
	for _, u := range updates {
		if u == nil {
			continue
		}
		tasks = u.apply(tasks, now)
	}
	return tasks
}

// modify clones the entry for id, hands it to fn and publishes a new map when
// fn reports a change. Absent ids are a no-op.
func modify(tasks Tasks, id string, now time.Time, fn func(t *task.Task) bool) Tasks {
	current, ok := tasks[id]
	if !ok || current == nil {
		return tasks
	}
	next := current.Clone()
	if !fn(next) {
		return tasks
	}
	next.UpdatedAt = now
	out := make(Tasks, len(tasks))
	for k, v := range tasks {
		out[k] = v
	}
	out[id] = next
	return out
}

// CreateTask inserts a new entry. An existing entry with the same id is kept.
type CreateTask struct {
	Task task.Task
}

func (u CreateTask) TaskID() string { return u.Task.ID }

func (u CreateTask) apply(tasks Tasks, now time.Time) Tasks {
	if u.Task.ID == "" {
		return tasks
	}
	if _, exists := tasks[u.Task.ID]; exists {
		return tasks
	}
	entry := (&u.Task).Clone()
	if entry.Status == "" {
		entry.Status = task.StatusPending
	}
	if entry.Type == "" {
		entry.Type = task.TypeSession
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Messages == nil {
		entry.Messages = []task.Message{}
	}
	if entry.Todos == nil {
		entry.Todos = []task.Todo{}
	}
	if entry.PendingApprovals == nil {
		entry.PendingApprovals = []task.Approval{}
	}

	out := make(Tasks, len(tasks)+1)
	for k, v := range tasks {
		out[k] = v
	}
	out[entry.ID] = entry
	return out
}

// PatchTask sets top-level fields. Nil fields are left untouched.
type PatchTask struct {
	ID          string
	Status      *task.Status
	Progress    *int
	Error       *string
	FinalText   *string
	Description *string
}

func (u PatchTask) TaskID() string { return u.ID }

func (u PatchTask) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		if u.Status != nil {
			t.Status = *u.Status
		}
		if u.Progress != nil {
			t.Progress = clampProgress(*u.Progress)
		}
		if u.Error != nil {
			t.Error = *u.Error
		}
		if u.FinalText != nil {
			t.FinalText = *u.FinalText
		}
		if u.Description != nil {
			t.Description = *u.Description
		}
		return true
	})
}

// AppendMessage adds a message to the end of the transcript.
type AppendMessage struct {
	ID      string
	Message task.Message
}

func (u AppendMessage) TaskID() string { return u.ID }

func (u AppendMessage) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		msg := u.Message
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		t.Messages = append(t.Messages, msg)
		return true
	})
}

// UpdateLastMessage rewrites the most recent message of Type. Tasks without
// such a message are left unchanged.
type UpdateLastMessage struct {
	ID     string
	Type   task.MessageType
	Mutate func(m *task.Message)
}

func (u UpdateLastMessage) TaskID() string { return u.ID }

func (u UpdateLastMessage) apply(tasks Tasks, now time.Time) Tasks {
	if u.Mutate == nil {
		return tasks
	}
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		idx := t.LastMessage(u.Type)
		if idx < 0 {
			return false
		}
		u.Mutate(&t.Messages[idx])
		return true
	})
}

// ResolveToolCall records a tool result on the most recent still-running
// tool_call message named ToolName, or failing that the most recent one with
// that name. Results without a matching call are dropped.
type ResolveToolCall struct {
	ID       string
	ToolName string
	Output   string
	Status   task.ToolStatus
}

func (u ResolveToolCall) TaskID() string { return u.ID }

func (u ResolveToolCall) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		idx := findToolCall(t.Messages, u.ToolName)
		if idx < 0 {
			return false
		}
		msg := &t.Messages[idx]
		msg.Output = u.Output
		msg.ToolStatus = u.Status
		msg.Streaming = false
		return true
	})
}

func findToolCall(messages []task.Message, name string) int {
	fallback := -1
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Type != task.MessageToolCall || m.ToolName != name {
			continue
		}
		if m.ToolStatus == task.ToolRunning {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// AppendTodo adds a todo and recomputes progress. A todo whose id is already
// present is replaced in place.
type AppendTodo struct {
	ID   string
	Todo task.Todo
}

func (u AppendTodo) TaskID() string { return u.ID }

func (u AppendTodo) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		replaced := false
		if u.Todo.ID != "" {
			for i := range t.Todos {
				if t.Todos[i].ID == u.Todo.ID {
					t.Todos[i] = u.Todo
					replaced = true
					break
				}
			}
		}
		if !replaced {
			t.Todos = append(t.Todos, u.Todo)
		}
		t.Progress = task.Progress(t.Todos)
		return true
	})
}

// PatchTodoStatus changes one todo's status and recomputes progress. Unknown
// todo ids are a no-op.
type PatchTodoStatus struct {
	ID     string
	TodoID string
	Status task.TodoStatus
}

func (u PatchTodoStatus) TaskID() string { return u.ID }

func (u PatchTodoStatus) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		for i := range t.Todos {
			if t.Todos[i].ID == u.TodoID {
				t.Todos[i].Status = u.Status
				t.Progress = task.Progress(t.Todos)
				return true
			}
		}
		return false
	})
}

// AddApproval records a pending approval and moves a non-terminal task to
// waiting_approval.
type AddApproval struct {
	ID       string
	Approval task.Approval
}

func (u AddApproval) TaskID() string { return u.ID }

func (u AddApproval) apply(tasks Tasks, now time.Time) Tasks {
	if u.Approval.ID == "" {
		return tasks
	}
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		exists := false
		for _, a := range t.PendingApprovals {
			if a.ID == u.Approval.ID {
				exists = true
				break
			}
		}
		if !exists {
			t.PendingApprovals = append(t.PendingApprovals, u.Approval)
		}
		if !t.Status.IsTerminal() {
			t.Status = task.StatusWaitingApproval
		}
		return true
	})
}

// RemoveApproval drops a pending approval. When none remain a task waiting
// for approval returns to running.
type RemoveApproval struct {
	ID         string
	ApprovalID string
}

func (u RemoveApproval) TaskID() string { return u.ID }

func (u RemoveApproval) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		kept := t.PendingApprovals[:0]
		removed := false
		for _, a := range t.PendingApprovals {
			if a.ID == u.ApprovalID {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return false
		}
		t.PendingApprovals = kept
		resumeIfUnblocked(t)
		return true
	})
}

// ClearApprovals empties the pending approvals.
type ClearApprovals struct {
	ID string
}

func (u ClearApprovals) TaskID() string { return u.ID }

func (u ClearApprovals) apply(tasks Tasks, now time.Time) Tasks {
	return modify(tasks, u.ID, now, func(t *task.Task) bool {
		if len(t.PendingApprovals) == 0 {
			return false
		}
		t.PendingApprovals = []task.Approval{}
		resumeIfUnblocked(t)
		return true
	})
}

// Reset clears every entry.
type Reset struct{}

func (Reset) TaskID() string { return "" }

func (Reset) apply(Tasks, time.Time) Tasks {
	return Tasks{}
}

func resumeIfUnblocked(t *task.Task) {
	if len(t.PendingApprovals) == 0 && t.Status == task.StatusWaitingApproval {
		t.Status = task.StatusRunning
	}
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
