// Package task defines the client-side model of a delegated agent task: its
// lifecycle, transcript, todo checklist and pending approvals, plus the typed
// events that drive it.
package task

import (
	"math"
	"strings"
	"time"
)

// Type identifies how a task was created.
type Type string

const (
	TypeSession Type = "session"
	TypeGlobal  Type = "global"
	TypeChild   Type = "task"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeSession, TypeGlobal, TypeChild:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus maps a server status string onto Status. Servers report
// completion as either "done" or "completed".
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued":
		return StatusPending, true
	case "running", "in_progress":
		return StatusRunning, true
	case "waiting_approval":
		return StatusWaitingApproval, true
	case "done", "completed":
		return StatusDone, true
	case "failed", "error":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	default:
		return "", false
	}
}

// MessageType classifies a transcript entry.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageToolCall  MessageType = "tool_call"
	MessageReasoning MessageType = "reasoning"
	MessageError     MessageType = "error"
)

// ToolStatus tracks a tool call from invocation to result.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ParseToolStatus normalises a tool status, defaulting to running.
func ParseToolStatus(raw string) ToolStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "success", "succeeded", "done":
		return ToolCompleted
	case "failed", "error":
		return ToolFailed
	default:
		return ToolRunning
	}
}

// Message is one entry of a task transcript.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Streaming bool        `json:"streaming"`
	CreatedAt time.Time   `json:"created_at"`

	// Tool call fields
	ToolName         string         `json:"tool_name,omitempty"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	Output           string         `json:"output,omitempty"`
	ToolStatus       ToolStatus     `json:"tool_status,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// TodoStatus is the state of one checklist step.
type TodoStatus string

const (
	TodoIdle      TodoStatus = "idle"
	TodoRunning   TodoStatus = "running"
	TodoCompleted TodoStatus = "completed"
	TodoFailed    TodoStatus = "failed"
	TodoSkipped   TodoStatus = "skipped"
)

// ParseTodoStatus maps server todo states, including the pending/in_progress/done
// spellings, onto TodoStatus.
func ParseTodoStatus(raw string) (TodoStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "pending", "":
		return TodoIdle, true
	case "running", "in_progress":
		return TodoRunning, true
	case "completed", "done":
		return TodoCompleted, true
	case "failed":
		return TodoFailed, true
	case "skipped":
		return TodoSkipped, true
	default:
		return "", false
	}
}

// Todo is a checklist step reported by the agent.
type Todo struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

// Approval is a pending request for human authorisation.
type Approval struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// ChatTurn is a prior conversation turn forwarded on task creation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is one unit of delegated agent work as seen by the client.
type Task struct {
	ID            string `json:"id"`
	Type          Type   `json:"task_type"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
	ChatSessionID string `json:"chat_session_id,omitempty"`
	Description   string `json:"description,omitempty"`

	Status           Status     `json:"status"`
	Messages         []Message  `json:"messages"`
	Todos            []Todo     `json:"todos"`
	PendingApprovals []Approval `json:"pending_approvals"`
	Progress         int        `json:"progress"`

	FinalText string `json:"final_text,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy whose slices can be modified without affecting t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Messages = append([]Message(nil), t.Messages...)
	cp.Todos = append([]Todo(nil), t.Todos...)
	cp.PendingApprovals = append([]Approval(nil), t.PendingApprovals...)
	return &cp
}

// IsChild reports whether the task was spawned by another task.
func (t *Task) IsChild() bool {
	return t != nil && t.ParentTaskID != ""
}

// LastMessage returns the index of the last message of the given type, or -1.
func (t *Task) LastMessage(kind MessageType) int {
	if t == nil {
		return -1
	}
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Type == kind {
			return i
		}
	}
	return -1
}

// Progress computes round(100*completed/total) over todos; 0 when empty.
// Only a fully completed list reports 100.
func Progress(todos []Todo) int {
	if len(todos) == 0 {
		return 0
	}
	completed := 0
	for _, todo := range todos {
		if todo.Status == TodoCompleted {
			completed++
		}
	}
	pct := int(math.Round(100 * float64(completed) / float64(len(todos))))
	if pct == 100 && completed < len(todos) {
		pct = 99
	}
	return pct
}
