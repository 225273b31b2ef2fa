package taskapi

import (
	"encoding/json"
	"time"

	"taskpilot/internal/domain/task"
)

// CreateRequest is the body of POST /api/tasks.
type CreateRequest struct {
	Input         string          `json:"input"`
	TaskType      task.Type       `json:"task_type"`
	ChatSessionID string          `json:"chat_session_id,omitempty"`
	ChatHistory   []task.ChatTurn `json:"chat_history,omitempty"`
}

type createResponse struct {
	TaskID string `json:"task_id"`
	// Older servers answer with run_id.
	RunID string `json:"run_id"`
}

// TaskRecord is the server's snapshot of a task.
type TaskRecord struct {
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status"`
	TaskType     string    `json:"task_type,omitempty"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	Progress     int       `json:"progress,omitempty"`
	FinalText    string    `json:"final_text,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Decision resolves one pending approval.
type Decision struct {
	TaskID     string `json:"task_id,omitempty"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

// Ack is the server's answer to an approval submission.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RecordedEvent is one stream event as stored by the server.
type RecordedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// History is the recorded event log of a task.
type History struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Events []RecordedEvent `json:"events"`
}

// Terminal reports whether the recorded task had finished.
func (h *History) Terminal() bool {
	if h == nil {
		return false
	}
	status, ok := task.ParseStatus(h.Status)
	return ok && status.IsTerminal()
}
