package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire names of the task stream events.
const (
	EventInit             = "init"
	EventReasoningDelta   = "reasoning_delta"
	EventToolCall         = "tool_call"
	EventToolOutput       = "tool_output"
	EventInterruption     = "interruption"
	EventMessage          = "message"
	EventTodoAdded        = "todo_added"
	EventTodoStatus       = "todo_status"
	EventTodoProgress     = "todo_progress"
	EventDone             = "done"
	EventError            = "error"
	EventTaskStatus       = "task_status"
	EventTaskCreated      = "task_created"
	EventApprovalResolved = "approval_resolved"
)

// ErrUnknownEvent is returned by Parse for event types it does not know.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is a decoded task stream event. The set of implementations is closed;
// Dispatch routes each one to the matching Handler method.
type Event interface {
	EventType() string
	dispatch(Handler)
}

// Handler receives every event kind. Adding an event type adds a method here,
// so every handler must be updated before the code compiles again.
type Handler interface {
	OnInit(InitEvent)
	OnReasoningDelta(ReasoningDeltaEvent)
	OnToolCall(ToolCallEvent)
	OnToolOutput(ToolOutputEvent)
	OnInterruption(InterruptionEvent)
	OnMessage(MessageEvent)
	OnTodoAdded(TodoAddedEvent)
	OnTodoStatus(TodoStatusEvent)
	OnTodoProgress(TodoProgressEvent)
	OnDone(DoneEvent)
	OnError(ErrorEvent)
	OnTaskStatus(TaskStatusEvent)
	OnTaskCreated(TaskCreatedEvent)
	OnApprovalResolved(ApprovalResolvedEvent)
}

// Dispatch invokes the handler method for ev.
func Dispatch(ev Event, h Handler) {
	if ev == nil || h == nil {
		return
	}
	ev.dispatch(h)
}

// IsFinal reports whether ev ends a task stream.
func IsFinal(ev Event) bool {
	switch e := ev.(type) {
	case DoneEvent, ErrorEvent:
		return true
	case TaskStatusEvent:
		return e.Status.IsTerminal()
	default:
		return false
	}
}

type InitEvent struct{}

type ReasoningDeltaEvent struct {
	Content string
}

type ToolCallEvent struct {
	ToolName         string
	Arguments        map[string]any
	Status           ToolStatus
	RequiresApproval bool
}

type ToolOutputEvent struct {
	ToolName string
	Result   string
	Status   ToolStatus
}

// InterruptionEvent pauses the task. Approval is nil when the server sent an
// interruption without an approval id.
type InterruptionEvent struct {
	Approval *Approval
}

// MessageEvent carries either an incremental delta or the final assistant text.
type MessageEvent struct {
	Delta   bool
	Content string
}

type TodoAddedEvent struct {
	Todo Todo
}

type TodoStatusEvent struct {
	TodoID string
	Status TodoStatus
}

type TodoProgressEvent struct {
	Progress int
}

// DoneEvent ends the task. FinalText is nil when the server sent none.
type DoneEvent struct {
	FinalText *string
}

type ErrorEvent struct {
	Message string
}

type TaskStatusEvent struct {
	Status Status
}

type TaskCreatedEvent struct {
	TaskID      string
	Description string
}

type ApprovalResolvedEvent struct {
	ApprovalID string
	Approved   *bool
}

func (InitEvent) EventType() string             { return EventInit }
func (ReasoningDeltaEvent) EventType() string   { return EventReasoningDelta }
func (ToolCallEvent) EventType() string         { return EventToolCall }
func (ToolOutputEvent) EventType() string       { return EventToolOutput }
func (InterruptionEvent) EventType() string     { return EventInterruption }
func (MessageEvent) EventType() string          { return EventMessage }
func (TodoAddedEvent) EventType() string        { return EventTodoAdded }
func (TodoStatusEvent) EventType() string       { return EventTodoStatus }
func (TodoProgressEvent) EventType() string     { return EventTodoProgress }
func (DoneEvent) EventType() string             { return EventDone }
func (ErrorEvent) EventType() string            { return EventError }
func (TaskStatusEvent) EventType() string       { return EventTaskStatus }
func (TaskCreatedEvent) EventType() string      { return EventTaskCreated }
func (ApprovalResolvedEvent) EventType() string { return EventApprovalResolved }

func (e InitEvent) dispatch(h Handler)             { h.OnInit(e) }
func (e ReasoningDeltaEvent) dispatch(h Handler)   { h.OnReasoningDelta(e) }
func (e ToolCallEvent) dispatch(h Handler)         { h.OnToolCall(e) }
func (e ToolOutputEvent) dispatch(h Handler)       { h.OnToolOutput(e) }
func (e InterruptionEvent) dispatch(h Handler)     { h.OnInterruption(e) }
func (e MessageEvent) dispatch(h Handler)          { h.OnMessage(e) }
func (e TodoAddedEvent) dispatch(h Handler)        { h.OnTodoAdded(e) }
func (e TodoStatusEvent) dispatch(h Handler)       { h.OnTodoStatus(e) }
func (e TodoProgressEvent) dispatch(h Handler)     { h.OnTodoProgress(e) }
func (e DoneEvent) dispatch(h Handler)             { h.OnDone(e) }
func (e ErrorEvent) dispatch(h Handler)            { h.OnError(e) }
func (e TaskStatusEvent) dispatch(h Handler)       { h.OnTaskStatus(e) }
func (e TaskCreatedEvent) dispatch(h Handler)      { h.OnTaskCreated(e) }
func (e ApprovalResolvedEvent) dispatch(h Handler) { h.OnApprovalResolved(e) }

// Wire payloads.

type toolCallPayload struct {
	ToolName         string          `json:"tool_name"`
	Arguments        json.RawMessage `json:"arguments"`
	Status           string          `json:"status"`
	RequiresApproval bool            `json:"requires_approval"`
}

type toolOutputPayload struct {
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result"`
	Status   string          `json:"status"`
}

type approvalPayload struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Reason    string          `json:"reason"`
}

type todoPayload struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type todoStatusPayload struct {
	TodoID    string `json:"todoId"`
	TodoIDAlt string `json:"todo_id"`
	Status    string `json:"status"`
}

type approvalResolvedPayload struct {
	ApprovalID string `json:"approval_id"`
	Approved   *bool  `json:"approved"`
}

// Parse decodes one stream frame into its typed event. Unknown types return an
// error wrapping ErrUnknownEvent.
func Parse(eventType string, data json.RawMessage) (Event, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	decode := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return nil
	}

	switch eventType {
	case EventInit:
		return InitEvent{}, nil

	case EventReasoningDelta:
		var p struct {
			Content string `json:"content"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return ReasoningDeltaEvent{Content: p.Content}, nil

	case EventToolCall:
		var p toolCallPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return ToolCallEvent{
			ToolName:         p.ToolName,
			Arguments:        DecodeArguments(p.Arguments),
			Status:           ParseToolStatus(p.Status),
			RequiresApproval: p.RequiresApproval,
		}, nil

	case EventToolOutput:
		var p toolOutputPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		status := ToolCompleted
		if p.Status != "" {
			status = ParseToolStatus(p.Status)
		}
		return ToolOutputEvent{ToolName: p.ToolName, Result: rawText(p.Result), Status: status}, nil

	case EventInterruption:
		var p struct {
			Approval *approvalPayload `json:"approval"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		var ev InterruptionEvent
		if p.Approval != nil && strings.TrimSpace(p.Approval.ID) != "" {
			ev.Approval = &Approval{
				ID:        p.Approval.ID,
				ToolName:  p.Approval.ToolName,
				Arguments: DecodeArguments(p.Approval.Arguments),
				Reason:    p.Approval.Reason,
			}
		}
		return ev, nil

	case EventMessage:
		var p struct {
			Delta   bool   `json:"delta"`
			Content string `json:"content"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return MessageEvent{Delta: p.Delta, Content: p.Content}, nil

	case EventTodoAdded:
		var p struct {
			Todo todoPayload `json:"todo"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		text := p.Todo.Text
		if text == "" {
			text = p.Todo.Content
		}
		status, ok := ParseTodoStatus(p.Todo.Status)
		if !ok {
			status = TodoIdle
		}
		return TodoAddedEvent{Todo: Todo{ID: p.Todo.ID, Text: text, Status: status}}, nil

	case EventTodoStatus:
		var p todoStatusPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		id := p.TodoID
		if id == "" {
			id = p.TodoIDAlt
		}
		status, ok := ParseTodoStatus(p.Status)
		if !ok {
			return nil, fmt.Errorf("decode %s payload: unknown todo status %q", eventType, p.Status)
		}
		return TodoStatusEvent{TodoID: id, Status: status}, nil

	case EventTodoProgress:
		var p struct {
			Progress float64 `json:"progress"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return TodoProgressEvent{Progress: clampPercent(p.Progress)}, nil

	case EventDone:
		var p struct {
			FinalText *string `json:"final_text"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		return DoneEvent{FinalText: p.FinalText}, nil

	case EventError:
		var p struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		msg := p.Message
		if msg == "" {
			msg = p.Error
		}
		if msg == "" {
			msg = "task failed"
		}
		return ErrorEvent{Message: msg}, nil

	case EventTaskStatus:
		var p struct {
			Status string `json:"status"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		status, ok := ParseStatus(p.Status)
		if !ok {
			return nil, fmt.Errorf("decode %s payload: unknown status %q", eventType, p.Status)
		}
		return TaskStatusEvent{Status: status}, nil

	case EventTaskCreated:
		var p struct {
			TaskID      string `json:"task_id"`
			Description string `json:"description"`
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.TaskID) == "" {
			return nil, fmt.Errorf("decode %s payload: missing task_id", eventType)
		}
		return TaskCreatedEvent{TaskID: p.TaskID, Description: p.Description}, nil

	case EventApprovalResolved:
		var p approvalResolvedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return ApprovalResolvedEvent{ApprovalID: p.ApprovalID, Approved: p.Approved}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
}

// rawText returns a JSON string's value, or the compact JSON text otherwise.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func clampPercent(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v + 0.5)
	}
}
