package controller

import (
	"fmt"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/domain/task"
)

// taskHandler folds one task's events into a store. Live handlers belong to a
// subscription; replay handlers rebuild a finished task from its history and
// never start subscriptions.
type taskHandler struct {
	c       *Controller
	taskID  string
	store   *registry.Store
	buffers *textBuffers
	live    bool
}

var _ interface {
	task.Handler
	OnTransportError(error)
} = (*taskHandler)(nil)

func (c *Controller) handlerFor(taskID string) *taskHandler {
	return &taskHandler{c: c, taskID: taskID, store: c.store, buffers: c.buffers, live: true}
}

// apply runs updates unless the task is gone or already terminal.
func (h *taskHandler) apply(updates ...registry.Update) bool {
	return h.store.ApplyIfActive(h.taskID, updates...)
}

// active reports whether the task can still take updates. Deltas check it
// before touching the text buffers, which are dropped once the task ends; a
// delta that loses a race with the end drops the buffer again.
func (h *taskHandler) active() bool {
	t, ok := h.store.Get(h.taskID)
	return ok && !t.Status.IsTerminal()
}

// finish applies the updates of a terminal transition and, when they took
// effect, releases the task's waiters.
func (h *taskHandler) finish(status task.Status, updates ...registry.Update) {
	updates = append(updates, registry.PatchTask{ID: h.taskID, Status: &status})
	if !h.apply(updates...) {
		return
	}
	if h.live {
		h.c.markFinished(h.taskID, status)
	} else {
		h.buffers.drop(h.taskID)
	}
}

func (h *taskHandler) closeReasoning() registry.Update {
	h.buffers.resetReasoning(h.taskID)
	return registry.CloseMessage{ID: h.taskID, Type: task.MessageReasoning}
}

func (h *taskHandler) OnInit(task.InitEvent) {
	h.c.logger.Debug("task %s: init", h.taskID)
}

func (h *taskHandler) OnReasoningDelta(e task.ReasoningDeltaEvent) {
	if !h.active() {
		return
	}
	text := h.buffers.appendReasoning(h.taskID, e.Content)
	if !h.apply(
		registry.StartTask{ID: h.taskID},
		registry.StreamMessage{ID: h.taskID, Type: task.MessageReasoning, MessageID: h.c.newID(), Content: text},
	) {
		h.buffers.drop(h.taskID)
	}
}

func (h *taskHandler) OnToolCall(e task.ToolCallEvent) {
	h.apply(
		registry.StartTask{ID: h.taskID},
		h.closeReasoning(),
		registry.AppendMessage{ID: h.taskID, Message: task.Message{
			ID:               h.c.newID(),
			Type:             task.MessageToolCall,
			ToolName:         e.ToolName,
			Arguments:        e.Arguments,
			ToolStatus:       e.Status,
			RequiresApproval: e.RequiresApproval,
		}},
	)
}

func (h *taskHandler) OnToolOutput(e task.ToolOutputEvent) {
	h.apply(registry.ResolveToolCall{ID: h.taskID, ToolName: e.ToolName, Output: e.Result, Status: e.Status})
}

func (h *taskHandler) OnInterruption(e task.InterruptionEvent) {
	if e.Approval == nil {
		h.c.logger.Warn("task %s: interruption without approval id ignored", h.taskID)
		return
	}
	h.apply(
		registry.StartTask{ID: h.taskID},
		registry.AddApproval{ID: h.taskID, Approval: *e.Approval},
	)
}

func (h *taskHandler) OnMessage(e task.MessageEvent) {
	if e.Delta {
		if !h.active() {
			return
		}
		text := h.buffers.appendAnswer(h.taskID, e.Content)
		if !h.apply(
			registry.StartTask{ID: h.taskID},
			h.closeReasoning(),
			registry.StreamMessage{ID: h.taskID, Type: task.MessageAssistant, MessageID: h.c.newID(), Content: text},
		) {
			h.buffers.drop(h.taskID)
		}
		return
	}
	final := e.Content
	h.buffers.resetAnswer(h.taskID)
	h.apply(
		registry.StartTask{ID: h.taskID},
		h.closeReasoning(),
		registry.CloseMessage{ID: h.taskID, Type: task.MessageAssistant, MessageID: h.c.newID(), Content: &final},
		registry.PatchTask{ID: h.taskID, FinalText: &final},
	)
}

func (h *taskHandler) OnTodoAdded(e task.TodoAddedEvent) {
	h.apply(registry.AppendTodo{ID: h.taskID, Todo: e.Todo})
}

func (h *taskHandler) OnTodoStatus(e task.TodoStatusEvent) {
	h.apply(registry.PatchTodoStatus{ID: h.taskID, TodoID: e.TodoID, Status: e.Status})
}

func (h *taskHandler) OnTodoProgress(e task.TodoProgressEvent) {
	h.apply(registry.ProgressHint{ID: h.taskID, Progress: e.Progress})
}

func (h *taskHandler) OnDone(e task.DoneEvent) {
	h.complete(e.FinalText)
}

// complete closes the assistant message. A final text replaces its content;
// without one the streamed content stands. A task that never started passes
// through running on its way to done.
func (h *taskHandler) complete(finalText *string) {
	full := 100
	updates := []registry.Update{
		registry.StartTask{ID: h.taskID},
		registry.ClearApprovals{ID: h.taskID},
		h.closeReasoning(),
		registry.CloseMessage{ID: h.taskID, Type: task.MessageAssistant, MessageID: h.c.newID(), Content: finalText},
		registry.PatchTask{ID: h.taskID, Progress: &full, FinalText: finalText},
	}
	h.buffers.resetAnswer(h.taskID)
	h.finish(task.StatusDone, updates...)
}

func (h *taskHandler) OnError(e task.ErrorEvent) {
	h.fail(e.Message)
}

func (h *taskHandler) fail(message string) {
	h.buffers.resetAnswer(h.taskID)
	h.finish(task.StatusFailed,
		registry.ClearApprovals{ID: h.taskID},
		h.closeReasoning(),
		registry.CloseMessage{ID: h.taskID, Type: task.MessageAssistant},
		registry.AppendMessage{ID: h.taskID, Message: task.Message{ID: h.c.newID(), Type: task.MessageError, Content: message}},
		registry.PatchTask{ID: h.taskID, Error: &message},
	)
}

func (h *taskHandler) OnTaskStatus(e task.TaskStatusEvent) {
	switch e.Status {
	case task.StatusRunning:
		h.apply(registry.StartTask{ID: h.taskID})
	case task.StatusDone:
		h.complete(nil)
	case task.StatusFailed:
		h.fail("task failed")
	case task.StatusCancelled:
		h.buffers.resetAnswer(h.taskID)
		h.finish(task.StatusCancelled, cancelUpdates(h.taskID)...)
	default:
		// pending and waiting_approval follow from the other events.
	}
}

func (h *taskHandler) OnTaskCreated(e task.TaskCreatedEvent) {
	if e.TaskID == h.taskID {
		return
	}
	if parent, ok := h.store.Get(h.taskID); !ok || parent.Status.IsTerminal() {
		return
	}
	h.store.Apply(registry.CreateTask{Task: task.Task{
		ID:           e.TaskID,
		Type:         task.TypeChild,
		ParentTaskID: h.taskID,
		Description:  e.Description,
		Status:       task.StatusPending,
	}})
	if !h.live {
		return
	}
	h.c.logger.Info("task %s spawned child %s", h.taskID, e.TaskID)
	h.c.meter.RecordChild(h.c.ctx)
	h.c.enqueue(e.TaskID)
	if h.c.notifier != nil {
		h.c.notifier.ChildTaskCreated(ChildTask{ParentID: h.taskID, TaskID: e.TaskID, Description: e.Description})
	}
}

func (h *taskHandler) OnApprovalResolved(e task.ApprovalResolvedEvent) {
	h.apply(registry.RemoveApproval{ID: h.taskID, ApprovalID: e.ApprovalID})
}

// OnTransportError fails only this task; other subscriptions are unaffected.
func (h *taskHandler) OnTransportError(err error) {
	h.fail(fmt.Sprintf("connection lost: %v", err))
}

func cancelUpdates(taskID string) []registry.Update {
	return []registry.Update{
		registry.ClearApprovals{ID: taskID},
		registry.CloseMessage{ID: taskID, Type: task.MessageReasoning},
		registry.CloseMessage{ID: taskID, Type: task.MessageAssistant},
	}
}
