package devserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/taskapi"
)

// play runs the scenario picked from the task's input. Keywords in the input
// switch on extra behaviour:
//
//	todo      checklist events with progress
//	tool      a tool call and its output
//	approve   a tool call that waits for an approval decision
//	spawn     a child task announced with task_created
//	fail      an error event instead of done
func (s *Server) play(ctx context.Context, t *scriptedTask, input string) {
	lower := strings.ToLower(input)
	id := t.snapshot().TaskID
	step := func(eventType string, payload any) bool {
		if !s.pause(ctx) {
			return false
		}
		return t.emit(eventType, payload)
	}

	t.setStatus(task.StatusRunning)
	if !step(task.EventInit, map[string]any{}) {
		return
	}
	if !step(task.EventReasoningDelta, map[string]any{"content": "Thinking about: " + input}) {
		return
	}

	if strings.Contains(lower, "todo") {
		todos := []string{"read the request", "do the work"}
		for i, text := range todos {
			if !step(task.EventTodoAdded, map[string]any{"todo": map[string]any{"id": fmt.Sprintf("todo-%d", i+1), "text": text, "status": "pending"}}) {
				return
			}
		}
		for i := range todos {
			if !step(task.EventTodoStatus, map[string]any{"todoId": fmt.Sprintf("todo-%d", i+1), "status": "completed"}) {
				return
			}
		}
	}

	if strings.Contains(lower, "tool") {
		if !step(task.EventToolCall, map[string]any{"tool_name": "bash", "arguments": map[string]any{"cmd": "ls"}, "status": "running"}) {
			return
		}
		if !step(task.EventToolOutput, map[string]any{"tool_name": "bash", "result": "README.md\ngo.mod", "status": "completed"}) {
			return
		}
	}

	if strings.Contains(lower, "approve") {
		if !s.playApproval(ctx, t, id, step) {
			return
		}
	}

	if strings.Contains(lower, "spawn") {
		if !step(task.EventToolCall, map[string]any{"tool_name": "subagent", "arguments": map[string]any{"task": "helper for " + id}, "status": "running"}) {
			return
		}
		child := s.createTask(taskapi.CreateRequest{Input: "helper for " + id, TaskType: task.TypeChild}, id)
		if !step(task.EventTaskCreated, map[string]any{"task_id": child, "description": "helper for " + id}) {
			return
		}
		if !step(task.EventToolOutput, map[string]any{"tool_name": "subagent", "result": "started " + child, "status": "completed"}) {
			return
		}
	}

	if strings.Contains(lower, "fail") {
		step(task.EventError, map[string]any{"message": "scripted failure"})
		t.update(func(rec *taskapi.TaskRecord) { rec.Error = "scripted failure" })
		return
	}

	reply := "Echo: " + input
	for _, word := range strings.SplitAfter(reply, " ") {
		if !step(task.EventMessage, map[string]any{"delta": true, "content": word}) {
			return
		}
	}
	if !step(task.EventMessage, map[string]any{"content": reply}) {
		return
	}
	t.update(func(rec *taskapi.TaskRecord) {
		rec.FinalText = reply
		rec.Progress = 100
	})
	step(task.EventDone, map[string]any{"final_text": reply})
}

func (s *Server) playApproval(ctx context.Context, t *scriptedTask, taskID string, step func(string, any) bool) bool {
	approvalID := "approval-" + s.newID()
	args := map[string]any{"cmd": "rm -rf ./build"}
	if !step(task.EventToolCall, map[string]any{"tool_name": "bash", "arguments": args, "status": "pending", "requires_approval": true}) {
		return false
	}
	decision := t.openApproval(approvalID)
	if !step(task.EventInterruption, map[string]any{"approval": map[string]any{"id": approvalID, "tool_name": "bash", "arguments": args, "reason": "deletes files"}}) {
		return false
	}
	t.setStatus(task.StatusWaitingApproval)
	s.logger.Info("task %s waiting on approval %s", taskID, approvalID)

	var approved, ok bool
	select {
	case approved, ok = <-decision:
		if !ok {
			return false
		}
	case <-ctx.Done():
		return false
	}
	t.setStatus(task.StatusRunning)
	if !step(task.EventApprovalResolved, map[string]any{"approval_id": approvalID, "approved": approved}) {
		return false
	}
	if approved {
		return step(task.EventToolOutput, map[string]any{"tool_name": "bash", "result": "removed ./build", "status": "completed"})
	}
	return step(task.EventToolOutput, map[string]any{"tool_name": "bash", "result": "rejected by user", "status": "failed"})
}

// pause waits one step delay, reporting false once ctx ends.
func (s *Server) pause(ctx context.Context) bool {
	if s.cfg.StepDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
