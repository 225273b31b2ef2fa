package controller

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/observability"
	"taskpilot/internal/infra/taskapi"
)

func TestSayHiScenario(t *testing.T) {
	h := newHarness(t)

	id, err := h.c.Create(context.Background(), CreateOptions{Input: "Say hi", Type: task.TypeSession})
	require.NoError(t, err)

	created := h.get(t, id)
	require.Len(t, created.Messages, 2)
	assert.Equal(t, task.MessageUser, created.Messages[0].Type)
	assert.Equal(t, "Say hi", created.Messages[0].Content)
	assert.True(t, created.Messages[1].Streaming)
	assert.Equal(t, task.StatusPending, created.Status)

	h.opener.waitOpened(t, id)
	h.opener.send(t, id, "init", `{}`)
	h.opener.send(t, id, "message", `{"delta":true,"content":"H"}`)
	h.opener.send(t, id, "message", `{"delta":true,"content":"i"}`)
	h.opener.send(t, id, "done", `{}`)

	final := h.wait(t, id)
	assert.Equal(t, task.StatusDone, final.Status)
	msg := assistant(t, final)
	assert.Equal(t, "Hi", msg.Content)
	assert.False(t, msg.Streaming)
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.Messages, 2)
	assert.False(t, h.c.buffers.has(id), "buffer discarded")
}

func TestStreamingThenFinalIdempotence(t *testing.T) {
	for n := 0; n <= 5; n++ {
		for _, viaDone := range []bool{false, true} {
			h := newHarness(t)
			hd := h.seed("t1")
			for i := 0; i < n; i++ {
				hd.OnMessage(task.MessageEvent{Delta: true, Content: "chunk "})
			}
			if viaDone {
				hd.OnDone(task.DoneEvent{FinalText: strPtr("final answer")})
			} else {
				hd.OnMessage(task.MessageEvent{Content: "final answer"})
			}

			got := h.get(t, "t1")
			msg := assistant(t, got)
			assert.Equal(t, "final answer", msg.Content, "n=%d viaDone=%v", n, viaDone)
			assert.False(t, msg.Streaming)
			assert.Equal(t, 1, countType(got, task.MessageAssistant))
		}
	}
}

func TestFinalTextMostRecentWins(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	hd.OnMessage(task.MessageEvent{Delta: true, Content: "draft"})
	hd.OnMessage(task.MessageEvent{Content: "from message"})
	hd.OnDone(task.DoneEvent{FinalText: strPtr("from done")})

	got := h.get(t, "t1")
	assert.Equal(t, "from done", assistant(t, got).Content)
	assert.Equal(t, "from done", got.FinalText)

	h2 := newHarness(t)
	hd2 := h2.seed("t2")
	hd2.OnMessage(task.MessageEvent{Content: "from message"})
	hd2.OnDone(task.DoneEvent{})
	assert.Equal(t, "from message", assistant(t, h2.get(t, "t2")).Content, "done without text keeps content")
}

func TestProgressFollowsTodos(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")

	hd.OnTodoProgress(task.TodoProgressEvent{Progress: 10})
	assert.Equal(t, 10, h.get(t, "t1").Progress, "hint applies without todos")

	for _, id := range []string{"a", "b", "c"} {
		hd.OnTodoAdded(task.TodoAddedEvent{Todo: task.Todo{ID: id, Text: id, Status: task.TodoIdle}})
	}
	assert.Equal(t, 0, h.get(t, "t1").Progress)

	hd.OnTodoStatus(task.TodoStatusEvent{TodoID: "a", Status: task.TodoCompleted})
	assert.Equal(t, 33, h.get(t, "t1").Progress)
	hd.OnTodoProgress(task.TodoProgressEvent{Progress: 90})
	assert.Equal(t, 33, h.get(t, "t1").Progress)

	hd.OnTodoStatus(task.TodoStatusEvent{TodoID: "missing", Status: task.TodoCompleted})
	assert.Equal(t, 33, h.get(t, "t1").Progress)

	hd.OnTodoStatus(task.TodoStatusEvent{TodoID: "b", Status: task.TodoCompleted})
	assert.Equal(t, 67, h.get(t, "t1").Progress)
	hd.OnTodoStatus(task.TodoStatusEvent{TodoID: "c", Status: task.TodoCompleted})
	assert.Equal(t, 100, h.get(t, "t1").Progress)
}

func TestToolOutputCorrelation(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	hd.OnReasoningDelta(task.ReasoningDeltaEvent{Content: "need to list"})
	hd.OnToolCall(task.ToolCallEvent{ToolName: "bash", Arguments: map[string]any{"cmd": "ls"}, Status: task.ToolRunning})
	hd.OnToolCall(task.ToolCallEvent{ToolName: "read", Status: task.ToolRunning})

	before := h.store.Snapshot()["t1"]
	hd.OnToolOutput(task.ToolOutputEvent{ToolName: "write", Result: "orphan", Status: task.ToolCompleted})
	assert.Same(t, before, h.store.Snapshot()["t1"], "orphan output changes nothing")

	hd.OnToolOutput(task.ToolOutputEvent{ToolName: "bash", Result: "a.txt", Status: task.ToolCompleted})
	got := h.get(t, "t1")
	var bash, read task.Message
	for _, m := range got.Messages {
		if m.Type == task.MessageToolCall && m.ToolName == "bash" {
			bash = m
		}
		if m.Type == task.MessageToolCall && m.ToolName == "read" {
			read = m
		}
	}
	assert.Equal(t, "a.txt", bash.Output)
	assert.Equal(t, task.ToolCompleted, bash.ToolStatus)
	assert.Empty(t, read.Output)
	assert.Equal(t, task.ToolRunning, read.ToolStatus)

	reasoning := got.Messages[got.LastMessage(task.MessageReasoning)]
	assert.False(t, reasoning.Streaming, "tool call closes reasoning")
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestApprovalScenario(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	hd.OnMessage(task.MessageEvent{Delta: true, Content: "working"})

	hd.OnInterruption(task.InterruptionEvent{Approval: &task.Approval{ID: "a1", ToolName: "bash"}})
	got := h.get(t, "t1")
	assert.Equal(t, task.StatusWaitingApproval, got.Status)
	require.Len(t, got.PendingApprovals, 1)
	assert.Equal(t, "a1", got.PendingApprovals[0].ID)

	hd.OnMessage(task.MessageEvent{Delta: true, Content: " more"})
	assert.Equal(t, task.StatusWaitingApproval, h.get(t, "t1").Status)

	hd.OnApprovalResolved(task.ApprovalResolvedEvent{ApprovalID: "a1"})
	got = h.get(t, "t1")
	assert.Empty(t, got.PendingApprovals)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestInterruptionWithoutApprovalIsIgnored(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	before := h.store.Snapshot()["t1"]
	hd.OnInterruption(task.InterruptionEvent{})
	assert.Same(t, before, h.store.Snapshot()["t1"])
}

func TestChildTaskScenario(t *testing.T) {
	h := newHarness(t)
	h.store.Apply(registry.CreateTask{Task: task.Task{ID: "p1", Status: task.StatusPending}})
	h.c.enqueue("p1")
	h.opener.waitOpened(t, "p1")

	h.opener.send(t, "p1", "init", `{}`)
	h.opener.send(t, "p1", "tool_call", `{"tool_name":"subagent","arguments":{"task":"sub-task"}}`)
	h.opener.send(t, "p1", "task_created", `{"task_id":"child1","description":"sub-task"}`)

	h.opener.waitOpened(t, "child1")
	child := h.get(t, "child1")
	assert.Equal(t, "p1", child.ParentTaskID)
	assert.Equal(t, task.TypeChild, child.Type)
	assert.Equal(t, "sub-task", child.Description)
	require.Eventually(t, func() bool { return len(h.notified()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []ChildTask{{ParentID: "p1", TaskID: "child1", Description: "sub-task"}}, h.notified())

	h.opener.send(t, "child1", "init", `{}`)
	h.opener.send(t, "child1", "message", `{"delta":true,"content":"child says hi"}`)
	h.opener.send(t, "child1", "done", `{}`)

	finished := h.wait(t, "child1")
	assert.Equal(t, task.StatusDone, finished.Status)
	assert.Equal(t, "child says hi", assistant(t, finished).Content)
	assert.Equal(t, task.StatusRunning, h.get(t, "p1").Status, "parent is unaffected")

	h.opener.send(t, "p1", "done", `{"final_text":"parent done"}`)
	assert.Equal(t, task.StatusDone, h.wait(t, "p1").Status)
}

func TestCancelMarksCancelledAndIgnoresLaterEvents(t *testing.T) {
	h := newHarness(t)
	id, err := h.c.Create(context.Background(), CreateOptions{Input: "long job"})
	require.NoError(t, err)
	h.opener.waitOpened(t, id)
	h.opener.send(t, id, "message", `{"delta":true,"content":"partial"}`)
	require.Eventually(t, func() bool { return h.get(t, id).Status == task.StatusRunning }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Cancel(context.Background(), id))
	got := h.get(t, id)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, []string{id}, h.api.cancelledIDs())
	assert.False(t, assistant(t, got).Streaming)
	assert.Equal(t, "partial", assistant(t, got).Content, "applied mutations stand")

	before := h.store.Snapshot()[id]
	late := h.c.handlerFor(id)
	late.OnMessage(task.MessageEvent{Delta: true, Content: "late"})
	late.OnDone(task.DoneEvent{FinalText: strPtr("late")})
	late.OnError(task.ErrorEvent{Message: "late"})
	late.OnTaskStatus(task.TaskStatusEvent{Status: task.StatusRunning})
	late.OnReasoningDelta(task.ReasoningDeltaEvent{Content: "late"})
	assert.Same(t, before, h.store.Snapshot()[id])
	assert.False(t, h.c.buffers.has(id), "late deltas leave no text buffer behind")

	assert.Equal(t, task.StatusCancelled, h.wait(t, id).Status)
	require.NoError(t, h.c.Cancel(context.Background(), id), "cancel is repeatable")
}

func TestCancelStillAppliesWhenServerFails(t *testing.T) {
	h := newHarness(t)
	h.api.cancelErr = errors.New("server unavailable")
	h.seed("t1")

	err := h.c.Cancel(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server unavailable")
	assert.Equal(t, task.StatusCancelled, h.get(t, "t1").Status)
}

func TestCancelDoesNotCascadeToChildren(t *testing.T) {
	h := newHarness(t)
	parent := h.seed("p1")
	parent.OnMessage(task.MessageEvent{Delta: true, Content: "x"})
	parent.OnTaskCreated(task.TaskCreatedEvent{TaskID: "c1", Description: "child"})
	h.opener.waitOpened(t, "c1")

	require.NoError(t, h.c.Cancel(context.Background(), "p1"))
	assert.Equal(t, task.StatusCancelled, h.get(t, "p1").Status)
	assert.Equal(t, task.StatusPending, h.get(t, "c1").Status)
	assert.Contains(t, h.c.Active(), "c1")
}

func TestCancelMany(t *testing.T) {
	h := newHarness(t)
	h.seed("a")
	h.seed("b")
	h.seed("c")

	require.NoError(t, h.c.CancelMany(context.Background(), "a", "b", "c"))
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, task.StatusCancelled, h.get(t, id).Status)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.api.cancelledIDs())
}

func TestErrorEventFailsTaskAndKeepsTranscript(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	hd.OnMessage(task.MessageEvent{Delta: true, Content: "halfway"})
	hd.OnInterruption(task.InterruptionEvent{Approval: &task.Approval{ID: "a1"}})
	hd.OnError(task.ErrorEvent{Message: "model crashed"})

	got := h.get(t, "t1")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "model crashed", got.Error)
	assert.Empty(t, got.PendingApprovals)
	assert.Equal(t, "halfway", assistant(t, got).Content)
	assert.False(t, assistant(t, got).Streaming)
	last := got.Messages[len(got.Messages)-1]
	assert.Equal(t, task.MessageError, last.Type)
	assert.Equal(t, "model crashed", last.Content)
}

func TestTransportErrorFailsOnlyThatTask(t *testing.T) {
	h := newHarness(t)
	a, err := h.c.Create(context.Background(), CreateOptions{Input: "a"})
	require.NoError(t, err)
	b, err := h.c.Create(context.Background(), CreateOptions{Input: "b"})
	require.NoError(t, err)
	h.opener.waitOpened(t, a)
	h.opener.waitOpened(t, b)

	h.opener.send(t, a, "message", `{"delta":true,"content":"A"}`)
	h.opener.hangUp(a)

	failed := h.wait(t, a)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "connection lost")

	h.opener.send(t, b, "message", `{"delta":true,"content":"B"}`)
	h.opener.send(t, b, "done", `{}`)
	assert.Equal(t, task.StatusDone, h.wait(t, b).Status)
}

func TestTerminalTaskStatusEndsTask(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	hd.OnTaskStatus(task.TaskStatusEvent{Status: task.StatusRunning})
	assert.Equal(t, task.StatusRunning, h.get(t, "t1").Status)
	hd.OnTaskStatus(task.TaskStatusEvent{Status: task.StatusCancelled})
	assert.Equal(t, task.StatusCancelled, h.get(t, "t1").Status)
}

func TestWaitIsInconclusiveAtDeadline(t *testing.T) {
	h := newHarness(t)
	h.seed("t1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := h.c.Wait(ctx, "t1")
	require.ErrorIs(t, err, ErrInconclusive)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusPending, got.Status, "a silent task is left alone")

	_, err = h.c.Wait(context.Background(), "unknown")
	assert.ErrorIs(t, err, taskapi.ErrTaskNotFound)
}

func (h *harness) waiterCount() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return len(h.c.finished)
}

func TestWaitForgetsFinishedTasks(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")

	result := make(chan *task.Task, 1)
	go func() {
		got, _ := h.c.Wait(context.Background(), "t1")
		result <- got
	}()
	require.Eventually(t, func() bool { return h.waiterCount() == 1 }, time.Second, 2*time.Millisecond)

	hd.OnDone(task.DoneEvent{FinalText: strPtr("ok")})
	select {
	case got := <-result:
		require.NotNil(t, got)
		assert.Equal(t, task.StatusDone, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
	assert.Zero(t, h.waiterCount())

	assert.Equal(t, task.StatusDone, h.wait(t, "t1").Status)
	_, err := h.c.Wait(context.Background(), "unknown")
	require.ErrorIs(t, err, taskapi.ErrTaskNotFound)
	assert.Zero(t, h.waiterCount(), "no channel is kept for finished or unknown tasks")
}

func TestDoneBeforeAnyOutputPassesThroughRunning(t *testing.T) {
	h := newHarness(t)
	hd := h.seed("t1")
	changes, stop := h.store.Watch(16)
	defer stop()

	hd.OnTaskStatus(task.TaskStatusEvent{Status: task.StatusDone})

	var seen []task.Status
	for len(changes) > 0 {
		change := <-changes
		if len(seen) == 0 || seen[len(seen)-1] != change.Task.Status {
			seen = append(seen, change.Task.Status)
		}
	}
	assert.Equal(t, []task.Status{task.StatusRunning, task.StatusDone}, seen)
}

func TestHydrateReplaysHistory(t *testing.T) {
	h := newHarness(t)
	h.api.histories["old"] = &taskapi.History{
		TaskID: "old",
		Status: "completed",
		Events: []taskapi.RecordedEvent{
			{Type: "init", Data: []byte(`{}`)},
			{Type: "todo_added", Data: []byte(`{"todo":{"id":"1","text":"look","status":"pending"}}`)},
			{Type: "tool_call", Data: []byte(`{"tool_name":"bash","arguments":"{\"cmd\":\"ls\"}"}`)},
			{Type: "tool_output", Data: []byte(`{"tool_name":"bash","result":"a.txt"}`)},
			{Type: "todo_status", Data: []byte(`{"todoId":"1","status":"done"}`)},
			{Type: "task_created", Data: []byte(`{"task_id":"kid","description":"helper"}`)},
			{Type: "task_created", Data: []byte(`{"task_id":"lost"}`)},
			{Type: "task_created", Data: []byte(`{"task_id":"gone"}`)},
			{Type: "bogus", Data: []byte(`{}`)},
			{Type: "message", Data: []byte(`{"content":"All done"}`)},
			{Type: "done", Data: []byte(`{}`)},
		},
	}

	h.api.histories["kid"] = &taskapi.History{
		TaskID: "kid",
		Status: "completed",
		Events: []taskapi.RecordedEvent{
			{Type: "message", Data: []byte(`{"delta":true,"content":"help"}`)},
			{Type: "message", Data: []byte(`{"delta":true,"content":"ed"}`)},
			{Type: "done", Data: []byte(`{"final_text":"helped"}`)},
		},
	}
	h.api.records["lost"] = &taskapi.TaskRecord{TaskID: "lost", Status: "cancelled"}

	got, err := h.c.Hydrate(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Equal(t, "All done", assistant(t, got).Content)
	assert.Equal(t, 100, got.Progress)
	require.Len(t, got.Todos, 1)
	assert.Equal(t, task.TodoCompleted, got.Todos[0].Status)
	assert.Equal(t, map[string]any{"cmd": "ls"}, got.Messages[got.LastMessage(task.MessageToolCall)].Arguments)

	kid := h.get(t, "kid")
	assert.Equal(t, "old", kid.ParentTaskID)
	assert.Equal(t, "helper", kid.Description)
	assert.Equal(t, task.StatusDone, kid.Status, "children are replayed from their own history")
	assert.Equal(t, "helped", assistant(t, kid).Content)
	assert.Equal(t, "helped", kid.FinalText)

	lost := h.get(t, "lost")
	assert.Equal(t, task.StatusCancelled, lost.Status, "server status stands in for a missing history")
	gone := h.get(t, "gone")
	assert.Equal(t, task.StatusFailed, gone.Status)
	assert.Contains(t, gone.Error, "history unavailable")
	assert.Empty(t, h.c.Active(), "history replay starts no subscriptions")
}

func TestHydrateAppliesRecordedTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.api.histories["x"] = &taskapi.History{Status: "cancelled", Events: []taskapi.RecordedEvent{
		{Type: "message", Data: []byte(`{"delta":true,"content":"par"}`)},
	}}
	got, err := h.c.Hydrate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.False(t, assistant(t, got).Streaming)
}

func TestAttach(t *testing.T) {
	h := newHarness(t)
	h.api.records["live"] = &taskapi.TaskRecord{TaskID: "live", Status: "running", TaskType: "global", Description: "remote"}
	h.api.records["old"] = &taskapi.TaskRecord{TaskID: "old", Status: "done"}
	h.api.histories["old"] = &taskapi.History{Status: "done", Events: []taskapi.RecordedEvent{{Type: "done", Data: []byte(`{"final_text":"ok"}`)}}}

	require.NoError(t, h.c.Attach(context.Background(), "live"))
	h.opener.waitOpened(t, "live")
	assert.Equal(t, task.TypeGlobal, h.get(t, "live").Type)

	require.NoError(t, h.c.Attach(context.Background(), "old"))
	assert.Equal(t, task.StatusDone, h.get(t, "old").Status)

	err := h.c.Attach(context.Background(), "ghost")
	assert.ErrorIs(t, err, taskapi.ErrTaskNotFound)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Create(context.Background(), CreateOptions{Input: "  "})
	assert.Error(t, err)
	_, err = h.c.Create(context.Background(), CreateOptions{Input: "x", Type: "weird"})
	assert.Error(t, err)

	require.NoError(t, h.c.Close())
	_, err = h.c.Create(context.Background(), CreateOptions{Input: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

// Random event sequences must only move a task along the allowed edges and
// never out of a terminal state. Every published change is checked, so a
// batch that passes through running is seen doing so.
func TestStateMachineHoldsForRandomSequences(t *testing.T) {
	allowed := map[task.Status][]task.Status{
		task.StatusPending:         {task.StatusRunning, task.StatusFailed, task.StatusCancelled},
		task.StatusRunning:         {task.StatusWaitingApproval, task.StatusDone, task.StatusFailed, task.StatusCancelled},
		task.StatusWaitingApproval: {task.StatusRunning, task.StatusDone, task.StatusFailed, task.StatusCancelled},
	}
	events := []func(hd *taskHandler){
		func(hd *taskHandler) { hd.OnInit(task.InitEvent{}) },
		func(hd *taskHandler) { hd.OnReasoningDelta(task.ReasoningDeltaEvent{Content: "r"}) },
		func(hd *taskHandler) { hd.OnMessage(task.MessageEvent{Delta: true, Content: "d"}) },
		func(hd *taskHandler) { hd.OnMessage(task.MessageEvent{Content: "final"}) },
		func(hd *taskHandler) { hd.OnToolCall(task.ToolCallEvent{ToolName: "bash", Status: task.ToolRunning}) },
		func(hd *taskHandler) { hd.OnToolOutput(task.ToolOutputEvent{ToolName: "bash", Status: task.ToolCompleted}) },
		func(hd *taskHandler) { hd.OnInterruption(task.InterruptionEvent{Approval: &task.Approval{ID: "a1"}}) },
		func(hd *taskHandler) { hd.OnInterruption(task.InterruptionEvent{Approval: &task.Approval{ID: "a2"}}) },
		func(hd *taskHandler) { hd.OnApprovalResolved(task.ApprovalResolvedEvent{ApprovalID: "a1"}) },
		func(hd *taskHandler) { hd.OnApprovalResolved(task.ApprovalResolvedEvent{ApprovalID: "a2"}) },
		func(hd *taskHandler) { hd.OnTodoAdded(task.TodoAddedEvent{Todo: task.Todo{ID: "x"}}) },
		func(hd *taskHandler) { hd.OnTodoStatus(task.TodoStatusEvent{TodoID: "x", Status: task.TodoCompleted}) },
		func(hd *taskHandler) { hd.OnTaskStatus(task.TaskStatusEvent{Status: task.StatusRunning}) },
		func(hd *taskHandler) { hd.OnDone(task.DoneEvent{}) },
		func(hd *taskHandler) { hd.OnError(task.ErrorEvent{Message: "e"}) },
	}

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		h := newHarness(t)
		hd := h.seed("t1")
		changes, stop := h.store.Watch(4096)
		prev := task.StatusPending
		for step := 0; step < 25; step++ {
			if rng.Intn(40) == 0 {
				_ = h.c.Cancel(context.Background(), "t1")
			} else {
				events[rng.Intn(len(events))](hd)
			}
		drain:
			for {
				select {
				case change := <-changes:
					if change.TaskID != "t1" || change.Task.Status == prev {
						continue
					}
					require.Contains(t, allowed[prev], change.Task.Status, "run %d step %d: %s -> %s", run, step, prev, change.Task.Status)
					prev = change.Task.Status
				default:
					break drain
				}
			}
			got := h.get(t, "t1")
			require.Equal(t, prev, got.Status, "run %d step %d", run, step)
			if !got.Status.IsTerminal() {
				require.Equal(t, len(got.PendingApprovals) > 0, got.Status == task.StatusWaitingApproval, "run %d step %d", run, step)
			} else {
				require.Empty(t, got.PendingApprovals)
			}
		}
		stop()
		_ = h.c.Close()
	}
}

func countType(tk *task.Task, kind task.MessageType) int {
	n := 0
	for _, m := range tk.Messages {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func TestTaskMeterRecordsLifetimeAndChildren(t *testing.T) {
	reg := prometheus.NewRegistry()
	meter, err := observability.NewTaskMeter(reg)
	require.NoError(t, err)
	h := newHarness(t)
	h.c.meter = meter

	hd := h.seed("p1")
	hd.OnInit(task.InitEvent{})
	hd.OnTaskCreated(task.TaskCreatedEvent{TaskID: "c1", Description: "sub-task"})
	hd.OnDone(task.DoneEvent{})

	families, err := reg.Gather()
	require.NoError(t, err)
	var durations, children uint64
	for _, f := range families {
		switch {
		case strings.HasPrefix(f.GetName(), "taskpilot_task_duration"):
			for _, m := range f.GetMetric() {
				durations += m.GetHistogram().GetSampleCount()
			}
		case strings.HasPrefix(f.GetName(), "taskpilot_task_children"):
			for _, m := range f.GetMetric() {
				children += uint64(m.GetCounter().GetValue())
			}
		}
	}
	assert.Equal(t, uint64(1), durations)
	assert.Equal(t, uint64(1), children)
}
