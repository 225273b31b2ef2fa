package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/taskapi"
)

// scriptedTask is one task the dev server is playing back. Its event log only
// grows; stream handlers follow it through the changed channel, which is
// closed and replaced on every append.
type scriptedTask struct {
	mu        sync.Mutex
	record    taskapi.TaskRecord
	events    []taskapi.RecordedEvent
	changed   chan struct{}
	finished  bool
	approvals map[string]chan bool
	cancel    context.CancelFunc
}

func newScriptedTask(rec taskapi.TaskRecord, cancel context.CancelFunc) *scriptedTask {
	return &scriptedTask{
		record:    rec,
		changed:   make(chan struct{}),
		approvals: make(map[string]chan bool),
		cancel:    cancel,
	}
}

// emit appends an event and wakes followers. Events after the task finished
// are discarded.
func (t *scriptedTask) emit(eventType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.events = append(t.events, taskapi.RecordedEvent{Type: eventType, Data: data})
	t.record.UpdatedAt = time.Now()
	switch eventType {
	case task.EventDone:
		t.finishLocked(task.StatusDone)
	case task.EventError:
		t.finishLocked(task.StatusFailed)
	}
	t.notifyLocked()
	return true
}

func (t *scriptedTask) finishLocked(status task.Status) {
	t.finished = true
	t.record.Status = string(status)
	for id, ch := range t.approvals {
		close(ch)
		delete(t.approvals, id)
	}
}

func (t *scriptedTask) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *scriptedTask) setStatus(status task.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		t.record.Status = string(status)
	}
}

func (t *scriptedTask) update(fn func(rec *taskapi.TaskRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.record)
}

// since returns the events from index on, the channel closed at the next
// append, and whether the log is complete.
func (t *scriptedTask) since(index int) ([]taskapi.RecordedEvent, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []taskapi.RecordedEvent
	if index < len(t.events) {
		out = append(out, t.events[index:]...)
	}
	return out, t.changed, t.finished
}

func (t *scriptedTask) snapshot() taskapi.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

func (t *scriptedTask) history() taskapi.History {
	t.mu.Lock()
	defer t.mu.Unlock()
	return taskapi.History{
		TaskID: t.record.TaskID,
		Status: t.record.Status,
		Events: append([]taskapi.RecordedEvent(nil), t.events...),
	}
}

// openApproval registers a pending approval and returns the channel its
// decision arrives on. The channel is closed without a value if the task ends.
func (t *scriptedTask) openApproval(id string) <-chan bool {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.approvals[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *scriptedTask) hasApproval(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.approvals[id]
	return ok
}

func (t *scriptedTask) resolveApproval(id string, approved bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.approvals[id]
	if !ok {
		return false
	}
	delete(t.approvals, id)
	ch <- approved
	return true
}

// markCancelled ends the task with a cancelled task_status event. It reports
// false when the task had already finished.
func (t *scriptedTask) markCancelled() bool {
	data, _ := json.Marshal(map[string]string{"status": string(task.StatusCancelled)})
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.events = append(t.events, taskapi.RecordedEvent{Type: task.EventTaskStatus, Data: data})
	t.finishLocked(task.StatusCancelled)
	t.notifyLocked()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}
