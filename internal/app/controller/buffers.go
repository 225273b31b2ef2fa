package controller

import (
	"strings"
	"sync"
)

// textBuffers accumulates streamed text per task id. Each task's buffers are
// only appended to by that task's own subscription.
type textBuffers struct {
	mu    sync.Mutex
	tasks map[string]*taskText
}

type taskText struct {
	answer    strings.Builder
	reasoning strings.Builder
}

func newTextBuffers() *textBuffers {
	return &textBuffers{tasks: make(map[string]*taskText)}
}

func (b *textBuffers) get(taskID string) *taskText {
	t, ok := b.tasks[taskID]
	if !ok {
		t = &taskText{}
		b.tasks[taskID] = t
	}
	return t
}

// appendAnswer appends delta and returns the accumulated answer.
func (b *textBuffers) appendAnswer(taskID, delta string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.get(taskID)
	t.answer.WriteString(delta)
	return t.answer.String()
}

// appendReasoning appends delta and returns the accumulated reasoning.
func (b *textBuffers) appendReasoning(taskID, delta string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.get(taskID)
	t.reasoning.WriteString(delta)
	return t.reasoning.String()
}

func (b *textBuffers) resetAnswer(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.answer.Reset()
	}
}

func (b *textBuffers) resetReasoning(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.reasoning.Reset()
	}
}

func (b *textBuffers) drop(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
}

func (b *textBuffers) has(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[taskID]
	return ok
}
