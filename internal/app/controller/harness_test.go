package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/app/stream"
	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/taskapi"
	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

type fakeAPI struct {
	mu        sync.Mutex
	nextID    atomic.Int32
	created   []taskapi.CreateRequest
	cancelled []string
	cancelErr error
	records   map[string]*taskapi.TaskRecord
	histories map[string]*taskapi.History
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		records:   map[string]*taskapi.TaskRecord{},
		histories: map[string]*taskapi.History{},
	}
}

func (f *fakeAPI) CreateTask(_ context.Context, req taskapi.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return fmt.Sprintf("task-%d", f.nextID.Add(1)), nil
}

func (f *fakeAPI) GetTask(_ context.Context, taskID string) (*taskapi.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[taskID]
	if !ok {
		return nil, &taskapi.StatusError{Operation: "get_task", StatusCode: 404}
	}
	return rec, nil
}

func (f *fakeAPI) CancelTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelErr
}

func (f *fakeAPI) History(_ context.Context, taskID string) (*taskapi.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.histories[taskID]
	if !ok {
		return nil, &taskapi.StatusError{Operation: "history", StatusCode: 404}
	}
	return h, nil
}

func (f *fakeAPI) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// pipeOpener hands out one in-memory stream per task id; tests write frames
// into it with send.
type pipeOpener struct {
	mu      sync.Mutex
	readers map[string]*io.PipeReader
	writers map[string]*io.PipeWriter
	opened  map[string]bool
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{
		readers: map[string]*io.PipeReader{},
		writers: map[string]*io.PipeWriter{},
		opened:  map[string]bool{},
	}
}

func (p *pipeOpener) pipe(taskID string) (*io.PipeReader, *io.PipeWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.readers[taskID]; !ok {
		r, w := io.Pipe()
		p.readers[taskID] = r
		p.writers[taskID] = w
	}
	return p.readers[taskID], p.writers[taskID]
}

func (p *pipeOpener) OpenStream(_ context.Context, taskID string) (io.ReadCloser, error) {
	r, _ := p.pipe(taskID)
	p.mu.Lock()
	p.opened[taskID] = true
	p.mu.Unlock()
	return r, nil
}

func (p *pipeOpener) send(t *testing.T, taskID, eventType, data string) {
	t.Helper()
	_, w := p.pipe(taskID)
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	require.NoError(t, err)
}

func (p *pipeOpener) hangUp(taskID string) {
	_, w := p.pipe(taskID)
	_ = w.Close()
}

func (p *pipeOpener) waitOpened(t *testing.T, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.opened[taskID]
	}, 2*time.Second, 2*time.Millisecond, "stream for %s was never opened", taskID)
}

type harness struct {
	c      *Controller
	api    *fakeAPI
	opener *pipeOpener
	store  *registry.Store

	mu       sync.Mutex
	children []ChildTask
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI(), opener: newPipeOpener(), store: registry.NewStore()}
	subscriber := stream.NewSubscriber(h.opener,
		stream.WithLogger(logging.Nop()),
		stream.WithRetryConfig(apperrors.RetryConfig{MaxAttempts: 0}),
	)
	var seq atomic.Int64
	h.c = New(h.api, subscriber, h.store,
		WithLogger(logging.Nop()),
		WithIDGenerator(func() string { return fmt.Sprintf("m%d", seq.Add(1)) }),
		WithNotifier(NotifierFunc(func(child ChildTask) {
			h.mu.Lock()
			h.children = append(h.children, child)
			h.mu.Unlock()
		})),
	)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) notified() []ChildTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ChildTask(nil), h.children...)
}

func (h *harness) get(t *testing.T, taskID string) *task.Task {
	t.Helper()
	got, ok := h.store.Get(taskID)
	require.True(t, ok, "task %s missing", taskID)
	return got
}

func (h *harness) wait(t *testing.T, taskID string) *task.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := h.c.Wait(ctx, taskID)
	require.NoError(t, err)
	return got
}

// seed registers a running task whose events the test feeds directly to a
// handler, without any stream.
func (h *harness) seed(taskID string) *taskHandler {
	h.store.Apply(registry.CreateTask{Task: task.Task{
		ID:     taskID,
		Status: task.StatusPending,
		Messages: []task.Message{
			{ID: "u", Type: task.MessageUser, Content: "input"},
			{ID: "a", Type: task.MessageAssistant, Streaming: true},
		},
	}})
	return h.c.handlerFor(taskID)
}

func assistant(t *testing.T, tk *task.Task) task.Message {
	t.Helper()
	idx := tk.LastMessage(task.MessageAssistant)
	require.GreaterOrEqual(t, idx, 0, "no assistant message")
	return tk.Messages[idx]
}

func strPtr(s string) *string { return &s }
