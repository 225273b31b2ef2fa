// Package controller creates tasks, follows their event streams and folds the
// events into the task registry. Child tasks announced mid-stream are queued
// on a worklist and subscribed by the same loop as top-level tasks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"taskpilot/internal/app/registry"
	"taskpilot/internal/app/stream"
	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/observability"
	"taskpilot/internal/infra/taskapi"
	"taskpilot/internal/shared/logging"
)

// ErrInconclusive is returned by Wait when the caller's deadline passes while
// the task is still live. The task itself is left untouched.
var ErrInconclusive = errors.New("task still running at deadline")

// ErrClosed is returned by operations on a closed Controller.
var ErrClosed = errors.New("controller closed")

// TaskAPI is the subset of the task service used by the controller.
type TaskAPI interface {
	CreateTask(ctx context.Context, req taskapi.CreateRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*taskapi.TaskRecord, error)
	CancelTask(ctx context.Context, taskID string) error
	History(ctx context.Context, taskID string) (*taskapi.History, error)
}

// Subscriber opens task event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, taskID string, h stream.Handler) (*stream.Subscription, error)
}

// ChildTask describes a task spawned by another task.
type ChildTask struct {
	ParentID    string
	TaskID      string
	Description string
}

// Notifier is told about child tasks as they are discovered. It is called
// from the parent's stream goroutine and must not block.
type Notifier interface {
	ChildTaskCreated(child ChildTask)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(child ChildTask)

// ChildTaskCreated implements Notifier.
func (f NotifierFunc) ChildTaskCreated(child ChildTask) { f(child) }

// CreateOptions describes a task to create.
type CreateOptions struct {
	Input         string
	Type          task.Type
	ChatSessionID string
	ChatHistory   []task.ChatTurn
}

// Controller orchestrates task creation, subscriptions and cancellation.
type Controller struct {
	api        TaskAPI
	subscriber Subscriber
	store      *registry.Store
	logger     logging.Logger
	metrics    *observability.Metrics
	meter      *observability.TaskMeter
	notifier   Notifier
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	buffers *textBuffers

	mu       sync.Mutex
	closed   bool
	queue    []string
	wake     chan struct{}
	tracked  map[string]bool
	subs     map[string]*stream.Subscription
	finished map[string]chan struct{}
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logging.OrNop(logger)
	}
}

// WithMetrics records task outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTaskMeter records task lifetimes and child discoveries on m.
func WithTaskMeter(m *observability.TaskMeter) Option {
	return func(c *Controller) {
		c.meter = m
	}
}

// WithNotifier registers a child task notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithIDGenerator overrides how local message ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New creates a Controller and starts its worklist loop. Close releases it.
func New(api TaskAPI, subscriber Subscriber, store *registry.Store, opts ...Option) *Controller {
	if store == nil {
		store = registry.NewStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		api:        api,
		subscriber: subscriber,
		store:      store,
		logger:     logging.NewComponentLogger("TaskController"),
		newID:      uuid.NewString,
		ctx:        ctx,
		cancel:     cancel,
		buffers:    newTextBuffers(),
		wake:       make(chan struct{}, 1),
		tracked:    make(map[string]bool),
		subs:       make(map[string]*stream.Subscription),
		finished:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Store returns the registry the controller writes to.
func (c *Controller) Store() *registry.Store {
	return c.store
}

// Create asks the server for a new task, seeds the registry with the user's
// input and an empty streaming assistant message, and queues its subscription.
func (c *Controller) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	input := strings.TrimSpace(opts.Input)
	if input == "" {
		return "", fmt.Errorf("create task: input is required")
	}
	taskType := opts.Type
	if taskType == "" {
		taskType = task.TypeSession
	}
	if !taskType.Valid() {
		return "", fmt.Errorf("create task: unknown task type %q", taskType)
	}

	taskID, err := c.api.CreateTask(ctx, taskapi.CreateRequest{
		Input:         input,
		TaskType:      taskType,
		ChatSessionID: opts.ChatSessionID,
		ChatHistory:   opts.ChatHistory,
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	c.store.Apply(registry.CreateTask{Task: task.Task{
		ID:            taskID,
		Type:          taskType,
		ChatSessionID: opts.ChatSessionID,
		Description:   input,
		Status:        task.StatusPending,
		Messages: []task.Message{
			{ID: c.newID(), Type: task.MessageUser, Content: opts.Input},
			{ID: c.newID(), Type: task.MessageAssistant, Streaming: true},
		},
	}})
	c.logger.Info("created task %s (%s)", taskID, taskType)
	c.enqueue(taskID)
	return taskID, nil
}

// Attach follows a task created elsewhere. Finished tasks are loaded from
// their recorded history instead of being subscribed.
func (c *Controller) Attach(ctx context.Context, taskID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	rec, err := c.api.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("attach %s: %w", taskID, err)
	}
	status, _ := task.ParseStatus(rec.Status)
	if status.IsTerminal() {
		_, err := c.Hydrate(ctx, taskID)
		return err
	}

	taskType := task.Type(rec.TaskType)
	if !taskType.Valid() {
		taskType = task.TypeSession
		if rec.ParentTaskID != "" {
			taskType = task.TypeChild
		}
	}
	c.store.Apply(registry.CreateTask{Task: task.Task{
		ID:           taskID,
		Type:         taskType,
		ParentTaskID: rec.ParentTaskID,
		Description:  rec.Description,
		Status:       task.StatusPending,
		CreatedAt:    rec.CreatedAt,
	}})
	c.enqueue(taskID)
	return nil
}

// Wait blocks until taskID reaches a terminal status and returns its final
// state. When ctx ends first it returns the current state with an error
// wrapping ErrInconclusive.
func (c *Controller) Wait(ctx context.Context, taskID string) (*task.Task, error) {
	if t, ok := c.store.Get(taskID); !ok {
		return nil, fmt.Errorf("wait %s: %w", taskID, taskapi.ErrTaskNotFound)
	} else if t.Status.IsTerminal() {
		return t, nil
	}
	done := c.finishedChan(taskID)
	// The task may have ended between the check and registering the waiter.
	if t, ok := c.store.Get(taskID); !ok || t.Status.IsTerminal() {
		c.releaseWaiters(taskID)
		if !ok {
			return nil, fmt.Errorf("wait %s: %w", taskID, taskapi.ErrTaskNotFound)
		}
		return t, nil
	}

	select {
	case <-done:
		t, ok := c.store.Get(taskID)
		if !ok {
			return nil, fmt.Errorf("wait %s: %w", taskID, taskapi.ErrTaskNotFound)
		}
		return t, nil
	case <-ctx.Done():
		t, _ := c.store.Get(taskID)
		return t, fmt.Errorf("wait %s: %w (%v)", taskID, ErrInconclusive, ctx.Err())
	}
}

// Active returns the ids of tasks with an open or queued subscription.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every subscription and stops the worklist loop.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*stream.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.Cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueue adds a subscription request to the worklist unless the task is
// already queued or subscribed.
func (c *Controller) enqueue(taskID string) {
	c.mu.Lock()
	if c.closed || c.tracked[taskID] {
		c.mu.Unlock()
		return
	}
	c.tracked[taskID] = true
	c.queue = append(c.queue, taskID)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) dequeue() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	id := c.queue[0]
	c.queue = c.queue[1:]
	return id, true
}

// unqueue removes a task from the worklist, reporting whether it was queued.
func (c *Controller) unqueue(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.queue {
		if id == taskID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			delete(c.tracked, taskID)
			return true
		}
	}
	return false
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			id, ok := c.dequeue()
			if !ok {
				break
			}
			c.start(id)
		}
	}
}

func (c *Controller) start(taskID string) {
	h := c.handlerFor(taskID)
	sub, err := c.subscriber.Subscribe(c.ctx, taskID, h)
	if err != nil {
		c.logger.Error("subscribe %s: %v", taskID, err)
		c.untrack(taskID, nil)
		h.OnTransportError(err)
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.subs[taskID] = sub
	c.mu.Unlock()

	// A cancel may have landed between dequeue and now.
	if t, ok := c.store.Get(taskID); closed || (ok && t.Status.IsTerminal()) {
		sub.Cancel()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-sub.Done()
		c.untrack(taskID, sub)
	}()
}

func (c *Controller) untrack(taskID string, sub *stream.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.subs[taskID]; ok && (sub == nil || current == sub) {
		delete(c.subs, taskID)
	}
	delete(c.tracked, taskID)
}

func (c *Controller) detach(taskID string) *stream.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[taskID]
	delete(c.subs, taskID)
	delete(c.tracked, taskID)
	return sub
}

func (c *Controller) finishedChan(taskID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.finished[taskID]
	if !ok {
		ch = make(chan struct{})
		c.finished[taskID] = ch
	}
	return ch
}

// releaseWaiters wakes everyone waiting on taskID and forgets the channel;
// later waiters read the terminal status from the store.
func (c *Controller) releaseWaiters(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.finished[taskID]; ok {
		close(ch)
		delete(c.finished, taskID)
	}
}

// markFinished releases waiters and per-task buffers once a task went terminal.
func (c *Controller) markFinished(taskID string, status task.Status) {
	c.buffers.drop(taskID)
	c.metrics.TaskFinished(string(status))
	if t, ok := c.store.Get(taskID); ok && !t.CreatedAt.IsZero() {
		c.meter.RecordFinished(c.ctx, string(status), t.UpdatedAt.Sub(t.CreatedAt))
	}
	c.releaseWaiters(taskID)
	c.logger.Info("task %s finished: %s", taskID, status)
}
