// Package stream runs one event-stream subscription per task and dispatches
// the decoded events, in order, to a typed handler.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/observability"
	"taskpilot/internal/infra/sse"
	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

// ErrStreamClosed reports a stream that ended before a done or error event.
var ErrStreamClosed = errors.New("event stream closed before task finished")

// Opener opens the raw event stream for a task.
type Opener interface {
	OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error)
}

// Handler receives a task's events. OnTransportError is called at most once,
// when the stream cannot be opened or breaks before the task finished; no
// events are dispatched after it.
type Handler interface {
	task.Handler
	OnTransportError(err error)
}

// Subscriber opens subscriptions against an Opener.
type Subscriber struct {
	opener       Opener
	logger       logging.Logger
	metrics      *observability.Metrics
	retry        apperrors.RetryConfig
	maxLineBytes int
}

// Option customises a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logging.OrNop(logger)
	}
}

// WithMetrics records stream activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// WithOpenRetries sets how many times a failed stream open is retried.
func WithOpenRetries(n int) Option {
	return func(s *Subscriber) {
		if n >= 0 {
			s.retry.MaxAttempts = n
		}
	}
}

// WithRetryConfig replaces the open retry policy.
func WithRetryConfig(cfg apperrors.RetryConfig) Option {
	return func(s *Subscriber) {
		s.retry = cfg
	}
}

// WithMaxLineBytes bounds a single line of the stream.
func WithMaxLineBytes(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(opener Opener, opts ...Option) *Subscriber {
	s := &Subscriber{
		opener:       opener,
		logger:       logging.NewComponentLogger("TaskStream"),
		retry:        apperrors.DefaultRetryConfig(),
		maxLineBytes: sse.DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is one running task stream.
type Subscription struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe starts streaming taskID into h. The stream is opened in the
// background; open failures reach h.OnTransportError.
func (s *Subscriber) Subscribe(ctx context.Context, taskID string, h Handler) (*Subscription, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("subscribe: task id is required")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: handler is required", taskID)
	}
	if s.opener == nil {
		return nil, fmt.Errorf("subscribe %s: no stream opener configured", taskID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		taskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx, sub, h)
	return sub, nil
}

func (s *Subscriber) run(ctx context.Context, sub *Subscription, h Handler) {
	defer close(sub.done)
	defer sub.cancel()
	logger := logging.ForTask(s.logger, sub.taskID)

	body, err := apperrors.RetryWithResult(ctx, s.retry, func(ctx context.Context) (io.ReadCloser, error) {
		return s.opener.OpenStream(ctx, sub.taskID)
	}, logger)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if apperrors.IsPermanent(err) {
			logger.Warn("open stream rejected: %v", err)
		} else {
			logger.Warn("open stream failed after retries: %v", err)
		}
		sub.fail(err)
		h.OnTransportError(err)
		return
	}
	stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		if stopClose() {
			_ = body.Close()
		}
	}()

	s.metrics.SubscriptionOpened()
	defer s.metrics.SubscriptionClosed()
	logger.Debug("stream open")

	decoder := sse.NewDecoder(body,
		sse.WithMaxLineBytes(s.maxLineBytes),
		sse.WithOnDrop(func(eventType, payload string, err error) {
			s.metrics.IncDropped()
			logger.Warn("dropped %s frame: %v (%s)", eventType, err, preview(payload))
		}),
	)

	for {
		frame, err := decoder.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			logger.Warn("stream ended: %v", err)
			sub.fail(err)
			h.OnTransportError(err)
			return
		}

		ev, err := task.Parse(frame.Type, frame.Data)
		if err != nil {
			if errors.Is(err, task.ErrUnknownEvent) {
				logger.Info("ignoring unknown event %q", frame.Type)
			} else {
				s.metrics.IncDropped()
				logger.Warn("%v", err)
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.metrics.IncEvent(ev.EventType())
		task.Dispatch(ev, h)
		if task.IsFinal(ev) {
			logger.Debug("stream finished with %s", ev.EventType())
			return
		}
	}
}

// TaskID returns the subscribed task id.
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Cancel stops dispatch and releases the stream. It is idempotent and safe
// after the stream finished on its own.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the subscription released its stream.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func preview(payload string) string {
	const limit = 80
	if len(payload) <= limit {
		return payload
	}
	return payload[:limit] + "..."
}
