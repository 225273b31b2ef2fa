package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/observability"
	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

func fastRetry() apperrors.RetryConfig {
	return apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithStreamClient(srv.Client()),
		WithLogger(logging.Nop()),
		WithRetryConfig(fastRetry()),
	}, opts...)
	client, err := New(srv.URL, Credentials{SessionToken: "tok-123", UserID: "u1"}, opts...)
	require.NoError(t, err)
	return client
}

func TestCreateTaskSendsRequestAndCredentials(t *testing.T) {
	var got CreateRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"task_id":"t-1"}`))
	}))

	id, err := client.CreateTask(context.Background(), CreateRequest{
		Input:         "Say hi",
		TaskType:      task.TypeSession,
		ChatSessionID: "chat-9",
		ChatHistory:   []task.ChatTurn{{Role: "user", Content: "earlier"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
	assert.Equal(t, "Say hi", got.Input)
	assert.Equal(t, task.TypeSession, got.TaskType)
	assert.Equal(t, "chat-9", got.ChatSessionID)
	require.Len(t, got.ChatHistory, 1)
}

func TestCreateTaskAcceptsRunID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"run_id":"legacy-7"}`))
	}))
	id, err := client.CreateTask(context.Background(), CreateRequest{Input: "x", TaskType: task.TypeGlobal})
	require.NoError(t, err)
	assert.Equal(t, "legacy-7", id)
}

func TestCreateTaskIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := client.CreateTask(context.Background(), CreateRequest{Input: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetTaskNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such task", http.StatusNotFound)
	}))
	_, err := client.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.True(t, apperrors.IsPermanent(err))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Contains(t, statusErr.Body, "no such task")
}

func TestGetTaskRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/api/tasks/t-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"task_id":"t-1","status":"running","progress":40}`))
	}))
	rec, err := client.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, 40, rec.Progress)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks/t-1/cancel", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, client.CancelTask(context.Background(), "t-1"))
}

func TestOpenStream(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		if r.URL.Path != "/api/tasks/t-1/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: init\ndata: {}\n\n")
	}))

	body, err := client.OpenStream(context.Background(), "t-1")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "event: init\ndata: {}\n\n", string(data))

	_, err = client.OpenStream(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitApprovals(t *testing.T) {
	var single Decision
	var batch struct {
		Decisions []Decision `json:"decisions"`
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/approvals":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&single))
		case "/api/approvals/batch":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))

	ack, err := client.SubmitApproval(context.Background(), Decision{TaskID: "t-1", ApprovalID: "a1", Approved: true})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, "a1", single.ApprovalID)
	assert.True(t, single.Approved)

	ack, err = client.SubmitApprovals(context.Background(), []Decision{{ApprovalID: "a2"}, {ApprovalID: "a3", Approved: true}})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Len(t, batch.Decisions, 2)
}

func TestHistoryCachesTerminalTasks(t *testing.T) {
	var calls atomic.Int32
	var finished atomic.Bool
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		status := "running"
		if finished.Load() {
			finished.Store(true)
		}
		_ = json.NewEncoder(w).Encode(History{
			Status: status,
			Events: []RecordedEvent{{Type: "init", Data: json.RawMessage(`{}`)}},
		})
	}))

	h, err := client.History(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", h.TaskID)
	_, err = client.History(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "live histories are not cached")

	finished.Store(true)
	_, err = client.History(context.Background(), "t-1")
	require.NoError(t, err)
	_, err = client.History(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRecordsMetricsAndSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	reg := prometheus.NewRegistry()
	metrics := observability.MustNewMetrics(reg)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), WithMetrics(metrics))

	require.NoError(t, client.CancelTask(context.Background(), "t-1"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "taskapi.cancel_task", spans[0].Name())
	count, err := testutil.GatherAndCount(reg, "taskpilot_api_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.com", Credentials{})
	assert.Error(t, err)
}
