package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/domain/task"
)

func TestStartTaskOnlyLeavesPending(t *testing.T) {
	tasks := Reduce(nil, t0, CreateTask{Task: task.Task{ID: "t1"}}, StartTask{ID: "t1"})
	assert.Equal(t, task.StatusRunning, tasks["t1"].Status)

	tasks = Reduce(tasks, t0, AddApproval{ID: "t1", Approval: task.Approval{ID: "a"}})
	before := tasks["t1"]
	tasks = Reduce(tasks, t0, StartTask{ID: "t1"})
	assert.Same(t, before, tasks["t1"])
	assert.Equal(t, task.StatusWaitingApproval, tasks["t1"].Status)
}

func TestStreamMessageUpsertsOpenMessage(t *testing.T) {
	tasks := Reduce(seeded(), t0,
		StreamMessage{ID: "t1", Type: task.MessageAssistant, MessageID: "m1", Content: "H"},
		StreamMessage{ID: "t1", Type: task.MessageAssistant, MessageID: "m2", Content: "Hi"},
	)
	msgs := tasks["t1"].Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.True(t, msgs[0].Streaming)

	tasks = Reduce(tasks, t0,
		CloseMessage{ID: "t1", Type: task.MessageAssistant},
		StreamMessage{ID: "t1", Type: task.MessageAssistant, MessageID: "m3", Content: "again"},
	)
	msgs = tasks["t1"].Messages
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Streaming)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestCloseMessage(t *testing.T) {
	final := "Hello"
	tasks := Reduce(seeded(), t0, CloseMessage{ID: "t1", Type: task.MessageAssistant})
	assert.Empty(t, tasks["t1"].Messages, "nothing to close")

	tasks = Reduce(tasks, t0, CloseMessage{ID: "t1", Type: task.MessageAssistant, MessageID: "m1", Content: &final})
	require.Len(t, tasks["t1"].Messages, 1)
	assert.Equal(t, "Hello", tasks["t1"].Messages[0].Content)

	newer := "Hello there"
	tasks = Reduce(tasks, t0, CloseMessage{ID: "t1", Type: task.MessageAssistant, Content: &newer})
	require.Len(t, tasks["t1"].Messages, 1)
	assert.Equal(t, "Hello there", tasks["t1"].Messages[0].Content)

	before := tasks["t1"]
	tasks = Reduce(tasks, t0, CloseMessage{ID: "t1", Type: task.MessageAssistant})
	assert.Same(t, before, tasks["t1"])
}

func TestProgressHint(t *testing.T) {
	tasks := Reduce(seeded(), t0, ProgressHint{ID: "t1", Progress: 40})
	assert.Equal(t, 40, tasks["t1"].Progress)

	tasks = Reduce(tasks, t0, ProgressHint{ID: "t1", Progress: 20})
	assert.Equal(t, 40, tasks["t1"].Progress)

	tasks = Reduce(tasks, t0,
		AppendTodo{ID: "t1", Todo: task.Todo{ID: "a", Status: task.TodoIdle}},
		ProgressHint{ID: "t1", Progress: 90},
	)
	assert.Equal(t, 0, tasks["t1"].Progress, "todos own progress once present")
}

func TestReplaceTask(t *testing.T) {
	tasks := Reduce(seeded(), t0, ReplaceTask{Task: &task.Task{ID: "t1", Status: task.StatusDone, Description: "hydrated"}})
	assert.Equal(t, task.StatusDone, tasks["t1"].Status)
	assert.Equal(t, "hydrated", tasks["t1"].Description)
	assert.Len(t, tasks, 2)
}
