package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"taskpilot/internal/domain/task"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func noColor() bool {
	return color.NoColor
}

// renderer prints task snapshots incrementally: each call prints only what
// changed since the previous snapshot of the same task.
type renderer struct {
	out   io.Writer
	views map[string]*taskView
	// last task that wrote an unterminated line
	openLine string
}

type taskView struct {
	status  task.Status
	printed map[string]string
	tools   map[string]task.ToolStatus
	todos   map[string]task.TodoStatus
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, views: make(map[string]*taskView)}
}

func (r *renderer) view(id string) *taskView {
	v, ok := r.views[id]
	if !ok {
		v = &taskView{
			printed: make(map[string]string),
			tools:   make(map[string]task.ToolStatus),
			todos:   make(map[string]task.TodoStatus),
		}
		r.views[id] = v
	}
	return v
}

func (r *renderer) prefix(t *task.Task) string {
	if t.IsChild() {
		return gray("[" + t.ID + "] ")
	}
	return ""
}

func (r *renderer) line(t *task.Task, format string, args ...any) {
	r.breakLine()
	fmt.Fprint(r.out, r.prefix(t))
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) breakLine() {
	if r.openLine != "" {
		fmt.Fprintln(r.out)
		r.openLine = ""
	}
}

// Render prints the difference between t and the last snapshot seen for it.
func (r *renderer) Render(t *task.Task) {
	if t == nil {
		return
	}
	v := r.view(t.ID)
	if v.status == "" && t.IsChild() {
		r.line(t, "%s %s", cyan("↳ child task"), t.Description)
	}

	for _, m := range t.Messages {
		switch m.Type {
		case task.MessageUser:
			if _, seen := v.printed[m.ID]; !seen {
				v.printed[m.ID] = m.Content
				r.line(t, "%s %s", bold(">"), m.Content)
			}
		case task.MessageAssistant, task.MessageReasoning:
			r.stream(t, v, m)
		case task.MessageToolCall:
			r.tool(t, v, m)
		case task.MessageError:
			if _, seen := v.printed[m.ID]; !seen {
				v.printed[m.ID] = m.Content
				r.line(t, "%s", red("✗ "+m.Content))
			}
		}
	}

	for _, todo := range t.Todos {
		if prev, ok := v.todos[todo.ID]; ok && prev == todo.Status {
			continue
		}
		v.todos[todo.ID] = todo.Status
		mark := "○"
		switch todo.Status {
		case task.TodoRunning:
			mark = yellow("◐")
		case task.TodoCompleted:
			mark = green("●")
		case task.TodoFailed:
			mark = red("●")
		case task.TodoSkipped:
			mark = gray("-")
		}
		r.line(t, "  %s %s %s", mark, todo.Text, gray(fmt.Sprintf("(%d%%)", t.Progress)))
	}

	if t.Status != v.status {
		v.status = t.Status
		r.status(t)
	}
}

func (r *renderer) stream(t *task.Task, v *taskView, m task.Message) {
	prev, seen := v.printed[m.ID]
	if seen && prev == m.Content {
		return
	}
	if m.Content == "" {
		v.printed[m.ID] = ""
		return
	}
	paint := func(s string) string { return s }
	if m.Type == task.MessageReasoning {
		paint = func(s string) string { return gray(s) }
	}

	key := t.ID + "/" + m.ID
	switch {
	case seen && r.openLine == key && strings.HasPrefix(m.Content, prev):
		fmt.Fprint(r.out, paint(m.Content[len(prev):]))
	case seen && strings.HasPrefix(m.Content, prev) && prev != "":
		r.breakLine()
		fmt.Fprint(r.out, r.prefix(t)+paint(m.Content[len(prev):]))
	default:
		r.breakLine()
		label := blue("●")
		if m.Type == task.MessageReasoning {
			label = gray("thinking:")
		}
		fmt.Fprintf(r.out, "%s%s %s", r.prefix(t), label, paint(m.Content))
	}
	r.openLine = key
	v.printed[m.ID] = m.Content
}

func (r *renderer) tool(t *task.Task, v *taskView, m task.Message) {
	prev, seen := v.tools[m.ID]
	if !seen {
		args := ""
		if len(m.Arguments) > 0 {
			if raw, err := json.Marshal(m.Arguments); err == nil {
				args = string(raw)
			}
		}
		flag := ""
		if m.RequiresApproval {
			flag = yellow(" (needs approval)")
		}
		r.line(t, "%s %s %s%s", yellow("▸"), bold(m.ToolName), gray(args), flag)
	}
	v.tools[m.ID] = m.ToolStatus
	if m.Output == "" || (seen && prev == m.ToolStatus) {
		return
	}
	if _, done := v.printed[m.ID]; done {
		return
	}
	v.printed[m.ID] = m.Output
	paint := gray
	if m.ToolStatus == task.ToolFailed {
		paint = red
	}
	for i, l := range strings.Split(strings.TrimRight(m.Output, "\n"), "\n") {
		lead := "  ⎿ "
		if i > 0 {
			lead = "    "
		}
		r.line(t, "%s%s", lead, paint(l))
	}
}

func (r *renderer) status(t *task.Task) {
	switch t.Status {
	case task.StatusWaitingApproval:
		r.line(t, "%s", yellow("⏸ waiting for approval"))
		for _, ap := range t.PendingApprovals {
			r.line(t, "  %s %s %s", ap.ID, bold(ap.ToolName), gray(ap.Reason))
		}
	case task.StatusDone:
		r.line(t, "%s", green("✔ done"))
	case task.StatusFailed:
		msg := "failed"
		if t.Error != "" {
			msg += ": " + t.Error
		}
		r.line(t, "%s", red("✗ "+msg))
	case task.StatusCancelled:
		r.line(t, "%s", yellow("■ cancelled"))
	}
}

// printTranscript renders a finished task in one pass.
func printTranscript(out io.Writer, tasks ...*task.Task) {
	r := newRenderer(out)
	for _, t := range tasks {
		r.Render(t)
	}
	r.breakLine()
}
