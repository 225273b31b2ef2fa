package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"taskpilot/internal/domain/task"
)

// ErrQuit is returned when the user asks to stop at a prompt.
var ErrQuit = errors.New("user quit at approval prompt")

// Decider submits decisions; *Gateway satisfies it.
type Decider interface {
	Decide(ctx context.Context, taskID, approvalID string, approved bool) (Outcome, error)
}

// InteractiveApprover asks on a terminal whether each pending approval should
// go ahead and forwards the answer to a Decider. Unanswered prompts are
// rejected after the timeout.
type InteractiveApprover struct {
	decider      Decider
	in           io.Reader
	out          io.Writer
	timeout      time.Duration
	colorEnabled bool

	mu         sync.Mutex
	approveAll bool
	// expiredAt is when the last prompt timed out. Lines read between then
	// and the next prompt were meant for the expired one.
	expiredAt time.Time

	readOnce sync.Once
	lines    chan inputLine
	readErr  chan error
}

type inputLine struct {
	text   string
	readAt time.Time
}

// NewInteractiveApprover reads answers from in and writes prompts to out.
// autoApprove approves everything without asking.
func NewInteractiveApprover(decider Decider, in io.Reader, out io.Writer, timeout time.Duration, autoApprove, colorEnabled bool) *InteractiveApprover {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &InteractiveApprover{
		decider:      decider,
		in:           in,
		out:          out,
		timeout:      timeout,
		colorEnabled: colorEnabled,
		approveAll:   autoApprove,
		lines:        make(chan inputLine),
		readErr:      make(chan error, 1),
	}
}

// Resolve prompts for each approval in turn and submits the answers. It
// stops at the first submission error or when the user quits.
func (a *InteractiveApprover) Resolve(ctx context.Context, taskID string, pending []task.Approval) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(pending))
	for _, ap := range pending {
		decision, err := a.ask(ctx, ap)
		if err != nil {
			return outcomes, err
		}
		if decision.Action == ActionQuit {
			return outcomes, ErrQuit
		}
		out, err := a.decider.Decide(ctx, taskID, ap.ID, decision.Approved)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (a *InteractiveApprover) ask(ctx context.Context, ap task.Approval) (Decision, error) {
	a.mu.Lock()
	all := a.approveAll
	a.mu.Unlock()
	if all {
		return Decision{Approved: true, Action: ActionApprove}, nil
	}

	shown := time.Now()
	a.display(ap)
	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reprint := true
	for {
		if reprint {
			a.printChoices()
		}
		reprint = true
		select {
		case line := <-a.input():
			if a.stale(line, shown) {
				reprint = false
				continue
			}
			decision, ok := ParseDecision(line.text)
			if !ok {
				fmt.Fprintln(a.out, a.colorize("Invalid choice. Please enter y, a, n, or q.", color.FgRed))
				continue
			}
			if decision.ApproveAll {
				a.mu.Lock()
				a.approveAll = true
				a.mu.Unlock()
			}
			return decision, nil
		case err := <-a.readErr:
			return Decision{}, fmt.Errorf("read approval answer: %w", err)
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			a.mu.Lock()
			a.expiredAt = time.Now()
			a.mu.Unlock()
			fmt.Fprintln(a.out)
			fmt.Fprintln(a.out, a.colorize("Timeout - tool call rejected", color.FgRed))
			return Decision{Action: ActionReject}, nil
		}
	}
}

// stale reports whether line was typed after an earlier prompt timed out
// but before the current one was shown. Such an answer must not decide a
// different approval.
func (a *InteractiveApprover) stale(line inputLine, shown time.Time) bool {
	a.mu.Lock()
	expired := a.expiredAt
	a.mu.Unlock()
	if expired.IsZero() {
		return false
	}
	return !line.readAt.Before(expired) && line.readAt.Before(shown)
}

// input starts the reader goroutine on first use. All prompts share it.
func (a *InteractiveApprover) input() <-chan inputLine {
	a.readOnce.Do(func() {
		go func() {
			scanner := bufio.NewScanner(a.in)
			for scanner.Scan() {
				a.lines <- inputLine{text: scanner.Text(), readAt: time.Now()}
			}
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			a.readErr <- err
		}()
	})
	return a.lines
}

func (a *InteractiveApprover) display(ap task.Approval) {
	separator := strings.Repeat("=", 60)
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))
	fmt.Fprintln(a.out, a.colorize(fmt.Sprintf("Approval required: %s", ap.ToolName), color.FgYellow, color.Bold))
	if ap.Reason != "" {
		fmt.Fprintln(a.out, ap.Reason)
	}
	if len(ap.Arguments) > 0 {
		if raw, err := json.MarshalIndent(ap.Arguments, "", "  "); err == nil {
			fmt.Fprintln(a.out, a.colorize("Arguments:", color.FgCyan))
			fmt.Fprintln(a.out, string(raw))
		}
	}
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))
}

func (a *InteractiveApprover) printChoices() {
	fmt.Fprintln(a.out, "  [y] Yes, allow")
	fmt.Fprintln(a.out, "  [a] Allow all for this run")
	fmt.Fprintln(a.out, "  [n] No, reject")
	fmt.Fprintln(a.out, "  [q] Quit")
	fmt.Fprint(a.out, a.colorize("Choice: ", color.FgCyan))
}

func (a *InteractiveApprover) colorize(text string, attributes ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	return color.New(attributes...).Sprint(text)
}
