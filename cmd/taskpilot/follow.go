package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"taskpilot/internal/app/approval"
	"taskpilot/internal/app/controller"
	"taskpilot/internal/app/registry"
	"taskpilot/internal/domain/task"
)

type followOptions struct {
	timeout     time.Duration
	autoApprove bool
	interactive bool
	in          io.Reader
}

// follow renders rootID and its descendants from the store until the root
// task ends. Pending approvals are prompted for when interactive. An
// interrupt cancels the root task.
func follow(ctx context.Context, c *Container, out io.Writer, changes <-chan registry.Change, rootID string, opts followOptions) error {
	r := newRenderer(out)
	defer r.breakLine()

	var approver *approval.InteractiveApprover
	if opts.interactive || opts.autoApprove {
		in := opts.in
		if in == nil {
			in = os.Stdin
		}
		approver = approval.NewInteractiveApprover(c.Gateway, in, out, 5*time.Minute, opts.autoApprove, !noColor())
	}
	prompted := make(map[string]bool)

	var deadline <-chan time.Time
	if opts.timeout > 0 {
		timer := time.NewTimer(opts.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	family := map[string]bool{rootID: true}
	inFamily := func(t *task.Task) bool {
		if family[t.ID] {
			return true
		}
		if t.ParentTaskID != "" && family[t.ParentTaskID] {
			family[t.ID] = true
			return true
		}
		return false
	}

	handle := func(t *task.Task) (bool, error) {
		if t == nil || !inFamily(t) {
			return false, nil
		}
		r.Render(t)
		if t.Status == task.StatusWaitingApproval && approver != nil {
			for _, ap := range t.PendingApprovals {
				if prompted[ap.ID] {
					continue
				}
				prompted[ap.ID] = true
				r.breakLine()
				if _, err := approver.Resolve(ctx, t.ID, []task.Approval{ap}); err != nil {
					if errors.Is(err, approval.ErrQuit) {
						return true, cancelRoot(c, rootID, &ExitCodeError{Code: exitInterrupted, Err: errors.New("quit at approval prompt")})
					}
					return true, err
				}
			}
		}
		if t.ID == rootID && t.Status.IsTerminal() {
			return true, outcome(t)
		}
		return false, nil
	}

	// Watch drops changes for slow readers, so the end of the root task is
	// also observed through the controller.
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	finished := make(chan *task.Task, 1)
	go func() {
		if t, err := c.Controller.Wait(waitCtx, rootID); err == nil {
			finished <- t
		}
	}()

	if t, ok := c.Store.Get(rootID); ok {
		if done, err := handle(t); done {
			return err
		}
	}

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Reset {
				continue
			}
			if done, err := handle(change.Task); done {
				return err
			}
		case child := <-c.Children:
			family[child.TaskID] = true
		case t := <-finished:
			for _, other := range c.Store.List() {
				if other.ID != rootID && inFamily(other) {
					r.Render(other)
				}
			}
			r.Render(t)
			return outcome(t)
		case <-deadline:
			if t, ok := c.Store.Get(rootID); ok && t.Status.IsTerminal() {
				return outcome(t)
			}
			return &ExitCodeError{Code: exitInconclusive, Err: fmt.Errorf("task %s: %w", rootID, controller.ErrInconclusive)}
		case <-ctx.Done():
			return cancelRoot(c, rootID, &ExitCodeError{Code: exitInterrupted, Err: errors.New("interrupted")})
		}
	}
}

func cancelRoot(c *Container, rootID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Controller.Cancel(ctx, rootID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func outcome(t *task.Task) error {
	switch t.Status {
	case task.StatusFailed:
		return &ExitCodeError{Code: exitTaskFailed, Err: fmt.Errorf("task %s failed: %s", t.ID, t.Error)}
	case task.StatusCancelled:
		return &ExitCodeError{Code: exitTaskCancelled, Err: fmt.Errorf("task %s was cancelled", t.ID)}
	}
	return nil
}
