// Package approval resolves pending tool approvals against the task service.
// It never touches the task registry: the approval_resolved event on the
// task's own stream is what removes an approval locally.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/infra/taskapi"
	"taskpilot/internal/shared/logging"
)

// ErrNotAccepted is returned when the server answered but refused a decision.
var ErrNotAccepted = errors.New("approval decision not accepted")

// Submitter is the slice of the task API the gateway needs.
type Submitter interface {
	SubmitApproval(ctx context.Context, decision taskapi.Decision) (taskapi.Ack, error)
	SubmitApprovals(ctx context.Context, decisions []taskapi.Decision) (taskapi.Ack, error)
}

// Choice is one decision in a batch.
type Choice struct {
	ApprovalID string
	Approved   bool
}

// Outcome is the server's answer to a decision.
type Outcome struct {
	TaskID     string
	ApprovalID string
	Approved   bool
	Accepted   bool
	Message    string
}

// Gateway submits approval decisions. It keeps no state between calls.
type Gateway struct {
	api    Submitter
	logger logging.Logger
}

// NewGateway returns a gateway backed by api.
func NewGateway(api Submitter, logger logging.Logger) *Gateway {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ApprovalGateway")
	}
	return &Gateway{api: api, logger: logger}
}

// Decide approves or rejects one pending approval.
func (g *Gateway) Decide(ctx context.Context, taskID, approvalID string, approved bool) (Outcome, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return Outcome{}, fmt.Errorf("decide: approval id is required")
	}
	out := Outcome{TaskID: taskID, ApprovalID: approvalID, Approved: approved}

	ack, err := g.api.SubmitApproval(ctx, taskapi.Decision{TaskID: taskID, ApprovalID: approvalID, Approved: approved})
	if err != nil {
		return out, fmt.Errorf("decide %s: %w", approvalID, err)
	}
	out.Accepted = ack.Success
	out.Message = ack.Message
	g.logger.Info("approval %s for task %s: approved=%t accepted=%t", approvalID, taskID, approved, ack.Success)
	if !ack.Success {
		return out, fmt.Errorf("decide %s: %w: %s", approvalID, ErrNotAccepted, ack.Message)
	}
	return out, nil
}

// DecideAll submits several decisions for one task in a single request. The
// server accepts or refuses the batch as a whole.
func (g *Gateway) DecideAll(ctx context.Context, taskID string, choices []Choice) ([]Outcome, error) {
	if len(choices) == 0 {
		return nil, nil
	}
	decisions := make([]taskapi.Decision, 0, len(choices))
	outcomes := make([]Outcome, 0, len(choices))
	for _, ch := range choices {
		id := strings.TrimSpace(ch.ApprovalID)
		if id == "" {
			return nil, fmt.Errorf("decide all: approval id is required")
		}
		decisions = append(decisions, taskapi.Decision{TaskID: taskID, ApprovalID: id, Approved: ch.Approved})
		outcomes = append(outcomes, Outcome{TaskID: taskID, ApprovalID: id, Approved: ch.Approved})
	}

	ack, err := g.api.SubmitApprovals(ctx, decisions)
	if err != nil {
		return outcomes, fmt.Errorf("decide all for %s: %w", taskID, err)
	}
	for i := range outcomes {
		outcomes[i].Accepted = ack.Success
		outcomes[i].Message = ack.Message
	}
	g.logger.Info("submitted %d approval decisions for task %s (accepted=%t)", len(decisions), taskID, ack.Success)
	if !ack.Success {
		return outcomes, fmt.Errorf("decide all for %s: %w: %s", taskID, ErrNotAccepted, ack.Message)
	}
	return outcomes, nil
}
