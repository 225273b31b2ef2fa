package approval

import "strings"

// Action is what the user chose at an approval prompt.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionApproveAll Action = "approve_all"
	ActionReject     Action = "reject"
	ActionQuit       Action = "quit"
)

// Decision is a parsed prompt answer.
type Decision struct {
	Approved   bool
	Action     Action
	ApproveAll bool
}

// ParseDecision maps a typed answer to a decision. An empty answer approves.
func ParseDecision(input string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "y", "yes", "allow":
		return Decision{Approved: true, Action: ActionApprove}, true
	case "a", "all", "always":
		return Decision{Approved: true, Action: ActionApproveAll, ApproveAll: true}, true
	case "n", "no", "reject":
		return Decision{Action: ActionReject}, true
	case "q", "quit", "exit":
		return Decision{Action: ActionQuit}, true
	default:
		return Decision{}, false
	}
}
