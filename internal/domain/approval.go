package domain

import "fmt"

// ApprovalState is the state of an approval gate.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

// Terminal reports whether the gate has been decided.
func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// TransitionApproval validates a gate transition. Only PENDING may move, and
// only to a decided state.
func TransitionApproval(current, next ApprovalState) error {
	if current != ApprovalPending {
		return fmt.Errorf("approval already %s", current)
	}
	if !next.Terminal() {
		return fmt.Errorf("invalid approval transition %s -> %s", current, next)
	}
	return nil
}
