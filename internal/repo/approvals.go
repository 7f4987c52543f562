package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
)

// ApprovalRecorder persists board activity into an ApprovalRepository.
type ApprovalRecorder struct {
	repo ApprovalRepository
}

func NewApprovalRecorder(r ApprovalRepository) *ApprovalRecorder {
	if r == nil {
		return nil
	}
	return &ApprovalRecorder{repo: r}
}

func (r *ApprovalRecorder) RecordRequest(ctx context.Context, gate approval.Gate) error {
	if r == nil || r.repo == nil {
		return errors.New("approval recorder not initialized")
	}
	return r.repo.SaveApproval(ctx, decisionFromGate(uuid.NewString(), gate))
}

func (r *ApprovalRecorder) RecordDecision(ctx context.Context, gate approval.Gate) error {
	if r == nil || r.repo == nil {
		return errors.New("approval recorder not initialized")
	}
	id := uuid.NewString()
	if existing, err := r.repo.GetApproval(ctx, gate.RunID, gate.Stage); err == nil {
		id = existing.ID
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.repo.SaveApproval(ctx, decisionFromGate(id, gate))
}

func decisionFromGate(id string, gate approval.Gate) ApprovalDecision {
	out := ApprovalDecision{
		ID:          id,
		RunID:       gate.RunID,
		Stage:       gate.Stage,
		State:       gate.State,
		RequestedAt: gate.RequestedAt,
	}
	if !gate.Deadline.IsZero() {
		deadline := gate.Deadline
		out.Deadline = &deadline
	}
	if gate.Decision != nil {
		out.Actor = gate.Decision.Actor
		out.Comment = gate.Decision.Comment
		out.TimedOut = gate.Decision.TimedOut
		decidedAt := gate.Decision.DecidedAt
		if decidedAt.IsZero() {
			decidedAt = time.Now().UTC()
		}
		out.DecidedAt = &decidedAt
	}
	return out
}
