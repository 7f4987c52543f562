package stages

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
)

// Gatekeeper blocks until a human decides the gate for runID and stage.
// *approval.Board implements it.
type Gatekeeper interface {
	Await(ctx context.Context, runID, stage string, timeout time.Duration) (approval.Decision, error)
}

// ApprovalExecutor suspends the run at a manual approval gate.
type ApprovalExecutor struct {
	Gates Gatekeeper
}

func (e *ApprovalExecutor) Execute(ctx context.Context, env Env) (Result, error) {
	if env.Stage.Approval == nil {
		return fail(env, "validate", errors.New("approval payload is missing"))
	}
	if e == nil || e.Gates == nil {
		return fail(env, "await", errors.New("approval board not configured"))
	}
	timeout := time.Duration(env.Stage.Approval.TimeoutSeconds) * time.Second
	decision, err := e.Gates.Await(ctx, env.RunID, env.Stage.Name, timeout)
	if err != nil {
		var rejected *domain.ApprovalRejectedError
		if errors.As(err, &rejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return fail(env, "await", err)
	}
	log := "approved"
	if decision.Actor != "" {
		log += " by " + decision.Actor
	}
	return Result{Log: []string{log}}, nil
}
