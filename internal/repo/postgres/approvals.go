package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type ApprovalStore struct {
	db DB
}

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

// upsertApprovalQuery never overwrites a decided gate.
const upsertApprovalQuery = `INSERT INTO approval_decisions (
			approval_id,
			run_id,
			stage,
			state,
			actor,
			comment,
			timed_out,
			requested_at,
			deadline,
			decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			state = EXCLUDED.state,
			actor = EXCLUDED.actor,
			comment = EXCLUDED.comment,
			timed_out = EXCLUDED.timed_out,
			decided_at = EXCLUDED.decided_at
		WHERE approval_decisions.state = 'PENDING'`

const selectApprovalQuery = `SELECT approval_id, run_id, stage, state, actor, comment, timed_out, requested_at, deadline, decided_at
		 FROM approval_decisions
		 WHERE run_id = $1 AND stage = $2`

func (s *ApprovalStore) SaveApproval(ctx context.Context, decision repo.ApprovalDecision) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	runID := strings.TrimSpace(decision.RunID)
	stage := strings.TrimSpace(decision.Stage)
	if runID == "" || stage == "" {
		return fmt.Errorf("run id and stage are required")
	}
	if strings.TrimSpace(decision.ID) == "" {
		return fmt.Errorf("approval id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		upsertApprovalQuery,
		strings.TrimSpace(decision.ID),
		runID,
		stage,
		string(decision.State),
		nullIfEmpty(decision.Actor),
		nullIfEmpty(decision.Comment),
		decision.TimedOut,
		normalizeTime(decision.RequestedAt),
		nullTime(decision.Deadline),
		nullTime(decision.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approval %s/%s already decided", runID, stage)
	}
	return nil
}

func (s *ApprovalStore) GetApproval(ctx context.Context, runID, stage string) (repo.ApprovalDecision, error) {
	if s == nil || s.db == nil {
		return repo.ApprovalDecision{}, fmt.Errorf("approval store not initialized")
	}
	var (
		out       repo.ApprovalDecision
		state     string
		actor     sql.NullString
		comment   sql.NullString
		deadline  sql.NullTime
		decidedAt sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, selectApprovalQuery, strings.TrimSpace(runID), strings.TrimSpace(stage))
	if err := row.Scan(&out.ID, &out.RunID, &out.Stage, &state, &actor, &comment, &out.TimedOut, &out.RequestedAt, &deadline, &decidedAt); err != nil {
		return repo.ApprovalDecision{}, handleNotFound(err)
	}
	out.State = domain.ApprovalState(state)
	out.Actor = actor.String
	out.Comment = comment.String
	out.RequestedAt = out.RequestedAt.UTC()
	out.Deadline = timePtr(deadline)
	out.DecidedAt = timePtr(decidedAt)
	return out, nil
}
