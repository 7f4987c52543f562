package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type StageExecutionStore struct {
	db DB
}

func NewStageExecutionStore(db DB) *StageExecutionStore {
	if db == nil {
		return nil
	}
	return &StageExecutionStore{db: db}
}

const upsertStageExecutionQuery = `INSERT INTO stage_executions (
			execution_id,
			run_id,
			stage,
			ordinal,
			kind,
			status,
			step,
			error_kind,
			error_message,
			outputs,
			exports,
			started_at,
			finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			step = EXCLUDED.step,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			outputs = EXCLUDED.outputs,
			exports = EXCLUDED.exports,
			started_at = COALESCE(stage_executions.started_at, EXCLUDED.started_at),
			finished_at = EXCLUDED.finished_at`

const listStageExecutionsByRunQuery = `SELECT execution_id, run_id, stage, ordinal, kind, status, step,
			error_kind, error_message, outputs, exports, started_at, finished_at
		 FROM stage_executions
		 WHERE run_id = $1
		 ORDER BY ordinal ASC, stage ASC`

func (s *StageExecutionStore) SaveStageExecution(ctx context.Context, exec repo.StageExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("stage execution store not initialized")
	}
	runID := strings.TrimSpace(exec.RunID)
	stage := strings.TrimSpace(exec.Stage)
	if runID == "" || stage == "" {
		return fmt.Errorf("run id and stage are required")
	}
	id := strings.TrimSpace(exec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	outputsJSON, err := encodeStrings(exec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	exportsJSON, err := encodeExports(exec.Exports)
	if err != nil {
		return fmt.Errorf("encode exports: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		upsertStageExecutionQuery,
		id,
		runID,
		stage,
		exec.Ordinal,
		string(exec.Kind),
		string(exec.Status),
		nullIfEmpty(exec.Step),
		nullIfEmpty(string(exec.ErrorKind)),
		nullIfEmpty(exec.ErrorMessage),
		outputsJSON,
		exportsJSON,
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert stage execution: %w", err)
	}
	return nil
}

func (s *StageExecutionStore) ListStageExecutions(ctx context.Context, runID string) ([]repo.StageExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage execution store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStageExecutionsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	defer rows.Close()

	out := make([]repo.StageExecution, 0)
	for rows.Next() {
		var (
			exec         repo.StageExecution
			kind         string
			status       string
			step         sql.NullString
			errorKind    sql.NullString
			errorMessage sql.NullString
			outputsJSON  []byte
			exportsJSON  []byte
			startedAt    sql.NullTime
			finishedAt   sql.NullTime
		)
		if err := rows.Scan(&exec.ID, &exec.RunID, &exec.Stage, &exec.Ordinal, &kind, &status, &step,
			&errorKind, &errorMessage, &outputsJSON, &exportsJSON, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan stage execution: %w", err)
		}
		exec.Kind = domain.StageKind(kind)
		exec.Status = domain.StageStatus(status)
		exec.Step = step.String
		exec.ErrorKind = domain.ErrorKind(errorKind.String)
		exec.ErrorMessage = errorMessage.String
		if exec.Outputs, err = decodeStrings(outputsJSON); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		if exec.Exports, err = decodeExports(exportsJSON); err != nil {
			return nil, fmt.Errorf("decode exports: %w", err)
		}
		exec.StartedAt = timePtr(startedAt)
		exec.FinishedAt = timePtr(finishedAt)
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage executions: %w", err)
	}
	return out, nil
}
