package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const insertRunQuery = `INSERT INTO pipeline_runs (
			run_id,
			pipeline,
			environment,
			state,
			definition_fingerprint,
			trigger,
			actor,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

const selectRunQuery = `SELECT run_id, pipeline, environment, state, definition_fingerprint, trigger, actor,
			failed_stage, error_kind, error_message, created_at, finished_at
		 FROM pipeline_runs
		 WHERE run_id = $1`

const selectRunStateQuery = `SELECT state FROM pipeline_runs WHERE run_id = $1`

// updateRunQuery only applies when the row still holds the state the caller
// validated the transition from.
const updateRunQuery = `UPDATE pipeline_runs
		 SET state = $3,
			failed_stage = $4,
			error_kind = $5,
			error_message = $6,
			finished_at = $7
		 WHERE run_id = $1 AND state = $2`

const listRunsQuery = `SELECT run_id, pipeline, environment, state, definition_fingerprint, trigger, actor,
			failed_stage, error_kind, error_message, created_at, finished_at
		 FROM pipeline_runs
		 WHERE ($1 = '' OR environment = $1)
		   AND ($2 = '' OR state = $2)
		 ORDER BY created_at DESC, run_id ASC
		 LIMIT $3`

func (s *RunStore) CreateRun(ctx context.Context, run repo.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if run.State == "" {
		return fmt.Errorf("run state is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		id,
		strings.TrimSpace(run.Pipeline),
		strings.TrimSpace(run.Environment),
		string(run.State),
		nullIfEmpty(run.DefinitionFingerprint),
		nullIfEmpty(run.Trigger),
		nullIfEmpty(run.Actor),
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run repo.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return fmt.Errorf("run id is required")
	}

	var current string
	if err := s.db.QueryRowContext(ctx, selectRunStateQuery, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	if err := repo.CheckRunTransition(domain.RunState(current), run.State); err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		updateRunQuery,
		id,
		current,
		string(run.State),
		nullIfEmpty(run.FailedStage),
		nullIfEmpty(string(run.ErrorKind)),
		nullIfEmpty(run.ErrorMessage),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: run %s changed concurrently", repo.ErrInvalidTransition, id)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (repo.Run, error) {
	if s == nil || s.db == nil {
		return repo.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return repo.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(filter.Environment), string(filter.State), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]repo.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (repo.Run, error) {
	var (
		run          repo.Run
		state        string
		fingerprint  sql.NullString
		trigger      sql.NullString
		actor        sql.NullString
		failedStage  sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		finishedAt   sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Environment, &state, &fingerprint, &trigger, &actor,
		&failedStage, &errorKind, &errorMessage, &run.CreatedAt, &finishedAt); err != nil {
		return repo.Run{}, err
	}
	run.State = domain.RunState(state)
	run.DefinitionFingerprint = fingerprint.String
	run.Trigger = trigger.String
	run.Actor = actor.String
	run.FailedStage = failedStage.String
	run.ErrorKind = domain.ErrorKind(errorKind.String)
	run.ErrorMessage = errorMessage.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}
