// Package repo declares the persistence contracts of the orchestrator.
// internal/repo/postgres implements them over Postgres and
// internal/repo/memory in process.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/platform/lineageevent"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Run is the persisted record of one pipeline run. FailedStage, ErrorKind
// and ErrorMessage form the terminal record of a failed run.
type Run struct {
	ID                    string
	Pipeline              string
	Environment           string
	State                 domain.RunState
	DefinitionFingerprint string
	Trigger               string
	Actor                 string
	FailedStage           string
	ErrorKind             domain.ErrorKind
	ErrorMessage          string
	CreatedAt             time.Time
	FinishedAt            *time.Time
}

type RunFilter struct {
	Environment string
	State       domain.RunState
	Limit       int
}

// StageExecution is the status of one stage within one run.
type StageExecution struct {
	ID           string
	RunID        string
	Stage        string
	Ordinal      int
	Kind         domain.StageKind
	Status       domain.StageStatus
	Step         string
	ErrorKind    domain.ErrorKind
	ErrorMessage string
	Outputs      []string
	Exports      map[string]string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Definition is one stored version of an environment's pipeline definition.
type Definition struct {
	Environment string
	Pipeline    string
	Version     int64
	Fingerprint string
	Raw         []byte
	SourceRunID string
	CreatedAt   time.Time
}

// ApprovalDecision is the persisted state of one approval gate.
type ApprovalDecision struct {
	ID          string
	RunID       string
	Stage       string
	State       domain.ApprovalState
	Actor       string
	Comment     string
	TimedOut    bool
	RequestedAt time.Time
	Deadline    *time.Time
	DecidedAt   *time.Time
}

// LineageRecord is a stored lineage event.
type LineageRecord struct {
	ID        int64
	Event     lineageevent.Event
	Integrity string
}

// RunRepository manages runs. UpdateRun enforces forward-only state
// progression and fails with ErrInvalidTransition otherwise.
type RunRepository interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// StageExecutionRepository keeps one row per run and stage.
type StageExecutionRepository interface {
	SaveStageExecution(ctx context.Context, exec StageExecution) error
	ListStageExecutions(ctx context.Context, runID string) ([]StageExecution, error)
}

// DefinitionRepository versions pipeline definitions per environment.
// SaveDefinition stores def as the next version unless the current version
// already carries the same fingerprint; it reports whether a version was
// written.
type DefinitionRepository interface {
	CurrentDefinition(ctx context.Context, environment string) (Definition, error)
	SaveDefinition(ctx context.Context, def Definition) (Definition, bool, error)
}

type ApprovalRepository interface {
	SaveApproval(ctx context.Context, decision ApprovalDecision) error
	GetApproval(ctx context.Context, runID, stage string) (ApprovalDecision, error)
}

type LineageRepository interface {
	RecordLineage(ctx context.Context, event lineageevent.Event) (int64, error)
	ListLineage(ctx context.Context, runID string) ([]LineageRecord, error)
}

// Store bundles every repository the orchestrator needs.
type Store interface {
	RunRepository
	StageExecutionRepository
	DefinitionRepository
	ApprovalRepository
	LineageRepository
}

// CheckRunTransition validates a run state change.
func CheckRunTransition(current, next domain.RunState) error {
	if !domain.CanTransitionRunState(current, next) {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
