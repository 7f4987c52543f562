// Package memory is an in-process implementation of the repo contracts for
// the CLI and tests.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-deploy/internal/platform/lineageevent"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

type stageKey struct {
	runID string
	stage string
}

type Store struct {
	mu          sync.RWMutex
	runs        map[string]repo.Run
	stages      map[stageKey]repo.StageExecution
	definitions map[string][]repo.Definition
	approvals   map[stageKey]repo.ApprovalDecision
	lineage     []repo.LineageRecord
	now         func() time.Time
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:        make(map[string]repo.Run),
		stages:      make(map[stageKey]repo.StageExecution),
		definitions: make(map[string][]repo.Definition),
		approvals:   make(map[stageKey]repo.ApprovalDecision),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateRun(ctx context.Context, run repo.Run) error {
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return errors.New("run id is required")
	}
	if run.State == "" {
		return errors.New("run state is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return fmt.Errorf("run %s already exists", id)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[id] = cloneRun(run)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run repo.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if err := repo.CheckRunTransition(current.State, run.State); err != nil {
		return err
	}
	run.CreatedAt = current.CreatedAt
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (repo.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return repo.Run{}, repo.ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.Run, error) {
	s.mu.RLock()
	out := make([]repo.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Environment != "" && run.Environment != filter.Environment {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SaveStageExecution(ctx context.Context, exec repo.StageExecution) error {
	if strings.TrimSpace(exec.RunID) == "" || strings.TrimSpace(exec.Stage) == "" {
		return errors.New("run id and stage are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stageKey{runID: exec.RunID, stage: exec.Stage}
	if existing, ok := s.stages[key]; ok && exec.ID == "" {
		exec.ID = existing.ID
	}
	s.stages[key] = cloneStage(exec)
	return nil
}

func (s *Store) ListStageExecutions(ctx context.Context, runID string) ([]repo.StageExecution, error) {
	s.mu.RLock()
	out := make([]repo.StageExecution, 0)
	for key, exec := range s.stages {
		if key.runID == runID {
			out = append(out, cloneStage(exec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (s *Store) CurrentDefinition(ctx context.Context, environment string) (repo.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.definitions[environment]
	if len(versions) == 0 {
		return repo.Definition{}, repo.ErrNotFound
	}
	return cloneDefinition(versions[len(versions)-1]), nil
}

func (s *Store) SaveDefinition(ctx context.Context, def repo.Definition) (repo.Definition, bool, error) {
	if strings.TrimSpace(def.Environment) == "" {
		return repo.Definition{}, false, errors.New("environment is required")
	}
	if strings.TrimSpace(def.Fingerprint) == "" {
		return repo.Definition{}, false, errors.New("fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.definitions[def.Environment]
	if n := len(versions); n > 0 {
		current := versions[n-1]
		if current.Fingerprint == def.Fingerprint {
			return cloneDefinition(current), false, nil
		}
		def.Version = current.Version + 1
	} else {
		def.Version = 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	s.definitions[def.Environment] = append(versions, cloneDefinition(def))
	return cloneDefinition(def), true, nil
}

// Definitions returns every stored version for environment, oldest first.
func (s *Store) Definitions(environment string) []repo.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repo.Definition, 0, len(s.definitions[environment]))
	for _, def := range s.definitions[environment] {
		out = append(out, cloneDefinition(def))
	}
	return out
}

func (s *Store) SaveApproval(ctx context.Context, decision repo.ApprovalDecision) error {
	if strings.TrimSpace(decision.RunID) == "" || strings.TrimSpace(decision.Stage) == "" {
		return errors.New("run id and stage are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stageKey{runID: decision.RunID, stage: decision.Stage}
	if existing, ok := s.approvals[key]; ok && existing.State.Terminal() {
		return fmt.Errorf("approval %s/%s already %s", decision.RunID, decision.Stage, existing.State)
	}
	s.approvals[key] = decision
	return nil
}

func (s *Store) GetApproval(ctx context.Context, runID, stage string) (repo.ApprovalDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decision, ok := s.approvals[stageKey{runID: runID, stage: stage}]
	if !ok {
		return repo.ApprovalDecision{}, repo.ErrNotFound
	}
	return decision, nil
}

func (s *Store) RecordLineage(ctx context.Context, event lineageevent.Event) (int64, error) {
	event, _, integrity, err := lineageevent.Prepare(event)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.lineage) + 1)
	s.lineage = append(s.lineage, repo.LineageRecord{ID: id, Event: event, Integrity: integrity})
	return id, nil
}

func (s *Store) ListLineage(ctx context.Context, runID string) ([]repo.LineageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repo.LineageRecord, 0)
	for _, rec := range s.lineage {
		if rec.Event.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func cloneRun(run repo.Run) repo.Run {
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		run.FinishedAt = &t
	}
	return run
}

func cloneStage(exec repo.StageExecution) repo.StageExecution {
	exec.Outputs = append([]string(nil), exec.Outputs...)
	if exec.Exports != nil {
		exports := make(map[string]string, len(exec.Exports))
		for k, v := range exec.Exports {
			exports[k] = v
		}
		exec.Exports = exports
	}
	return exec
}

func cloneDefinition(def repo.Definition) repo.Definition {
	def.Raw = bytes.Clone(def.Raw)
	return def
}
