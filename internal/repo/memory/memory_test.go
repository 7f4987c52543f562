package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
	"github.com/animus-labs/animus-deploy/internal/platform/lineageevent"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

func TestRunStateIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	run := repo.Run{ID: "r1", Environment: "prod", State: domain.RunStateRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	if err := s.CreateRun(ctx, run); err == nil {
		t.Fatalf("expected duplicate run error")
	}

	run.State = domain.RunStateFailed
	run.FailedStage = "Build"
	run.ErrorKind = domain.ErrorKindStageExecution
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun() err=%v", err)
	}
	run.State = domain.RunStateRunning
	if err := s.UpdateRun(ctx, run); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("UpdateRun() err=%v, want ErrInvalidTransition", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun() err=%v", err)
	}
	if got.State != domain.RunStateFailed || got.FailedStage != "Build" {
		t.Fatalf("run=%+v", got)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetRun(missing) err=%v", err)
	}
}

func TestListRunsFiltersAndLimits(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Unix(1700000000, 0).UTC()
	for i, env := range []string{"prod", "dev", "prod"} {
		run := repo.Run{ID: string(rune('a' + i)), Environment: env, State: domain.RunStateRunning, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() err=%v", err)
		}
	}
	runs, err := s.ListRuns(ctx, repo.RunFilter{Environment: "prod", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns() err=%v", err)
	}
	if len(runs) != 1 || runs[0].ID != "c" {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestStageExecutionsOrderedByOrdinal(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, exec := range []repo.StageExecution{
		{RunID: "r1", Stage: "Deploy", Ordinal: 3, Status: domain.StageStatusNotRun},
		{RunID: "r1", Stage: "Source", Ordinal: 1, Status: domain.StageStatusSucceeded},
		{RunID: "r1", Stage: "Build", Ordinal: 2, Status: domain.StageStatusRunning},
		{RunID: "r2", Stage: "Source", Ordinal: 1, Status: domain.StageStatusRunning},
	} {
		if err := s.SaveStageExecution(ctx, exec); err != nil {
			t.Fatalf("SaveStageExecution() err=%v", err)
		}
	}
	if err := s.SaveStageExecution(ctx, repo.StageExecution{RunID: "r1", Stage: "Build", Ordinal: 2, Status: domain.StageStatusFailed}); err != nil {
		t.Fatalf("SaveStageExecution() err=%v", err)
	}
	execs, err := s.ListStageExecutions(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStageExecutions() err=%v", err)
	}
	if len(execs) != 3 || execs[0].Stage != "Source" || execs[1].Status != domain.StageStatusFailed {
		t.Fatalf("execs=%+v", execs)
	}
}

func TestSaveDefinitionSkipsUnchangedFingerprint(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CurrentDefinition(ctx, "prod"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("CurrentDefinition() err=%v", err)
	}

	first, written, err := s.SaveDefinition(ctx, repo.Definition{Environment: "prod", Fingerprint: "aaa", Raw: []byte("{}")})
	if err != nil || !written || first.Version != 1 {
		t.Fatalf("first save: def=%+v written=%v err=%v", first, written, err)
	}
	same, written, err := s.SaveDefinition(ctx, repo.Definition{Environment: "prod", Fingerprint: "aaa", Raw: []byte("{}")})
	if err != nil || written || same.Version != 1 {
		t.Fatalf("unchanged save: def=%+v written=%v err=%v", same, written, err)
	}
	next, written, err := s.SaveDefinition(ctx, repo.Definition{Environment: "prod", Fingerprint: "bbb", Raw: []byte("{}")})
	if err != nil || !written || next.Version != 2 {
		t.Fatalf("changed save: def=%+v written=%v err=%v", next, written, err)
	}
	if got := len(s.Definitions("prod")); got != 2 {
		t.Fatalf("versions=%d, want 2", got)
	}
}

func TestApprovalRecorderPersistsDecision(t *testing.T) {
	ctx := context.Background()
	s := New()
	recorder := repo.NewApprovalRecorder(s)
	requested := time.Unix(1700000000, 0).UTC()
	gate := approval.Gate{RunID: "r1", Stage: "Approval", State: domain.ApprovalPending, RequestedAt: requested}
	if err := recorder.RecordRequest(ctx, gate); err != nil {
		t.Fatalf("RecordRequest() err=%v", err)
	}
	pending, err := s.GetApproval(ctx, "r1", "Approval")
	if err != nil {
		t.Fatalf("GetApproval() err=%v", err)
	}

	gate.State = domain.ApprovalApproved
	gate.Decision = &approval.Decision{State: domain.ApprovalApproved, Actor: "alice", Comment: "ship it", DecidedAt: requested.Add(time.Minute)}
	if err := recorder.RecordDecision(ctx, gate); err != nil {
		t.Fatalf("RecordDecision() err=%v", err)
	}
	decided, err := s.GetApproval(ctx, "r1", "Approval")
	if err != nil {
		t.Fatalf("GetApproval() err=%v", err)
	}
	if decided.ID != pending.ID || decided.Actor != "alice" || decided.DecidedAt == nil {
		t.Fatalf("decision=%+v", decided)
	}
	if err := recorder.RecordDecision(ctx, gate); err == nil {
		t.Fatalf("expected second decision to be rejected")
	}
}

func TestLineageIsScopedByRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.RecordLineage(ctx, lineageevent.Produced("r1", "Source", "SourceOutput@sha256:1", nil)); err != nil {
		t.Fatalf("RecordLineage() err=%v", err)
	}
	if _, err := s.RecordLineage(ctx, lineageevent.Consumed("r2", "Build", "SourceOutput@sha256:2", nil)); err != nil {
		t.Fatalf("RecordLineage() err=%v", err)
	}
	records, err := s.ListLineage(ctx, "r1")
	if err != nil {
		t.Fatalf("ListLineage() err=%v", err)
	}
	if len(records) != 1 || records[0].Event.Predicate != lineageevent.PredicateProduced || records[0].Integrity == "" {
		t.Fatalf("records=%+v", records)
	}
	if _, err := s.RecordLineage(ctx, lineageevent.Event{RunID: "r1"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
