package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
	"github.com/animus-labs/animus-deploy/internal/pipeline/runner"
	"github.com/animus-labs/animus-deploy/internal/platform/auth"
	"github.com/animus-labs/animus-deploy/internal/repo"
	"github.com/animus-labs/animus-deploy/internal/repo/memory"
)

// gatedRunner records a run that waits on its approval gate and finishes
// according to the decision.
type gatedRunner struct {
	store repo.Store
	board *approval.Board
	defs  runner.DefinitionStore
}

func (r *gatedRunner) Definitions() runner.DefinitionStore { return r.defs }

func (r *gatedRunner) Trigger(ctx context.Context, ev runner.TriggerEvent) (runner.RunResult, error) {
	if err := r.store.CreateRun(ctx, repo.Run{ID: ev.RunID, Environment: ev.Environment, State: domain.RunStateRunning, Actor: ev.Actor}); err != nil {
		return runner.RunResult{}, err
	}
	_ = r.store.SaveStageExecution(ctx, repo.StageExecution{
		RunID:  ev.RunID,
		Stage:  graph.StageApproval,
		Kind:   domain.StageKindApproval,
		Status: domain.StageStatusAwaitingApproval,
	})
	run := repo.Run{ID: ev.RunID, Environment: ev.Environment, Actor: ev.Actor, State: domain.RunStateSucceeded}
	_, err := r.board.Await(ctx, ev.RunID, graph.StageApproval, 0)
	if err != nil {
		run.State = domain.RunStateFailed
		run.FailedStage = graph.StageApproval
		run.ErrorKind = domain.KindOf(err)
	}
	_ = r.store.UpdateRun(context.WithoutCancel(ctx), run)
	return runner.RunResult{RunID: ev.RunID, State: run.State}, err
}

func newTestAPI(t *testing.T, roles ...string) (*api, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	board := approval.NewBoard(repo.NewApprovalRecorder(store), logger)
	ctx, cancel := context.WithCancel(context.Background())
	a := &api{
		logger:  logger,
		runner:  &gatedRunner{store: store, board: board, defs: runner.NewDefinitionStore(store)},
		board:   board,
		store:   store,
		baseCtx: ctx,
		newID:   func() string { return "run-1" },
	}
	mw := auth.Middleware{
		Logger: logger,
		Authenticator: auth.NewDevAuthenticator(auth.Config{
			DevSubject: "u1",
			DevEmail:   "dev@example.local",
			DevRoles:   roles,
		}),
		Authorize: auth.MethodRoleAuthorizer(),
	}
	srv := httptest.NewServer(a.handler(mw.Wrap))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		a.wait()
	})
	return a, srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func waitForGate(t *testing.T, board *approval.Board, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := board.Get(runID, graph.StageApproval); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gate for %s never opened", runID)
}

func TestProbesSkipAuth(t *testing.T) {
	_, srv := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := do(t, http.MethodGet, srv.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
	resp, body := do(t, http.MethodGet, srv.URL+"/runs/run-1", nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "forbidden" {
		t.Fatalf("unauthorized read status=%d body=%v", resp.StatusCode, body)
	}
}

func TestCreateRunWithoutDefinition(t *testing.T) {
	a, srv := newTestAPI(t, auth.RoleOperator)

	resp, body := do(t, http.MethodPost, srv.URL+"/pipelines/prod/runs", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "no_definition" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}

	a.bootstrap = func(string) (domain.StageGraph, error) {
		return domain.StageGraph{}, &domain.ConfigurationError{Issues: []string{"repo.branch is required"}}
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/pipelines/prod/runs", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || body["error"] != string(domain.ErrorKindConfiguration) {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	a, srv := newTestAPI(t, auth.RoleApprover)
	a.bootstrap = func(string) (domain.StageGraph, error) {
		return domain.StageGraph{Pipeline: "svc-pipeline", Environment: "prod"}, nil
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/pipelines/prod/runs", map[string]any{"trigger": "push"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status=%d body=%v", resp.StatusCode, body)
	}
	if body["runId"] != "run-1" || body["bootstrap"] != true {
		t.Fatalf("create body=%v", body)
	}
	if got := resp.Header.Get("Location"); got != "/runs/run-1" {
		t.Fatalf("Location=%q", got)
	}
	waitForGate(t, a.board, "run-1")

	resp, body = do(t, http.MethodPost, srv.URL+"/runs/run-1/stages/Approval/approval", map[string]any{"comment": "no verdict"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing approve status=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/runs/run-1/stages/Nope/approval", map[string]any{"approve": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown gate status=%d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/runs/run-1/stages/Approval/approval", map[string]any{"approve": true, "comment": "ship it"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decide status=%d body=%v", resp.StatusCode, body)
	}
	if body["state"] != string(domain.ApprovalApproved) || body["actor"] != "dev@example.local" || body["comment"] != "ship it" {
		t.Fatalf("decide body=%v", body)
	}

	a.wait()

	resp, body = do(t, http.MethodGet, srv.URL+"/runs/run-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d body=%v", resp.StatusCode, body)
	}
	run := body["run"].(map[string]any)
	if run["state"] != string(domain.RunStateSucceeded) || run["actor"] != "dev@example.local" {
		t.Fatalf("run=%v", run)
	}
	stagesOut := body["stages"].([]any)
	if len(stagesOut) != 1 {
		t.Fatalf("stages=%v", stagesOut)
	}
	gate := stagesOut[0].(map[string]any)["approval"].(map[string]any)
	if gate["state"] != string(domain.ApprovalApproved) {
		t.Fatalf("stored gate=%v", gate)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/runs/run-1/stages/Approval/approval", map[string]any{"approve": false})
	if resp.StatusCode != http.StatusConflict || body["error"] != "already_decided" {
		t.Fatalf("second decision status=%d body=%v", resp.StatusCode, body)
	}
}

func TestApprovalRequiresApproverRole(t *testing.T) {
	_, srv := newTestAPI(t, auth.RoleOperator)
	resp, body := do(t, http.MethodPost, srv.URL+"/runs/run-1/stages/Approval/approval", map[string]any{"approve": true})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestGetUnknownRun(t *testing.T) {
	_, srv := newTestAPI(t, auth.RoleViewer)
	resp, body := do(t, http.MethodGet, srv.URL+"/runs/missing", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}
