package stages

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
)

const (
	testEndpoint = "123.dkr.ecr.us-east-1.amazonaws.com/svc"
	testRevision = "abc123"
)

type fakeRegistry struct {
	calls    []string
	pushed   []string
	failAt   map[string]error
	unpulled bool
}

func (r *fakeRegistry) step(name string) error {
	r.calls = append(r.calls, name)
	return r.failAt[name]
}

func (r *fakeRegistry) Authenticate(_ context.Context, endpoint string) error {
	return r.step("authenticate " + endpoint)
}

func (r *fakeRegistry) Build(_ context.Context, spec runtimeexec.BuildSpec) error {
	if _, err := os.Stat(spec.Dockerfile); err != nil {
		return err
	}
	return r.step("build " + spec.Ref)
}

func (r *fakeRegistry) Tag(_ context.Context, source, target string) error {
	return r.step("tag " + source + " " + target)
}

func (r *fakeRegistry) Push(_ context.Context, ref string) error {
	if err := r.step("push " + ref); err != nil {
		return err
	}
	r.pushed = append(r.pushed, ref)
	return nil
}

func (r *fakeRegistry) CanPull(_ context.Context, ref string) (bool, error) {
	if err := r.step("pull " + ref); err != nil {
		return false, err
	}
	return !r.unpulled, nil
}

type fakeShell struct {
	runs []runtimeexec.Command
	hook func(cmd runtimeexec.Command) error
}

func (s *fakeShell) Run(_ context.Context, cmd runtimeexec.Command) (string, error) {
	s.runs = append(s.runs, cmd)
	if s.hook != nil {
		if err := s.hook(cmd); err != nil {
			return "", err
		}
	}
	return "ok", nil
}

func (s *fakeShell) scripts() []string {
	out := make([]string, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Script)
	}
	return out
}

type fakeSource struct {
	requests []runtimeexec.FetchRequest
	err      error
}

func (s *fakeSource) Fetch(_ context.Context, req runtimeexec.FetchRequest) (string, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(req.Dest, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		return "", err
	}
	return testRevision, nil
}

func testParams(t testing.TB) domain.ParameterSet {
	t.Helper()
	p, err := domain.NewParameterSet(map[string]any{
		"serviceName":      "svc",
		"environment":      "prod",
		"isProd":           true,
		"connectionRef":    "conn-1",
		"registryEndpoint": testEndpoint,
		"clusterName":      "svc-cluster",
		"repo":             map[string]any{"owner": "acme", "name": "svc", "branch": "main"},
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return p
}

func testGraph(t testing.TB) domain.StageGraph {
	t.Helper()
	g, err := graph.Build(testParams(t))
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	return g
}

func stageEnv(t *testing.T, name string) Env {
	t.Helper()
	g := testGraph(t)
	stage, ok := g.Stage(name)
	if !ok {
		t.Fatalf("stage %s missing", name)
	}
	return Env{
		RunID:     "run-1",
		Stage:     stage,
		Params:    g.Parameters,
		Exported:  map[string]string{},
		Inputs:    map[string]domain.Artifact{},
		Workspace: t.TempDir(),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sourceArtifact(t *testing.T) domain.Artifact {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Dockerfile"), "FROM scratch\n")
	writeFile(t, filepath.Join(dir, "app", "main.go"), "package main\n")
	return domain.Artifact{Name: graph.ArtifactSource, RunID: "run-1", Producer: graph.StageSource, Dir: dir, Files: []string{"**/*"}, Revision: testRevision}
}

func stepOf(t *testing.T, err error) string {
	t.Helper()
	var stageErr *domain.StageExecutionError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected stage execution error, got %v", err)
	}
	return stageErr.Step
}

func TestExecutorsForUnconfiguredKind(t *testing.T) {
	execs := Executors{Source: &SourceExecutor{}}
	if _, err := execs.For(domain.StageKindSource); err != nil {
		t.Fatalf("source: %v", err)
	}
	if _, err := execs.For(domain.StageKindBuild); err == nil {
		t.Fatalf("expected missing build executor error")
	}
	if _, err := execs.For("bogus"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestSourceExportsCommitID(t *testing.T) {
	env := stageEnv(t, graph.StageSource)
	src := &fakeSource{}
	res, err := (&SourceExecutor{Source: src}).Execute(context.Background(), env)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Exports[ExportCommitID] != testRevision {
		t.Fatalf("exports=%v", res.Exports)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Name != graph.ArtifactSource || res.Outputs[0].Revision != testRevision {
		t.Fatalf("outputs=%+v", res.Outputs)
	}
	req := src.requests[0]
	if req.Owner != "acme" || req.Repo != "svc" || req.Branch != "main" || req.ConnectionRef != "conn-1" {
		t.Fatalf("request=%+v", req)
	}
}

func TestSourceFetchFailure(t *testing.T) {
	env := stageEnv(t, graph.StageSource)
	_, err := (&SourceExecutor{Source: &fakeSource{err: runtimeexec.ErrUnknownConnection}}).Execute(context.Background(), env)
	if stepOf(t, err) != "fetch" || !errors.Is(err, runtimeexec.ErrUnknownConnection) {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildPushesRevisionThenMovingTag(t *testing.T) {
	env := stageEnv(t, graph.StageBuild)
	source := sourceArtifact(t)
	env.Inputs[graph.ArtifactSource] = source
	registry := &fakeRegistry{}

	res, err := (&BuildExecutor{Registry: registry, Shell: &fakeShell{}}).Execute(context.Background(), env)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{testEndpoint + ":" + testRevision, testEndpoint + ":latest"}
	if !reflect.DeepEqual(registry.pushed, want) {
		t.Fatalf("pushed=%v, want %v", registry.pushed, want)
	}
	if res.Exports[ExportImageTag] != testRevision {
		t.Fatalf("exports=%v", res.Exports)
	}
	if len(res.Outputs) != 2 || res.Outputs[0].Name != graph.ArtifactImageDefinitions || res.Outputs[1].Name != graph.ArtifactBuild {
		t.Fatalf("outputs=%+v", res.Outputs)
	}

	raw, err := os.ReadFile(filepath.Join(res.Outputs[0].Dir, graph.DefaultDescriptorFile))
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	d, err := domain.ParseTargetDescriptor(raw)
	if err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	if d.TargetName != "svc-prod-container" || d.ImageReference != testEndpoint+":"+testRevision {
		t.Fatalf("descriptor=%+v", d)
	}
	if _, err := os.Stat(filepath.Join(source.Dir, graph.DefaultDescriptorFile)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source artifact must not be modified, stat err=%v", err)
	}
}

func TestBuildAuthenticationFailurePushesNothing(t *testing.T) {
	env := stageEnv(t, graph.StageBuild)
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	registry := &fakeRegistry{failAt: map[string]error{"authenticate " + testEndpoint: errors.New("denied")}}

	_, err := (&BuildExecutor{Registry: registry}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepAuthenticate {
		t.Fatalf("step=%s", got)
	}
	if len(registry.pushed) != 0 || len(registry.calls) != 1 {
		t.Fatalf("calls=%v pushed=%v", registry.calls, registry.pushed)
	}
}

func TestBuildMovingTagFailureLeavesRevisionOnly(t *testing.T) {
	env := stageEnv(t, graph.StageBuild)
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	registry := &fakeRegistry{failAt: map[string]error{"push " + testEndpoint + ":latest": errors.New("timeout")}}

	_, err := (&BuildExecutor{Registry: registry}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepPushMoving {
		t.Fatalf("step=%s", got)
	}
	if want := []string{testEndpoint + ":" + testRevision}; !reflect.DeepEqual(registry.pushed, want) {
		t.Fatalf("pushed=%v, want %v", registry.pushed, want)
	}
}

func TestBuildRejectsUnpullableImage(t *testing.T) {
	env := stageEnv(t, graph.StageBuild)
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	_, err := (&BuildExecutor{Registry: &fakeRegistry{unpulled: true}}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepVerify {
		t.Fatalf("step=%s", got)
	}
}

func TestBuildRequiresSourceRevision(t *testing.T) {
	env := stageEnv(t, graph.StageBuild)
	source := sourceArtifact(t)
	source.Revision = ""
	env.Inputs[graph.ArtifactSource] = source
	registry := &fakeRegistry{}
	if _, err := (&BuildExecutor{Registry: registry}).Execute(context.Background(), env); err == nil {
		t.Fatalf("expected error")
	}
	if len(registry.calls) != 0 {
		t.Fatalf("registry must not be touched, calls=%v", registry.calls)
	}
}

func buildOutputs(t *testing.T, commandsFile string) (domain.Artifact, domain.Artifact) {
	t.Helper()
	dir := t.TempDir()
	raw, err := domain.MarshalTargetDescriptor(domain.TargetDescriptor{TargetName: "svc-prod-container", ImageReference: testEndpoint + ":" + testRevision})
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	writeFile(t, filepath.Join(dir, graph.DefaultDescriptorFile), string(raw))
	if commandsFile != "" {
		writeFile(t, filepath.Join(dir, graph.DefaultDeployCommands), commandsFile)
	}
	descriptor := domain.Artifact{Name: graph.ArtifactImageDefinitions, Producer: graph.StageBuild, Dir: dir, Files: []string{graph.DefaultDescriptorFile}, Revision: testRevision}
	build := domain.Artifact{Name: graph.ArtifactBuild, Producer: graph.StageBuild, Dir: dir, Files: []string{"**/*"}, Revision: testRevision}
	return descriptor, build
}

func TestDeployRunsCommandsFileVerbatim(t *testing.T) {
	env := stageEnv(t, graph.StageDeploy)
	descriptor, build := buildOutputs(t, `
env:
  variables:
    AWS_REGION: us-east-1
phases:
  pre_build:
    commands:
      - aws ecs describe-task-definition --task-definition $TASK_DEF_NAME
  build:
    commands:
      - aws ecs update-service --cluster $CLUSTER_NAME --force-new-deployment
`)
	env.Inputs[descriptor.Name] = descriptor
	env.Inputs[build.Name] = build
	env.Exported[ExportImageTag] = testRevision
	shell := &fakeShell{}

	res, err := (&DeployExecutor{Shell: shell}).Execute(context.Background(), env)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{
		"aws ecs describe-task-definition --task-definition $TASK_DEF_NAME",
		"aws ecs update-service --cluster $CLUSTER_NAME --force-new-deployment",
	}
	if got := shell.scripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("scripts=%v, want %v", got, want)
	}
	vars := shell.runs[0].Env
	if vars["IMAGE_URI"] != testEndpoint+":"+testRevision || vars["CLUSTER_NAME"] != "svc-cluster" || vars["AWS_REGION"] != "us-east-1" {
		t.Fatalf("env=%v", vars)
	}
	if vars["IMAGE_TAG"] != testRevision || vars["BUILD_DIR"] != build.Dir {
		t.Fatalf("env=%v", vars)
	}
	workDir := shell.runs[0].Dir
	if workDir == build.Dir || workDir == res.Outputs[0].Dir {
		t.Fatalf("commands ran in %s, want a copy of the build tree", workDir)
	}
	if _, err := os.Stat(filepath.Join(workDir, graph.DefaultDescriptorFile)); err != nil {
		t.Fatalf("build tree files must resolve relative to the work dir: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(res.Outputs[0].Dir, graph.DefaultTaskDefFile))
	if err != nil {
		t.Fatalf("taskdef: %v", err)
	}
	var taskDef TaskDefinition
	if err := json.Unmarshal(raw, &taskDef); err != nil {
		t.Fatalf("decode taskdef: %v", err)
	}
	if taskDef.Family != "svc-prod" || len(taskDef.Containers) != 1 || taskDef.Containers[0].Image != testEndpoint+":"+testRevision {
		t.Fatalf("taskdef=%+v", taskDef)
	}
}

func TestDeployFallsBackToStageCommands(t *testing.T) {
	env := stageEnv(t, graph.StageDeploy)
	descriptor, build := buildOutputs(t, "")
	env.Inputs[descriptor.Name] = descriptor
	env.Inputs[build.Name] = build
	env.Exported[ExportImageTag] = testRevision
	shell := &fakeShell{}

	if _, err := (&DeployExecutor{Shell: shell}).Execute(context.Background(), env); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, want := shell.scripts(), []string{"echo rolling svc in prod to " + testRevision}; !reflect.DeepEqual(got, want) {
		t.Fatalf("scripts=%v, want %v", got, want)
	}
}

func TestDeployRejectsForeignDescriptor(t *testing.T) {
	env := stageEnv(t, graph.StageDeploy)
	descriptor, build := buildOutputs(t, "")
	raw, _ := domain.MarshalTargetDescriptor(domain.TargetDescriptor{TargetName: "other-container", ImageReference: "x:1"})
	writeFile(t, filepath.Join(descriptor.Dir, graph.DefaultDescriptorFile), string(raw))
	env.Inputs[descriptor.Name] = descriptor
	env.Inputs[build.Name] = build
	env.Exported[ExportImageTag] = testRevision

	_, err := (&DeployExecutor{Shell: &fakeShell{}}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepReadDescriptor {
		t.Fatalf("step=%s", got)
	}
}

func TestDeployCommandsFileWithoutCommands(t *testing.T) {
	if _, _, err := parseCommandsFile("deploy.yml", []byte("phases: {}\n")); err == nil {
		t.Fatalf("expected error for empty commands file")
	}
}

func TestSynthParsesRegeneratedDefinition(t *testing.T) {
	env := stageEnv(t, graph.StageSynth)
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	raw, err := definition.Marshal(testGraph(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	shell := &fakeShell{hook: func(cmd runtimeexec.Command) error {
		if !strings.HasPrefix(cmd.Script, "go run") {
			return nil
		}
		if cmd.Env["ENV_NAME"] != "prod" {
			t.Errorf("ENV_NAME=%q", cmd.Env["ENV_NAME"])
		}
		writeFile(t, filepath.Join(cmd.Dir, "infrastructure", "pipeline.out", "pipeline.json"), string(raw))
		return nil
	}}

	res, err := (&SynthExecutor{Shell: shell}).Execute(context.Background(), env)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{
		"go mod download",
		"go run ./orchestrator synth --env prod --config infrastructure/pipeline.yaml --out infrastructure/pipeline.out",
	}
	if got := shell.scripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("scripts=%v, want %v", got, want)
	}
	if res.Definition == nil || res.Definition.Pipeline != "svc-prod-pipeline" {
		t.Fatalf("definition=%+v", res.Definition)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Name != graph.ArtifactSynth {
		t.Fatalf("outputs=%+v", res.Outputs)
	}
}

func TestSynthWithoutDefinitionFails(t *testing.T) {
	env := stageEnv(t, graph.StageSynth)
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	_, err := (&SynthExecutor{Shell: &fakeShell{}}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepDefinition {
		t.Fatalf("step=%s", got)
	}
}

func TestSynthRejectsDefinitionForOtherEnvironment(t *testing.T) {
	env := stageEnv(t, graph.StageSynth)
	env.Stage.Synth.EnvironmentName = "staging"
	env.Inputs[graph.ArtifactSource] = sourceArtifact(t)
	raw, err := definition.Marshal(testGraph(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	shell := &fakeShell{hook: func(cmd runtimeexec.Command) error {
		writeFile(t, filepath.Join(cmd.Dir, "infrastructure", "pipeline.out", "pipeline.json"), string(raw))
		return nil
	}}
	_, err = (&SynthExecutor{Shell: shell}).Execute(context.Background(), env)
	if got := stepOf(t, err); got != StepDefinition {
		t.Fatalf("step=%s", got)
	}
}

type fakeGates struct {
	decision approval.Decision
	err      error
	timeout  time.Duration
}

func (g *fakeGates) Await(_ context.Context, _, _ string, timeout time.Duration) (approval.Decision, error) {
	g.timeout = timeout
	return g.decision, g.err
}

func TestApprovalRejectionPassesThrough(t *testing.T) {
	env := stageEnv(t, graph.StageApproval)
	env.Stage.Approval.TimeoutSeconds = 30
	gates := &fakeGates{err: &domain.ApprovalRejectedError{Stage: graph.StageApproval, Actor: "alice"}}

	_, err := (&ApprovalExecutor{Gates: gates}).Execute(context.Background(), env)
	if domain.KindOf(err) != domain.ErrorKindApprovalRejected {
		t.Fatalf("kind=%s err=%v", domain.KindOf(err), err)
	}
	if gates.timeout != 30*time.Second {
		t.Fatalf("timeout=%s", gates.timeout)
	}
}

func TestApprovalApproved(t *testing.T) {
	env := stageEnv(t, graph.StageApproval)
	gates := &fakeGates{decision: approval.Decision{State: domain.ApprovalApproved, Actor: "bob"}}
	res, err := (&ApprovalExecutor{Gates: gates}).Execute(context.Background(), env)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !reflect.DeepEqual(res.Log, []string{"approved by bob"}) {
		t.Fatalf("log=%v", res.Log)
	}
}
