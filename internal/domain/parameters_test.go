package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validValues() map[string]any {
	return map[string]any{
		"serviceName":      "svc",
		"environment":      "dev",
		"isProd":           false,
		"connectionRef":    "arn:aws:codestar-connections:us-east-1:123:connection/abc",
		"registryEndpoint": "123.dkr.ecr.us-east-1.amazonaws.com/svc",
		"repo": map[string]any{
			"owner":  "acme",
			"name":   "svc",
			"branch": "main",
		},
	}
}

func TestNewParameterSetDecodesFields(t *testing.T) {
	values := validValues()
	values["approvalTimeout"] = "30m"
	values["database"] = map[string]any{"dbName": "jobs", "dbAdmin": "admin"}
	values["custom"] = "kept"

	p, err := NewParameterSet(values)
	if err != nil {
		t.Fatalf("NewParameterSet: %v", err)
	}
	if p.ServiceName != "svc" || p.Environment != "dev" || p.IsProd {
		t.Fatalf("unexpected scalar fields: %+v", p)
	}
	if p.Repo != (RepoCoordinates{Owner: "acme", Name: "svc", Branch: "main"}) {
		t.Fatalf("unexpected repo: %+v", p.Repo)
	}
	if p.ApprovalTimeout != 30*time.Minute {
		t.Fatalf("approval timeout=%v, want 30m", p.ApprovalTimeout)
	}
	if p.Database == nil || p.Database.Name != "jobs" {
		t.Fatalf("unexpected database: %+v", p.Database)
	}
	if p.SynthDir != DefaultSynthDir {
		t.Fatalf("synth dir=%q, want default", p.SynthDir)
	}
	if v, ok := p.Lookup("custom"); !ok || v != "kept" {
		t.Fatalf("expected unknown key to be kept, got %v %v", v, ok)
	}
	if v, ok := p.Lookup("repo", "branch"); !ok || v != "main" {
		t.Fatalf("Lookup(repo.branch)=%v %v", v, ok)
	}
	if p.TargetName() != "svc-dev-container" {
		t.Fatalf("TargetName()=%q", p.TargetName())
	}
}

func TestNewParameterSetIsIsolatedFromInput(t *testing.T) {
	values := validValues()
	p, err := NewParameterSet(values)
	if err != nil {
		t.Fatalf("NewParameterSet: %v", err)
	}
	values["repo"].(map[string]any)["branch"] = "mutated"
	if v, _ := p.Lookup("repo", "branch"); v != "main" {
		t.Fatalf("parameter set observed input mutation: %v", v)
	}

	out := p.Values()
	out["repo"].(map[string]any)["branch"] = "mutated"
	if v, _ := p.Lookup("repo", "branch"); v != "main" {
		t.Fatalf("parameter set observed Values() mutation: %v", v)
	}
}

func TestNewParameterSetReportsEveryIssue(t *testing.T) {
	values := validValues()
	delete(values, "connectionRef")
	values["isProd"] = "sometimes"
	values["repo"] = map[string]any{"owner": "acme", "name": "svc"}

	_, err := NewParameterSet(values)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	joined := strings.Join(cfgErr.Issues, "\n")
	for _, want := range []string{"connectionRef is required", "isProd", "repo.branch is required"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected issue %q in %v", want, cfgErr.Issues)
		}
	}
}

func TestNewParameterSetAcceptsStringBool(t *testing.T) {
	values := validValues()
	values["isProd"] = "true"
	p, err := NewParameterSet(values)
	if err != nil {
		t.Fatalf("NewParameterSet: %v", err)
	}
	if !p.IsProd {
		t.Fatalf("expected isProd=true")
	}
}
