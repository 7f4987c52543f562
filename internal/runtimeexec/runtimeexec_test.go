package runtimeexec

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestMergeEnvOverridesBase(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin", "IMAGE_URI=old"}, map[string]string{"IMAGE_URI": "new", "CLUSTER_NAME": "c"})
	want := []string{"PATH=/bin", "CLUSTER_NAME=c", "IMAGE_URI=new"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mergeEnv()=%v, want %v", got, want)
	}
}

func TestRegistryHost(t *testing.T) {
	cases := map[string]string{
		"123.dkr.ecr.us-east-1.amazonaws.com/svc": "123.dkr.ecr.us-east-1.amazonaws.com",
		"https://ghcr.io/acme/svc":                "ghcr.io",
		"localhost:5000":                          "localhost:5000",
		"":                                        "",
	}
	for in, want := range cases {
		if got := RegistryHost(in); got != want {
			t.Fatalf("RegistryHost(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestConnectionsStaticToken(t *testing.T) {
	c := &Connections{Static: map[string]string{"conn-1": "secret"}}
	ts, err := c.TokenSource(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	token, err := ts.Token()
	if err != nil || token.AccessToken != "secret" {
		t.Fatalf("token=%+v err=%v", token, err)
	}
	again, _ := c.TokenSource(context.Background(), "conn-1")
	if again != ts {
		t.Fatalf("expected cached token source")
	}
	if _, err := c.TokenSource(context.Background(), "conn-2"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestGitSourceKeepsTokenOutOfArgv(t *testing.T) {
	dir := t.TempDir()
	record := filepath.Join(dir, "calls")
	fakeGit := filepath.Join(dir, "git")
	script := `#!/bin/sh
printf 'argv:%s\n' "$*" >> "` + record + `"
printf 'header:%s\n' "$GIT_CONFIG_VALUE_0" >> "` + record + `"
if [ "$1" = "clone" ]; then
  for last; do :; done
  mkdir -p "$last"
  exit 0
fi
echo 0123456789abcdef
`
	if err := os.WriteFile(fakeGit, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake git: %v", err)
	}

	src, err := NewGitSource(fakeGit, "https://git.example", &Connections{Static: map[string]string{"conn-1": "s3cret-token"}})
	if err != nil {
		t.Fatalf("NewGitSource: %v", err)
	}
	rev, err := src.Fetch(context.Background(), FetchRequest{
		Owner:         "acme",
		Repo:          "svc",
		Branch:        "main",
		ConnectionRef: "conn-1",
		Dest:          filepath.Join(dir, "checkout"),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rev != "0123456789abcdef" {
		t.Fatalf("revision=%q", rev)
	}

	raw, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte("x-access-token:s3cret-token"))
	var sawHeader bool
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		switch {
		case strings.HasPrefix(line, "argv:"):
			if strings.Contains(line, encoded) || strings.Contains(line, "s3cret-token") || strings.Contains(line, "extraHeader") {
				t.Fatalf("credentials leaked into argv: %s", line)
			}
		case line == "header:Authorization: Basic "+encoded:
			sawHeader = true
		}
	}
	if !sawHeader {
		t.Fatalf("clone did not receive the auth header through the environment:\n%s", raw)
	}
}

func TestShellRunnerRunsInDirWithEnv(t *testing.T) {
	r, err := NewShellRunner("sh", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("no shell available: %v", err)
	}
	dir := t.TempDir()
	out, err := r.Run(context.Background(), Command{
		Dir:    dir,
		Script: `printf '%s:%s' "$IMAGE_URI" "$(basename "$PWD")"`,
		Env:    map[string]string{"IMAGE_URI": "repo:abc"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out, "repo:abc:") {
		t.Fatalf("output=%q", out)
	}

	if _, err := r.Run(context.Background(), Command{Dir: dir, Script: "echo boom; exit 3"}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failure carrying output, got %v", err)
	}
}

func TestLoadConnections(t *testing.T) {
	t.Setenv("TEST_GIT_TOKEN", "from-env")
	t.Setenv("TEST_CLIENT_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "connections.yaml")
	doc := `connections:
  github:
    tokenEnv: TEST_GIT_TOKEN
  inline:
    token: literal
  registry:
    clientCredentials:
      tokenURL: https://auth.example.com/token
      clientID: deployer
      clientSecretEnv: TEST_CLIENT_SECRET
      scopes: [push]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadConnections(path)
	if err != nil {
		t.Fatalf("LoadConnections: %v", err)
	}
	if c.Static["github"] != "from-env" || c.Static["inline"] != "literal" {
		t.Fatalf("static=%v", c.Static)
	}
	cc, ok := c.ClientCredentials["registry"]
	if !ok || cc.ClientSecret != "s3cret" || !reflect.DeepEqual(cc.Scopes, []string{"push"}) {
		t.Fatalf("client credentials=%+v", cc)
	}
}

func TestLoadConnectionsRejectsMissingCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.yaml")
	if err := os.WriteFile(path, []byte("connections:\n  github:\n    tokenEnv: TEST_UNSET_TOKEN_VAR\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConnections(path); err == nil {
		t.Fatalf("expected error for unset token variable")
	}
	empty, err := LoadConnections("")
	if err != nil || len(empty.Static) != 0 {
		t.Fatalf("empty path: %v %+v", err, empty)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{GitBaseURL: "https://github.com"}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	bad := base
	bad.GitBaseURL = "git@github.com"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for non-http base url")
	}
	bad = base
	bad.RegistryConnection = "registry"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for registry connection without connections file")
	}
}
