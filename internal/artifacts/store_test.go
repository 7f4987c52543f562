package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/animus-labs/animus-deploy/internal/storage/objectstore"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func newStore(t *testing.T) (*Store, *objectstore.MemoryStore) {
	t.Helper()
	mem := objectstore.NewMemoryStore()
	s, err := NewStore(mem, "artifacts")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, mem
}

func TestPublishResolveAndOpen(t *testing.T) {
	s, mem := newStore(t)
	dir := writeTree(t, map[string]string{
		"Dockerfile":            "FROM scratch",
		"cmd/main.go":           "package main",
		".git/HEAD":             "ref: refs/heads/main",
		"docs/readme.md":        "hi",
		"imagedefinitions.json": `[]`,
	})

	artifact, err := s.Publish(context.Background(), Publication{
		RunID:    "run-1",
		Producer: "Source",
		Name:     "SourceOutput",
		Dir:      dir,
		Files:    []string{"**/*"},
		Revision: "abc123",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := []string{"Dockerfile", "cmd/main.go", "docs/readme.md", "imagedefinitions.json"}
	if !reflect.DeepEqual(artifact.Files, want) {
		t.Fatalf("files=%v, want %v", artifact.Files, want)
	}
	if len(artifact.SHA256) != 64 || artifact.Handle() != "SourceOutput@sha256:"+artifact.SHA256 {
		t.Fatalf("unexpected handle %q", artifact.Handle())
	}

	resolved, err := s.Resolve("run-1", "SourceOutput")
	if err != nil || resolved.SHA256 != artifact.SHA256 {
		t.Fatalf("resolve: %+v err=%v", resolved, err)
	}
	if _, err := s.Resolve("run-2", "SourceOutput"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("runs must not share namespaces, got %v", err)
	}

	reader, err := s.Open(context.Background(), artifact, "cmd/main.go")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	raw, _ := io.ReadAll(reader)
	reader.Close()
	if string(raw) != "package main" {
		t.Fatalf("content=%q", raw)
	}
	if keys := mem.Keys("artifacts", "runs/run-1/SourceOutput/manifest.json"); len(keys) != 1 {
		t.Fatalf("manifest missing: %v", keys)
	}
}

func TestPublishRejectsDuplicateName(t *testing.T) {
	s, _ := newStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "a"})
	pub := Publication{RunID: "run-1", Producer: "Build", Name: "out", Dir: dir, Files: []string{"a.txt"}}
	if _, err := s.Publish(context.Background(), pub); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := s.Publish(context.Background(), pub); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	pub.RunID = "run-2"
	if _, err := s.Publish(context.Background(), pub); err != nil {
		t.Fatalf("another run may reuse the name: %v", err)
	}
}

func TestPublishFailsWhenDeclaredFileMissing(t *testing.T) {
	s, mem := newStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "a"})
	_, err := s.Publish(context.Background(), Publication{
		RunID: "run-1", Producer: "Build", Name: "imagedefinitions", Dir: dir, Files: []string{"imagedefinitions.json"},
	})
	if err == nil {
		t.Fatalf("expected missing file error")
	}
	if keys := mem.Keys("artifacts", "runs/"); len(keys) != 0 {
		t.Fatalf("nothing may be stored for a failed publication, got %v", keys)
	}
}

func TestVerifyDetectsModification(t *testing.T) {
	s, _ := newStore(t)
	dir := writeTree(t, map[string]string{"taskdef.json": `{"family":"svc"}`})
	artifact, err := s.Publish(context.Background(), Publication{
		RunID: "run-1", Producer: "Deploy", Name: "taskdefinition", Dir: dir, Files: []string{"taskdef.json"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Verify(artifact); err != nil {
		t.Fatalf("verify unchanged: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "taskdef.json"), []byte(`{"family":"other"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Verify(artifact); err == nil {
		t.Fatalf("expected verification failure after modification")
	}
}

func TestDigestIsOrderIndependent(t *testing.T) {
	dir := writeTree(t, map[string]string{"a": "1", "b": "2"})
	first, err := Digest(dir, []string{"a", "b"})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, err := Digest(dir, []string{"b", "a", "*"})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if first.SHA256 != second.SHA256 {
		t.Fatalf("digest depends on pattern order")
	}
}

func TestDiscardDropsNamespace(t *testing.T) {
	s, _ := newStore(t)
	dir := writeTree(t, map[string]string{"a": "1"})
	if _, err := s.Publish(context.Background(), Publication{RunID: "r", Producer: "p", Name: "n", Dir: dir, Files: []string{"a"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s.Discard("r")
	if len(s.Artifacts("r")) != 0 {
		t.Fatalf("expected empty namespace")
	}
}
