package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animus-labs/animus-deploy/internal/platform/auth"
)

func TestRuntimeConfigFromEnv(t *testing.T) {
	cfg, err := runtimeConfigFromEnv()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Store != backendMemory || cfg.Artifacts != backendMemory || cfg.AutoMigrate {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("ANIMUS_DEPLOY_STORE", "Postgres")
	t.Setenv("ANIMUS_DEPLOY_ARTIFACT_STORE", "minio")
	cfg, err = runtimeConfigFromEnv()
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if cfg.Store != backendPostgres || cfg.Artifacts != backendMinIO {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("ANIMUS_DEPLOY_STORE", "sqlite")
	if _, err := runtimeConfigFromEnv(); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestAuthWrapper(t *testing.T) {
	wrap, err := authWrapper(context.Background(), auth.Config{Mode: auth.ModeDisabled})
	if err != nil || wrap != nil {
		t.Fatalf("disabled: wrap=%v err=%v", wrap != nil, err)
	}

	wrap, err = authWrapper(context.Background(), auth.Config{
		Mode:       auth.ModeDev,
		DevSubject: "dev-user",
		DevRoles:   []string{auth.RoleViewer},
	})
	if err != nil || wrap == nil {
		t.Fatalf("dev: err=%v", err)
	}
	var actor string
	h := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = actorFrom(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1", nil))
	if rec.Code != http.StatusOK || actor != "dev-user" {
		t.Fatalf("read: code=%d actor=%q", rec.Code, actor)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipelines/prod/runs", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write code=%d, want 403", rec.Code)
	}
}
