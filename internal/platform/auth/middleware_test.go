package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func serve(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, "http://example.test"+path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
	return rec, body
}

func TestMiddleware_Unauthorized(t *testing.T) {
	called := false
	h := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec, body := serve(t, h, http.MethodGet, "/runs/r1")
	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if body["error"] != "unauthorized" {
		t.Fatalf("error=%v, want unauthorized", body["error"])
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{err: errors.New("bad token")},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec, body := serve(t, h, http.MethodGet, "/runs/r1")
	if rec.Code != http.StatusUnauthorized || body["error"] != "invalid_token" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
}

func TestMiddleware_ForbidsOperatorApproval(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "ops", Roles: []string{RoleOperator}}},
		Authorize:     MethodRoleAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec, body := serve(t, h, http.MethodPost, "/runs/r1/stages/Approval/approval")
	if rec.Code != http.StatusForbidden || body["error"] != "forbidden" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
}

func TestMiddleware_StoresIdentity(t *testing.T) {
	want := Identity{Subject: "alice", Email: "alice@example.test", Roles: []string{RoleApprover}}
	var got Identity
	h := Middleware{
		Authenticator: &testAuthenticator{identity: want},
		Authorize:     MethodRoleAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec, _ := serve(t, h, http.MethodPost, "/runs/r1/stages/Approval/approval")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rec.Code)
	}
	if !reflect.DeepEqual(got, want) || got.Actor() != "alice@example.test" {
		t.Fatalf("identity=%+v", got)
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	h := Middleware{
		Authenticator: authn,
		SkipPrefixes:  []string{"/healthz"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec, _ := serve(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || authn.calls != 0 {
		t.Fatalf("status=%d calls=%d", rec.Code, authn.calls)
	}
}

func TestOIDCAuthenticatorRequiresBearer(t *testing.T) {
	a := NewOIDCAuthenticatorWithVerifier(Config{Mode: ModeOIDC}, nil)
	req := httptest.NewRequest(http.MethodGet, "/runs/r1", nil)
	req.Header.Set("Authorization", "Basic abc")
	if _, err := a.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want ErrUnauthenticated", err)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	cfg := Config{RolesClaim: "groups", EmailClaim: "email"}
	identity := identityFromClaims(map[string]any{
		"sub":    "u-1",
		"email":  "bob@example.test",
		"groups": []any{" Approver ", 7, "viewer"},
	}, cfg)
	if identity.Subject != "u-1" || identity.Email != "bob@example.test" {
		t.Fatalf("identity=%+v", identity)
	}
	if !reflect.DeepEqual(identity.Roles, []string{"approver", "viewer"}) {
		t.Fatalf("roles=%v", identity.Roles)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Mode: ModeOIDC, RolesClaim: "roles"}).Validate(); err == nil {
		t.Fatalf("expected issuer required")
	}
	if err := (Config{Mode: ModeDev, DevSubject: "dev"}).Validate(); err == nil {
		t.Fatalf("expected dev roles required")
	}
	if err := (Config{Mode: ModeDisabled}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}
