package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleOperator) {
		t.Fatalf("viewer should not satisfy operator")
	}
	if HasAtLeast([]string{"operator"}, RoleApprover) {
		t.Fatalf("operator should not satisfy approver")
	}
	if !HasAtLeast([]string{"admin"}, RoleApprover) {
		t.Fatalf("admin should satisfy approver")
	}
	if HasAtLeast([]string{"admin"}, "root") {
		t.Fatalf("unknown role should never be satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/runs/r1", RoleViewer},
		{http.MethodPost, "/pipelines/prod/runs", RoleOperator},
		{http.MethodPost, "/runs/r1/stages/Approval/approval", RoleApprover},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
