package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithAuth(req *http.Request, roles, scopes []string) *http.Request {
	ctx := req.Context()
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	ctx = context.WithValue(ctx, UserScopesKey, scopes)
	return req.WithContext(ctx)
}

func runGuard(t *testing.T, mw echo.MiddlewareFunc, roles, scopes []string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = contextWithAuth(req, roles, scopes)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	return mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	if err := runGuard(t, RequireRole("auditor"), []string{"auditor"}, nil); err != nil {
		t.Errorf("auditor rejected: %v", err)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if err := runGuard(t, RequireRole("auditor"), []string{"admin"}, nil); err != nil {
		t.Errorf("admin rejected: %v", err)
	}
}

func TestRequireRole_AnyOfSeveral(t *testing.T) {
	if err := runGuard(t, RequireRole("admin", "auditor"), []string{"auditor"}, nil); err != nil {
		t.Errorf("auditor rejected on multi-role guard: %v", err)
	}
}

func TestRequireRole_Denies(t *testing.T) {
	err := runGuard(t, RequireRole("admin"), []string{"clinician"}, nil)
	if err == nil {
		t.Fatal("expected 403")
	}
	if code := httpStatus(t, err); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	err := runGuard(t, RequireRole("admin"), nil, nil)
	if err == nil {
		t.Fatal("expected 403 with no roles in context")
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name    string
		granted []string
		allowed bool
	}{
		{"exact", []string{"user/Patient.read"}, true},
		{"wildcard type", []string{"user/*.read"}, true},
		{"wildcard op", []string{"user/Patient.*"}, true},
		{"full wildcard", []string{"user/*.*"}, true},
		{"second of two", []string{"user/Consent.read", "user/Patient.read"}, true},
		{"wrong type", []string{"user/Consent.read"}, false},
		{"wrong op", []string{"user/Patient.write"}, false},
		{"wrong context", []string{"patient/Patient.read"}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runGuard(t, RequireScope("user/Patient.read"), nil, tt.granted)
			if tt.allowed && err != nil {
				t.Errorf("scope %v rejected: %v", tt.granted, err)
			}
			if !tt.allowed {
				if err == nil {
					t.Fatalf("scope %v admitted", tt.granted)
				}
				if code := httpStatus(t, err); code != http.StatusForbidden {
					t.Errorf("expected 403, got %d", code)
				}
			}
		})
	}
}

func TestMatchScope_Malformed(t *testing.T) {
	if matchScope("garbage", "user/Patient.read") {
		t.Error("malformed granted scope matched")
	}
	if matchScope("user/Patient.read", "garbage") {
		t.Error("malformed required scope matched")
	}
	if matchScope("user/noop", "user/Patient.read") {
		t.Error("scope without operation matched")
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, path := range []string{"/health", "/health/db", "/ready", "/fhir/metadata"} {
		if !IsPublicPath(path) {
			t.Errorf("IsPublicPath(%q) = false", path)
		}
	}
	for _, path := range []string{"/fhir", "/api/v1/ledger/events", "/"} {
		if IsPublicPath(path) {
			t.Errorf("IsPublicPath(%q) = true", path)
		}
	}
}
