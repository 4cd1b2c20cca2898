package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		jwt    interface{}
		want   string
	}{
		{"default when nothing set", "", "", nil, "default"},
		{"from header", "", "hospital_abc", nil, "hospital_abc"},
		{"from query", "?tenant_id=clinic_xyz", "", nil, "clinic_xyz"},
		{"from jwt claim", "", "", "jwt_tenant", "jwt_tenant"},
		{"jwt beats header and query", "?tenant_id=query", "header", "jwt", "jwt"},
		{"header beats query", "?tenant_id=query_tenant", "header_tenant", nil, "header_tenant"},
		{"empty jwt falls through", "", "header_tenant", "", "header_tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", tt.jwt)
			}

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("extractTenantID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"abc123", true},
		{"hospital_1", true},
		{"tenant_abc_123", true},
		{"a", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"$pecial", false},
		{"tenant@1", false},
		{"'; DROP TABLE", false},
	}

	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestContextAccessors(t *testing.T) {
	t.Run("tenant id", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), TenantIDKey, "test_tenant")
		if got := TenantFromContext(ctx); got != "test_tenant" {
			t.Errorf("expected test_tenant, got %s", got)
		}
		if got := TenantFromContext(context.Background()); got != "" {
			t.Errorf("expected empty string from bare context, got %s", got)
		}
	})

	t.Run("tenant id wrong type", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), TenantIDKey, 12345)
		if got := TenantFromContext(ctx); got != "" {
			t.Errorf("expected empty string for wrong type, got %q", got)
		}
	})

	t.Run("conn", func(t *testing.T) {
		if ConnFromContext(context.Background()) != nil {
			t.Error("expected nil conn from bare context")
		}
		ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
		if ConnFromContext(ctx) != nil {
			t.Error("expected nil conn for wrong type")
		}
	})

	t.Run("tx", func(t *testing.T) {
		if TxFromContext(context.Background()) != nil {
			t.Error("expected nil tx from bare context")
		}
		ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
		if TxFromContext(ctx) != nil {
			t.Error("expected nil tx for wrong type")
		}
	})
}

func TestScopeToTenant_InvalidID(t *testing.T) {
	_, release, err := ScopeToTenant(context.Background(), nil, "bad-id!")
	if err == nil {
		t.Error("expected error for invalid tenant ID")
	}
	if release != nil {
		t.Error("expected nil release func on validation failure")
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	invalidIDs := []string{"invalid-id!", "tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table"}
	for _, id := range invalidIDs {
		if err := CreateTenantSchema(context.Background(), nil, id, "", ""); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestRunInTx_NoConnection(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error when no connection in context")
	}
	if called {
		t.Error("fn must not run when transaction cannot begin")
	}
}
