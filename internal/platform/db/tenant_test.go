package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "lab_north")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "lab_north" {
		t.Errorf("expected lab_north, got %s", tid)
	}
}

func TestExtractTenantID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=lab_south", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "lab_south" {
		t.Errorf("expected lab_south, got %s", tid)
	}
}

func TestExtractTenantID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=query", nil)
	req.Header.Set("X-Tenant-ID", "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_tenant_id", "jwt")

	if tid := extractTenantID(c, "default"); tid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", tid)
	}

	c.Set("jwt_tenant_id", "")
	if tid := extractTenantID(c, "default"); tid != "header" {
		t.Errorf("expected header, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if tid := extractTenantID(c, "default"); tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestValidTenantID(t *testing.T) {
	valid := []string{"abc", "lab_1", "tenant_abc_123", "A1B2"}
	for _, v := range valid {
		if !ValidTenantID(v) {
			t.Errorf("expected %s to be valid", v)
		}
	}

	invalid := []string{"a-b", "a.b", "a b", "'; DROP TABLE", "a/b", ""}
	for _, v := range invalid {
		if ValidTenantID(v) {
			t.Errorf("expected %s to be invalid", v)
		}
	}
}

func TestTenantMiddleware_SetsContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "lab_east")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got string
	h := TenantMiddleware("default")(func(c echo.Context) error {
		got = TenantFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "lab_east" {
		t.Errorf("expected lab_east in request context, got %q", got)
	}
	if c.Get("tenant_id") != "lab_east" {
		t.Errorf("expected tenant_id on echo context, got %v", c.Get("tenant_id"))
	}
}

func TestTenantMiddleware_RejectsInvalid(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "bad-tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	h := TenantMiddleware("default")(func(c echo.Context) error {
		t.Fatal("handler should not run")
		return nil
	})
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "test_tenant")
	if tid := TenantFromContext(ctx); tid != "test_tenant" {
		t.Errorf("expected test_tenant, got %s", tid)
	}
	if empty := TenantFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
