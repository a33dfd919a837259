package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u1", roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := contextWithRoles(RoleReviewer)
	err := RequireRole(RoleReviewer, RolePathologist)(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c, _ := contextWithRoles(RoleLabTech)
	err := RequireRole(RoleReviewer, RolePathologist)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	c, _ := contextWithRoles()
	expectStatus(t, RequireRole(RoleLabTech)(okHandler)(c), http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c, _ := contextWithRoles(RoleAdmin)
	if err := RequireRole(RolePathologist)(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		user     []string
		required []string
		want     bool
	}{
		{[]string{RoleLabTech}, []string{RoleLabTech}, true},
		{[]string{RoleLabTech}, []string{RoleReviewer}, false},
		{[]string{RoleAdmin}, []string{RoleReviewer}, true},
		{nil, []string{RoleReviewer}, false},
		{[]string{RoleReviewer, RolePathologist}, []string{RolePathologist}, true},
	}
	for _, tt := range tests {
		if got := HasRole(tt.user, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.user, tt.required, got, tt.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RoleAdmin, RoleLabTech, RoleReviewer, RolePathologist} {
		if !ValidRole(r) {
			t.Errorf("expected %s to be valid", r)
		}
	}
	if ValidRole("physician") {
		t.Error("physician is not a laboratory role")
	}
}

func TestUserIDFromContext(t *testing.T) {
	c, _ := contextWithRoles(RoleLabTech)
	if got := UserIDFromContext(c.Request().Context()); got != "u1" {
		t.Errorf("expected u1, got %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := UserIDFromContext(req.Context()); got != "" {
		t.Errorf("expected empty user id, got %q", got)
	}
}
