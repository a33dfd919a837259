package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Laboratory roles.
const (
	RoleAdmin       = "admin"
	RoleLabTech     = "lab_tech"
	RoleReviewer    = "reviewer"
	RolePathologist = "pathologist"
)

var knownRoles = map[string]bool{
	RoleAdmin:       true,
	RoleLabTech:     true,
	RoleReviewer:    true,
	RolePathologist: true,
}

// ValidRole reports whether r is one of the laboratory roles.
func ValidRole(r string) bool { return knownRoles[r] }

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
// Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether userRoles grants any of required.
func HasRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
