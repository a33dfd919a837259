package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ivd/middleware/internal/platform/auth"
)

const auditPrefix = "/api/v1/"

// AuditEntry records who touched which verification resource and how.
type AuditEntry struct {
	TenantID     string
	UserID       string
	UserRoles    []string
	ResourceType string
	ResourceID   string
	Action       string // read, create, update, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits a lab_audit log line for every /api/v1 request once the handler
// has run, and hands the entry to recorder when one is given. A recorder
// failure is logged and never changes the response.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.TenantID, _ = c.Get("tenant_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.ResourceType, entry.ResourceID = extractResource(path)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "lab_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("verification_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, auditPrefix)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource splits /api/v1/<type>/<id>/... into its type and id.
// Settings and rules live under /api/v1/verification/, and a settings id is
// the test code rather than a uuid.
//
//	/api/v1/results/<uuid>/verify           -> results, <uuid>
//	/api/v1/verification/settings/GLU/rules -> settings, GLU
//	/api/v1/reviews/queue                   -> reviews, ""
func extractResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, auditPrefix), "/")
	if segments[0] == "verification" {
		segments = segments[1:]
	}
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	resource := segments[0]
	if len(segments) < 2 || segments[1] == "" {
		return resource, ""
	}
	id := segments[1]
	if resource == "settings" || isUUIDLike(id) {
		return resource, id
	}
	return resource, ""
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
