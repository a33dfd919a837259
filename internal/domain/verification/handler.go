package verification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ivd/middleware/internal/platform/auth"
	"github.com/ivd/middleware/internal/platform/db"
	"github.com/ivd/middleware/internal/platform/validate"
	"github.com/ivd/middleware/pkg/pagination"
)

type Handler struct {
	svc      *Service
	settings *SettingsService
	logger   zerolog.Logger
}

func NewHandler(svc *Service, settings *SettingsService, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, settings: settings, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Result processing – lab_tech
	process := api.Group("", auth.RequireRole(auth.RoleLabTech))
	process.POST("/results/:id/evaluate", h.EvaluateResult)
	process.POST("/results/:id/verify", h.VerifyResult)
	process.POST("/results/verify-batch", h.VerifyBatch)
	process.POST("/samples/:id/verify", h.VerifySample)

	// Read endpoints – every laboratory role
	read := api.Group("", auth.RequireRole(auth.RoleLabTech, auth.RoleReviewer, auth.RolePathologist))
	read.GET("/results/pending", h.PendingQueue)
	read.GET("/results/:id/verification-history", h.VerificationHistory)
	read.GET("/reviews", h.ListOpenReviews)
	read.GET("/reviews/queue", h.ListReviews)
	read.GET("/reviews/:id", h.GetReview)
	read.GET("/verification/settings", h.ListSettings)
	read.GET("/verification/settings/:test_code", h.GetSettings)
	read.GET("/verification/settings/:test_code/rules", h.ListRules)

	// Review creation – lab_tech, reviewer
	api.POST("/reviews", h.CreateReview, auth.RequireRole(auth.RoleLabTech, auth.RoleReviewer))

	// Review decisions – reviewer, pathologist
	decide := api.Group("", auth.RequireRole(auth.RoleReviewer, auth.RolePathologist))
	decide.POST("/reviews/:id/claim", h.ClaimReview)
	decide.POST("/reviews/:id/release", h.ReleaseReview)
	decide.POST("/reviews/:id/decide", h.DecideReview)

	// Configuration – admin
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/verification/settings", h.CreateSettings)
	admin.PUT("/verification/settings/:test_code", h.UpdateSettings)
	admin.DELETE("/verification/settings/:test_code", h.DeleteSettings)
	admin.POST("/verification/settings/:test_code/rules", h.CreateRule)
	admin.POST("/verification/settings/:test_code/default-rules", h.InitializeDefaultRules)
	admin.PUT("/verification/rules/:id", h.UpdateRule)
	admin.DELETE("/verification/rules/:id", h.DeleteRule)
	admin.POST("/verification/rules/:id/enable", h.EnableRule)
	admin.POST("/verification/rules/:id/disable", h.DisableRule)
}

// -- Result Handlers --

func (h *Handler) EvaluateResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.EvaluateResult(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) VerifyResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ProcessResult(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type batchRequest struct {
	ResultIDs []uuid.UUID `json:"result_ids" validate:"required,min=1"`
}

func (h *Handler) VerifyBatch(c echo.Context) error {
	var req batchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return h.httpError(c, err)
	}
	sum, err := h.svc.ProcessBatch(c.Request().Context(), tenantOf(c), req.ResultIDs)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) VerifySample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.ProcessSample(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) VerificationHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	hist, err := h.svc.VerificationHistory(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *Handler) PendingQueue(c echo.Context) error {
	pg := pagination.FromContext(c, h.bounds())
	items, total, err := h.svc.PendingQueue(c.Request().Context(), tenantOf(c), pg.Limit)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, 0))
}

// -- Settings Handlers --

func (h *Handler) CreateSettings(c echo.Context) error {
	var in SettingsInput
	if err := bindAndValidate(c, &in); err != nil {
		return h.httpError(c, err)
	}
	st, err := h.settings.CreateSettings(c.Request().Context(), tenantOf(c), in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetSettings(c echo.Context) error {
	st, err := h.settings.GetSettings(c.Request().Context(), tenantOf(c), c.Param("test_code"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListSettings(c echo.Context) error {
	pg := pagination.FromContext(c, h.bounds())
	items, total, err := h.settings.ListSettings(c.Request().Context(), tenantOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var in SettingsUpdate
	if err := bindAndValidate(c, &in); err != nil {
		return h.httpError(c, err)
	}
	st, err := h.settings.UpdateSettings(c.Request().Context(), tenantOf(c), c.Param("test_code"), in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteSettings(c echo.Context) error {
	if err := h.settings.DeleteSettings(c.Request().Context(), tenantOf(c), c.Param("test_code")); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Rule Handlers --

func (h *Handler) ListRules(c echo.Context) error {
	rules, err := h.settings.ListRules(c.Request().Context(), tenantOf(c), c.Param("test_code"))
	if err != nil {
		return h.httpError(c, err)
	}
	if rules == nil {
		rules = []*VerificationRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var in RuleInput
	if err := bindAndValidate(c, &in); err != nil {
		return h.httpError(c, err)
	}
	r, err := h.settings.CreateRule(c.Request().Context(), tenantOf(c), c.Param("test_code"), in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

type defaultRulesRequest struct {
	TestName string `json:"test_name" validate:"max=255"`
}

func (h *Handler) InitializeDefaultRules(c echo.Context) error {
	var in defaultRulesRequest
	if c.Request().ContentLength > 0 {
		if err := bindAndValidate(c, &in); err != nil {
			return h.httpError(c, err)
		}
	}
	rules, err := h.settings.InitializeDefaultRules(c.Request().Context(), tenantOf(c), c.Param("test_code"), in.TestName)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RuleUpdate
	if err := bindAndValidate(c, &in); err != nil {
		return h.httpError(c, err)
	}
	r, err := h.settings.UpdateRule(c.Request().Context(), tenantOf(c), id, in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) EnableRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.settings.EnableRule(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DisableRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.settings.DisableRule(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.settings.DeleteRule(c.Request().Context(), tenantOf(c), id); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- helpers --

func (h *Handler) bounds() pagination.Bounds {
	l := h.svc.Limits()
	return pagination.Bounds{Default: l.QueueDefaultLimit, Max: l.QueueMaxLimit}
}

func tenantOf(c echo.Context) string {
	return db.TenantFromContext(c.Request().Context())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return err
	}
	return c.Validate(v)
}

// httpError maps service errors onto HTTP status codes.
func (h *Handler) httpError(c echo.Context, err error) error {
	var (
		httpErr *echo.HTTPError
		valErr  *validate.Error
		cfgErr  *RuleConfigError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &valErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "validation failed",
			"fields":  valErr.Fields,
		})
	case errors.As(err, &cfgErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, ErrResultNotFound), errors.Is(err, ErrSampleNotFound), errors.Is(err, ErrReviewNotFound),
		errors.Is(err, ErrRuleNotFound), errors.Is(err, ErrSettingsNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, ErrReviewStateTransition), errors.Is(err, ErrReviewAlreadyExists),
		errors.Is(err, ErrRuleAlreadyExists), errors.Is(err, ErrSettingsAlreadyExist),
		errors.Is(err, ErrVersionConflict), errors.Is(err, ErrResultImmutable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, ErrInvalidReviewDecision), errors.Is(err, ErrInvalidConfiguration):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, ErrStoreUnavailable):
		c.Response().Header().Set("Retry-After", strconv.Itoa(1))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable, retry later")
	}

	h.logger.Error().Err(err).Str("tenant_id", tenantOf(c)).Str("path", c.Path()).Msg("unhandled error")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
