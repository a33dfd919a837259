package verification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ivd/middleware/internal/domain/review"
	"github.com/ivd/middleware/internal/platform/auth"
	"github.com/ivd/middleware/pkg/pagination"
)

// -- Review Handlers --

func (h *Handler) ListOpenReviews(c echo.Context) error {
	pg := pagination.FromContext(c, h.bounds())
	items, total, err := h.svc.ListOpenReviews(c.Request().Context(), tenantOf(c), pg.Offset, pg.Limit)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(nonNilReviews(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) ListReviews(c echo.Context) error {
	pg := pagination.FromContext(c, h.bounds())
	f := review.ListFilter{
		State:      review.State(c.QueryParam("state")),
		ReviewerID: c.QueryParam("reviewer_id"),
	}
	if c.QueryParam("open") == "true" {
		f.OpenOnly = true
	}
	if raw := c.QueryParam("sample_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid sample_id")
		}
		f.SampleID = &id
	}
	items, total, err := h.svc.ListReviews(c.Request().Context(), tenantOf(c), f, pg.Offset, pg.Limit)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(nonNilReviews(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) GetReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rv, err := h.svc.GetReview(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rv)
}

type createReviewRequest struct {
	SampleID  uuid.UUID   `json:"sample_id" validate:"required"`
	ResultIDs []uuid.UUID `json:"result_ids" validate:"required,min=1"`
	Reason    string      `json:"reason" validate:"notblank,max=1000"`
}

func (h *Handler) CreateReview(c echo.Context) error {
	var req createReviewRequest
	if err := bindAndValidate(c, &req); err != nil {
		return h.httpError(c, err)
	}
	rv, err := h.svc.CreateReview(c.Request().Context(), tenantOf(c), req.SampleID, req.ResultIDs, req.Reason)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rv)
}

type claimRequest struct {
	ReviewerID string `json:"reviewer_id" validate:"max=255"`
}

// ClaimReview assigns the review to the caller. An admin may claim on behalf
// of another reviewer by naming reviewer_id.
func (h *Handler) ClaimReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req claimRequest
	if c.Request().ContentLength > 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return h.httpError(c, err)
		}
	}
	ctx := c.Request().Context()
	reviewer := auth.UserIDFromContext(ctx)
	if req.ReviewerID != "" && auth.HasRole(auth.RolesFromContext(ctx), auth.RoleAdmin) {
		reviewer = req.ReviewerID
	}
	if reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer is required")
	}
	rv, err := h.svc.ClaimReview(ctx, tenantOf(c), id, reviewer)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rv)
}

func (h *Handler) ReleaseReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rv, err := h.svc.ReleaseReview(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rv)
}

func (h *Handler) DecideReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req review.DecideRequest
	if err := bindAndValidate(c, &req); err != nil {
		return h.httpError(c, err)
	}
	req.DecidedBy = auth.UserIDFromContext(c.Request().Context())
	if req.DecidedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decided_by is required")
	}
	out, err := h.svc.DecideReview(c.Request().Context(), tenantOf(c), id, req)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func nonNilReviews(items []*review.Review) []*review.Review {
	if items == nil {
		return []*review.Review{}
	}
	return items
}
