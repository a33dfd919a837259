package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Bounds are the default and maximum page sizes of a listing.
type Bounds struct {
	Default int
	Max     int
}

var DefaultBounds = Bounds{Default: DefaultLimit, Max: MaxLimit}

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and skip (or offset) from the query string.
// Missing or non-positive limits take b.Default; larger ones are capped at b.Max.
func FromContext(c echo.Context, b Bounds) Params {
	if b.Default <= 0 {
		b.Default = DefaultLimit
	}
	if b.Max < b.Default {
		b.Max = b.Default
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = b.Default
	}
	if limit > b.Max {
		limit = b.Max
	}

	offset, err := strconv.Atoi(c.QueryParam("skip"))
	if err != nil {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Skip    int         `json:"skip"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Skip:    offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
