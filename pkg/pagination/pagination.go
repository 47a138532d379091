package pagination

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/verifid/kyc-service/pkg/common"
)

const (
	// DefaultLimit is the default number of items per page.
	DefaultLimit = 20
	// MaxLimit is the maximum number of items per page.
	MaxLimit = 100
)

// Params represents 1-based page/limit pagination parameters.
type Params struct {
	Page  int
	Limit int
}

// ParseParams extracts and sanitizes pagination parameters from the request
// query string (?page=&limit=).
func ParseParams(c *gin.Context) Params {
	params := Params{Page: 1, Limit: DefaultLimit}

	if page, err := strconv.Atoi(c.Query("page")); err == nil && page > 0 {
		params.Page = page
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 {
		params.Limit = limit
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	return params
}

// Offset converts the 1-based page into a row offset.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// BuildMeta creates pagination metadata for responses.
func BuildMeta(p Params, total int64) *common.Meta {
	meta := &common.Meta{
		Page:  p.Page,
		Limit: p.Limit,
		Total: total,
	}
	if p.Limit > 0 {
		meta.TotalPages = int(math.Ceil(float64(total) / float64(p.Limit)))
	}
	return meta
}
