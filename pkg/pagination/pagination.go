package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Params holds validated page/limit values from a list request.
type Params struct {
	Page  int
	Limit int
}

// Parse reads page and limit from the query string, falling back to
// sane defaults and capping limit so a single request cannot dump the
// whole table.
func Parse(c *gin.Context) Params {
	p := Params{Page: 1, Limit: defaultLimit}

	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		p.Limit = v
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// Offset converts the params into a SQL offset.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pages reports how many pages a result set of total rows spans.
func (p Params) Pages(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return (total + int64(p.Limit) - 1) / int64(p.Limit)
}
