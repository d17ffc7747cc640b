package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPage    = 1
	defaultPerPage = 50
	maxPerPage     = 200
)

// PaginationParams holds parsed pagination query parameters.
type PaginationParams struct {
	Page    int
	PerPage int
}

// ParsePagination extracts page and per_page from the query string.
// Defaults: page=1, per_page=50. per_page is capped at 200.
func ParsePagination(r *http.Request) PaginationParams {
	p := PaginationParams{Page: defaultPage, PerPage: defaultPerPage}
	q := r.URL.Query()

	if n, ok := positiveInt(q.Get("page")); ok {
		p.Page = n
	}
	if n, ok := positiveInt(q.Get("per_page")); ok {
		p.PerPage = min(n, maxPerPage)
	}
	return p
}

func positiveInt(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n > 0
}

// Limit returns the database limit for the current page.
func (p PaginationParams) Limit() int {
	return p.PerPage
}

// Offset returns the database offset for the current page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// TotalPages calculates the number of pages needed for total rows.
func (p PaginationParams) TotalPages(total int64) int {
	if p.PerPage <= 0 {
		return 0
	}
	per := int64(p.PerPage)
	return int((total + per - 1) / per)
}
