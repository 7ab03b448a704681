package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// queryInt returns the positive integer query parameter name, or def.
func queryInt(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}

// paginate cuts the page selected by the "limit" and "offset" query
// parameters out of items. Invalid values fall back to the defaults and limit
// is capped at maxPageLimit. The page is never nil, so it encodes as [].
func paginate[T any](r *http.Request, items []T) ([]T, PaginationMeta) {
	limit := min(queryInt(r, "limit", defaultPageLimit), maxPageLimit)
	offset := queryInt(r, "offset", 0)

	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	page := make([]T, end-start)
	copy(page, items[start:end])
	return page, PaginationMeta{
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < total,
	}
}
