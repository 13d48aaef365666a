package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// Pagination is a parsed limit/offset window.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset. A zero limit means the default.
func ParsePagination(q url.Values) (Pagination, error) {
	limit, err := queryInt(q, "limit", defaultPageLimit, maxPageLimit)
	if err != nil {
		return Pagination{}, err
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	offset, err := queryInt(q, "offset", 0, -1)
	if err != nil {
		return Pagination{}, err
	}
	return Pagination{Limit: limit, Offset: offset}, nil
}

func pageOf[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	return items[p.Offset:min(p.Offset+p.Limit, len(items))]
}

// Sorting is a parsed sort_by/sort_order pair.
type Sorting struct {
	Field string
	Desc  bool
}

// ParseSorting reads sort_by, restricted to allowed, and sort_order
// (asc|desc, default asc).
func ParseSorting(q url.Values, allowed []string, defaultField string) (Sorting, error) {
	s := Sorting{Field: defaultField}
	if v := q.Get("sort_by"); v != "" {
		if !slices.Contains(allowed, v) {
			return s, fmt.Errorf("sort_by: must be one of %s", strings.Join(allowed, ", "))
		}
		s.Field = v
	}
	switch strings.ToLower(q.Get("sort_order")) {
	case "", "asc":
	case "desc":
		s.Desc = true
	default:
		return s, fmt.Errorf("sort_order: must be asc or desc")
	}
	return s, nil
}

// sortBy orders items by key, stable, honoring s.Desc.
func sortBy[T any](items []T, s Sorting, key func(T) string) {
	slices.SortStableFunc(items, func(a, b T) int {
		c := strings.Compare(key(a), key(b))
		if s.Desc {
			return -c
		}
		return c
	})
}

// queryInt parses a non-negative integer parameter. max < 0 means unbounded.
func queryInt(q url.Values, key string, def, max int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", key)
	}
	if max >= 0 && n > max {
		return 0, fmt.Errorf("%s: must be <= %d", key, max)
	}
	return n, nil
}

// queryBool parses an optional boolean parameter; nil when absent.
func queryBool(q url.Values, key string) (*bool, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s: must be true or false", key)
	}
	return &b, nil
}

// pathParam returns a trimmed path wildcard.
func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
