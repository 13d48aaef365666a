package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Resinat/streamguard/internal/state"
)

// HandleListAdLog returns a handler for GET /api/v1/ad-log, newest first.
//
// Query: channel, limit, offset.
func HandleListAdLog(log AdLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pg, err := ParsePagination(q)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		channel := strings.ToLower(strings.TrimSpace(q.Get("channel")))

		entries, err := log.ListAdLog(r.Context(), channel, pg.Offset+pg.Limit)
		if err != nil {
			writeInternal(w)
			return
		}
		WriteJSON(w, http.StatusOK, PageResponse[state.AdLogEntry]{
			Items:  pageOf(entries, pg),
			Total:  len(entries),
			Limit:  pg.Limit,
			Offset: pg.Offset,
		})
	}
}

// HandleGetAdLog returns a handler for GET /api/v1/ad-log/{id}.
func HandleGetAdLog(log AdLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeInvalidArgument(w, "id: must be a positive integer")
			return
		}
		entry, err := log.GetAdLog(r.Context(), id)
		if errors.Is(err, state.ErrNotFound) {
			writeNotFound(w, "ad log entry not found")
			return
		}
		if err != nil {
			writeInternal(w)
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	}
}
