package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/Resinat/streamguard/internal/status"
)

var streamSortFields = []string{"channel", "updated_at"}

// HandleListStreams returns a handler for GET /api/v1/streams.
//
// Query: proxied (bool filter), sort_by (channel|updated_at), sort_order,
// limit, offset.
func HandleListStreams(streams StreamStatuses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		proxied, err := queryBool(q, "proxied")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		sorting, err := ParseSorting(q, streamSortFields, "channel")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		pg, err := ParsePagination(q)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		all := streams.List()
		items := make([]status.StreamStatus, 0, len(all))
		for _, s := range all {
			if proxied != nil && s.Proxied != *proxied {
				continue
			}
			items = append(items, s)
		}
		sortBy(items, sorting, func(s status.StreamStatus) string {
			if sorting.Field == "updated_at" {
				return s.UpdatedAt.UTC().Format(time.RFC3339Nano)
			}
			return s.Channel
		})
		WritePage(w, http.StatusOK, items, pg)
	}
}

// HandleGetStream returns a handler for GET /api/v1/streams/{channel}.
func HandleGetStream(streams StreamStatuses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := pathParam(r, "channel")
		s, ok := streams.Get(channel)
		if !ok {
			writeNotFound(w, "no status for channel "+channel)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

// HandleDeleteStream returns a handler for DELETE /api/v1/streams/{channel}.
// It drops the channel's viewer state and status; deleting an unknown channel
// succeeds.
func HandleDeleteStream(forget func(channel string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := strings.ToLower(pathParam(r, "channel"))
		if channel == "" {
			writeInvalidArgument(w, "channel is required")
			return
		}
		if forget != nil {
			forget(channel)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
