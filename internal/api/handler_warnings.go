package api

import "net/http"

// HandleWarnings returns a handler for GET /api/v1/warnings.
func HandleWarnings(warnings func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"warnings": warnings()})
	}
}
