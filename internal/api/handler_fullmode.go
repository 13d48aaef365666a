package api

import (
	"net/http"

	"github.com/Resinat/streamguard/internal/fullmode"
)

type fullModeResponse struct {
	Windows []fullmode.Window `json:"windows"`
}

// HandleFullMode returns a handler for GET /api/v1/full-mode.
func HandleFullMode(windows Windows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := windows.Windows()
		if active == nil {
			active = []fullmode.Window{}
		}
		WriteJSON(w, http.StatusOK, fullModeResponse{Windows: active})
	}
}
