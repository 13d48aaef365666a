package api

import "net/http"

type healthzResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	SettingsVersion uint64 `json:"settings_version"`
}

// HandleHealthz serves GET /healthz without authentication. It reports the
// build version and the settings version currently applied.
func HandleHealthz(version string, store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{Status: "ok", Version: version}
		if store != nil {
			resp.SettingsVersion = store.Current().Version
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
