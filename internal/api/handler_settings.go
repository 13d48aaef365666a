package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/Resinat/streamguard/internal/settings"
)

// HandleGetSettings returns a handler for GET /api/v1/settings.
func HandleGetSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, store.Current())
	}
}

// HandlePutSettings returns a handler for PUT /api/v1/settings. The body is a
// complete session config; omitted fields take their default values.
func HandlePutSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := settings.DefaultSessionConfig()
		if err := decodeJSONBody(r, &cfg); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		snap, err := store.Update(r.Context(), cfg)
		if err != nil {
			writeSettingsError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// HandleResetSettings returns a handler for POST /api/v1/settings/reset.
func HandleResetSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := store.Reset(r.Context())
		if err != nil {
			writeSettingsError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// HandleExportSettings returns a handler for GET /api/v1/settings/export.
func HandleExportSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := settings.ExportYAML(&buf, store.Current().Config, time.Now()); err != nil {
			writeInternal(w)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="streamguard-settings.yaml"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

// HandleImportSettings returns a handler for POST /api/v1/settings/import,
// accepting a document written by the export route.
func HandleImportSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		cfg, err := settings.ImportYAML(bytes.NewReader(body))
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		snap, err := store.Update(r.Context(), cfg)
		if err != nil {
			writeSettingsError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}
