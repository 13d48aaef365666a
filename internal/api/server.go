package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Resinat/streamguard/internal/buildinfo"
	"github.com/Resinat/streamguard/internal/fullmode"
	"github.com/Resinat/streamguard/internal/selector"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/state"
	"github.com/Resinat/streamguard/internal/status"
)

// SettingsStore is the authoritative settings store.
type SettingsStore interface {
	Current() settings.Snapshot
	Update(ctx context.Context, cfg settings.SessionConfig) (settings.Snapshot, error)
	Reset(ctx context.Context) (settings.Snapshot, error)
}

// StreamStatuses lists per-channel stream status.
type StreamStatuses interface {
	List() []status.StreamStatus
	Get(channel string) (status.StreamStatus, bool)
}

// Windows lists active full-mode windows.
type Windows interface {
	Windows() []fullmode.Window
}

// ProxySelector answers the proxy-selection contract.
type ProxySelector interface {
	Select(selector.Request) selector.Decision
}

// AdLog reads persisted ad detections.
type AdLog interface {
	ListAdLog(ctx context.Context, channel string, limit int) ([]state.AdLogEntry, error)
	GetAdLog(ctx context.Context, id int64) (state.AdLogEntry, error)
}

// Routes registers additional routes, such as the HLS gateway.
type Routes interface {
	Register(mux *http.ServeMux)
}

// Deps are the components served by the API. Settings, Streams, FullMode and
// Selector are required; the rest are optional and their routes are omitted
// when nil.
type Deps struct {
	SystemInfo buildinfo.Info

	// SystemConfig is the effective process configuration, already redacted.
	SystemConfig any

	Settings SettingsStore
	Streams  StreamStatuses

	// Forget drops the viewer state of a channel.
	Forget func(channel string)

	FullMode Windows
	Selector ProxySelector
	AdLog    AdLog
	Warnings func() any
	Metrics  http.Handler
	Gateway  Routes
}

// Server wraps the HTTP server and mux of the control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes. An empty adminToken
// disables authentication.
func NewServer(listenAddress string, port int, adminToken string, maxBodyBytes int64, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz(deps.SystemInfo.Version, deps.Settings))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(deps.SystemInfo))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(deps.SystemConfig))

	authed.Handle("GET /api/v1/settings", HandleGetSettings(deps.Settings))
	authed.Handle("PUT /api/v1/settings", HandlePutSettings(deps.Settings))
	authed.Handle("POST /api/v1/settings/reset", HandleResetSettings(deps.Settings))
	authed.Handle("GET /api/v1/settings/export", HandleExportSettings(deps.Settings))
	authed.Handle("POST /api/v1/settings/import", HandleImportSettings(deps.Settings))

	authed.Handle("GET /api/v1/streams", HandleListStreams(deps.Streams))
	authed.Handle("GET /api/v1/streams/{channel}", HandleGetStream(deps.Streams))
	authed.Handle("DELETE /api/v1/streams/{channel}", HandleDeleteStream(deps.Forget))

	authed.Handle("GET /api/v1/full-mode", HandleFullMode(deps.FullMode))
	authed.Handle("GET /api/v1/proxy/select", HandleProxySelect(deps.Selector))

	if deps.AdLog != nil {
		authed.Handle("GET /api/v1/ad-log", HandleListAdLog(deps.AdLog))
		authed.Handle("GET /api/v1/ad-log/{id}", HandleGetAdLog(deps.AdLog))
	}
	if deps.Warnings != nil {
		authed.Handle("GET /api/v1/warnings", HandleWarnings(deps.Warnings))
	}

	limitedAuthed := RequestBodyLimitMiddleware(maxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	if deps.Gateway != nil {
		deps.Gateway.Register(mux)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
