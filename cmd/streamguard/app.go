package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/adlog"
	"github.com/Resinat/streamguard/internal/api"
	"github.com/Resinat/streamguard/internal/background"
	"github.com/Resinat/streamguard/internal/buildinfo"
	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/config"
	"github.com/Resinat/streamguard/internal/content"
	"github.com/Resinat/streamguard/internal/gateway"
	"github.com/Resinat/streamguard/internal/geoip"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/metrics"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/player"
	"github.com/Resinat/streamguard/internal/selector"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/state"
	"github.com/Resinat/streamguard/internal/status"
)

// app holds every long-lived component of the serve command.
type app struct {
	cfg    *config.EnvConfig
	logger zerolog.Logger

	stateCloser io.Closer
	settings    *settings.Manager
	metrics     *metrics.Metrics
	bus         *bus.Bus
	geo         *geoip.Service
	adlog       *adlog.Service
	background  *background.Background
	challenges  *background.Challenges
	transport   *outbound.Transport
	content     *content.Content
	page        *player.Page
	gateway     *gateway.Gateway
	api         *api.Server
}

func run() error {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		return err
	}

	serverErrCh := a.startServer()
	runtimeErr := waitForShutdown(a.logger, serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

// newApp builds the components bottom-up: persistence, the authoritative
// settings store, the bus, then the contexts in relay order.
func newApp(ctx context.Context, cfg *config.EnvConfig) (a *app, err error) {
	a = &app{cfg: cfg, logger: logging.Component("main")}
	defer func() {
		if err != nil {
			a.shutdown(context.Background())
		}
	}()

	if config.IsWeakToken(cfg.AdminToken) {
		a.logger.Warn().Msg("STREAMGUARD_ADMIN_TOKEN is weak; use a longer random token")
	} else if cfg.AdminToken == "" {
		a.logger.Warn().Msg("STREAMGUARD_ADMIN_TOKEN is empty; the control API is unauthenticated")
	}

	repo, closer, err := state.Bootstrap(cfg.StateDir)
	if err != nil {
		return a, fmt.Errorf("state bootstrap: %w", err)
	}
	a.stateCloser = closer
	a.logger.Info().Str("dir", cfg.StateDir).Msg("state bootstrap complete")

	a.settings, err = settings.NewManager(ctx, repo)
	if err != nil {
		return a, err
	}
	current := func() settings.SessionConfig { return a.settings.Current().Config }

	a.metrics = metrics.New()
	a.bus = bus.New(bus.Options{
		Timeout:   cfg.BusTimeout,
		OnTimeout: a.metrics.BusTimeout,
	})

	a.geo, err = geoip.NewService(geoip.ServiceConfig{
		Path:           cfg.GeoIPPath,
		ReloadSchedule: cfg.GeoIPReloadSchedule,
	})
	if err != nil {
		return a, err
	}
	switch err := a.geo.Start(); {
	case errors.Is(err, geoip.ErrDisabled):
		a.logger.Info().Msg("GeoIP disabled, proxy countries come from manifest reports only")
	case err != nil:
		a.logger.Warn().Err(err).Msg("GeoIP unavailable")
	}

	a.adlog = adlog.NewService(adlog.ServiceConfig{
		Store:         repo,
		QueueSize:     cfg.AdLogQueueSize,
		FlushBatch:    cfg.AdLogFlushBatch,
		FlushInterval: cfg.AdLogFlushInterval,
		Retention:     cfg.AdLogRetention,
		PurgeSchedule: cfg.AdLogPurgeSchedule,
		Enabled:       func() bool { return current().AdLogEnabled },
	})
	if err := a.adlog.Start(); err != nil {
		return a, err
	}

	hosts := classify.DefaultHostTable()
	sel := selector.New(selector.Config{Hosts: hosts, Settings: current})
	agg := status.New(status.Config{ChannelOf: sel.ChannelOf, Geo: a.geo})

	a.background, err = background.Start(background.Config{
		Bus:                    a.bus,
		Selector:               sel,
		Status:                 agg,
		Metrics:                a.metrics,
		AdLog:                  a.adlog,
		Allowance:              cfg.FullModeAllowance,
		ManifestIndexAllowance: cfg.ManifestIndexAllowance,
	})
	if err != nil {
		return a, err
	}

	a.challenges = background.NewChallenges(cfg.ChallengeTTL)
	a.challenges.Start()

	a.transport = outbound.NewTransport(outbound.Config{
		Selector:              sel,
		Credentials:           a.challenges,
		Observe:               a.background.ObserveConnection,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		IdleConnTimeout:       cfg.TransportIdleConnTimeout,
	})

	a.content, err = content.Start(a.bus, a.settings)
	if err != nil {
		return a, err
	}

	opts := player.Options{
		Bus:      a.bus,
		Next:     a.transport,
		Hosts:    hosts,
		FlagMode: cfg.FlagMode,
		OnFlag:   a.metrics.FlagRequest,
	}
	a.page, err = player.StartPage(ctx, player.PageConfig{Options: opts, AuthToken: cfg.TwitchAuthToken})
	if err != nil {
		return a, err
	}

	a.gateway = gateway.New(gateway.Config{
		Page: a.page,
		NewViewer: func(ctx context.Context, channel string) (gateway.Viewer, error) {
			return player.StartWorker(ctx, player.WorkerConfig{
				Options:         opts,
				ID:              channel,
				TokensPerSecond: cfg.TokenFetchesPerSecond,
			})
		},
		Hosts:       hosts,
		MaxRetries:  cfg.GatewayMaxRetries,
		IdleTimeout: cfg.GatewayIdleTimeout,
	})
	a.gateway.Start()

	a.api = api.NewServer(cfg.ListenAddress, cfg.Port, cfg.AdminToken, int64(cfg.APIMaxBodyBytes), api.Deps{
		SystemInfo:   buildinfo.Current(),
		SystemConfig: cfg.View(),
		Settings:     a.settings,
		Streams:      agg,
		Forget:       a.gateway.Forget,
		FullMode:     a.background,
		Selector:     sel,
		AdLog:        repo,
		Warnings:     func() any { return a.content.Warnings() },
		Metrics:      a.metrics.Handler(),
		Gateway:      a.gateway,
	})
	return a, nil
}

func (a *app) startServer() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("address", a.cfg.ListenAddress).
			Int("port", a.cfg.Port).
			Str("version", buildinfo.Version).
			Msg("streamguard starting")
		if err := a.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(logger zerolog.Logger, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
		return err
	}
}

// shutdown stops event sources first, then the contexts, then the sinks and
// persistence. Components that were never built are skipped.
func (a *app) shutdown(ctx context.Context) {
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("server shutdown")
		}
	}
	if a.gateway != nil {
		a.gateway.Stop()
	}
	if a.page != nil {
		a.page.Close()
	}
	if a.content != nil {
		a.content.Close()
	}
	if a.challenges != nil {
		a.challenges.Stop()
	}
	if a.background != nil {
		a.background.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	if a.adlog != nil {
		a.adlog.Stop()
	}
	if a.geo != nil {
		a.geo.Stop()
	}
	if a.stateCloser != nil {
		if err := a.stateCloser.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("state close")
		}
	}
	a.logger.Info().Msg("streamguard stopped")
}
