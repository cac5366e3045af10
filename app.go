package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/config"
	"github.com/dgnsrekt/readaloud/internal/coordinator"
	"github.com/dgnsrekt/readaloud/internal/history"
	"github.com/dgnsrekt/readaloud/internal/orchestrator"
	"github.com/dgnsrekt/readaloud/internal/page"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/internal/surface"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/telemetry"
	"github.com/dgnsrekt/readaloud/internal/transport"
	"github.com/dgnsrekt/readaloud/ui"
)

const shutdownTimeout = 5 * time.Second

// app holds every component of a running readaloud process.
type app struct {
	bus     *transport.Bus
	tel     *telemetry.Telemetry
	cache   *cache.Manager
	history *history.Store
	pageSub *transport.Subscription
	host    *surface.LocalHost
	service *coordinator.Service
	remote  *ui.BusRemote
	logger  *log.Logger
}

// startApp connects the bus and starts the background context, the page
// accessor and the audio surface host on it.
func startApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{logger: logger}
	started := false
	defer func() {
		if !started {
			a.Close()
		}
	}()

	var err error
	a.bus, err = transport.Connect(cfg.BusConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to the message bus: %w", err)
	}

	a.tel, err = telemetry.Setup(ctx, cfg.TelemetryConfig(), logger)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		a.cache, err = cache.NewManager(cfg.CacheConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("unable to open audio cache: %w", err)
		}
	}

	a.history, err = history.Open(ctx, cfg.HistoryConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("unable to open history: %w", err)
	}

	pages := page.New(page.Config{
		Timeout:  cfg.Page.Timeout,
		MaxBytes: cfg.Page.MaxBytes,
		Logger:   logger,
	})
	a.pageSub, err = pages.Serve(a.bus, protocol.SubjectPage)
	if err != nil {
		return nil, err
	}

	a.host = surface.NewLocalHost(a.bus, func() (audio.Renderer, error) {
		return audio.NewOtoRenderer(audio.DefaultPlayerConfig())
	}, surface.Options{Rate: cfg.PlaybackRate, Logger: logger})
	sink := surface.NewManager(a.bus, a.host, "", logger)

	events := func(p protocol.Progress) {
		if err := a.bus.Publish(protocol.SubjectProgress, p); err != nil {
			logger.Debug("unable to publish progress", "error", err)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Synth:       synth.NewClient(cfg.SynthConfig(logger)),
		Sink:        sink,
		Events:      events,
		Cache:       a.cache,
		History:     a.history,
		Telemetry:   a.tel,
		Logger:      logger,
		ChunkMaxLen: cfg.ChunkMaxLen,
		Rate:        cfg.PlaybackRate,
	})

	defaults, err := defaultsFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to load voice: %w", err)
	}
	service := coordinator.New(coordinator.Config{
		Bus:            a.bus,
		Orchestrator:   orch,
		Surface:        sink,
		Events:         events,
		Defaults:       defaults,
		Logger:         logger,
		PageRetries:    cfg.Page.Retries,
		PageRetryDelay: cfg.Page.RetryDelay,
	})
	if err := service.Start(); err != nil {
		return nil, err
	}
	a.service = service

	a.remote, err = ui.NewBusRemote(a.bus, logger)
	if err != nil {
		return nil, err
	}
	started = true
	return a, nil
}

// Close tears the components down in reverse order of creation.
func (a *app) Close() {
	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.service != nil {
		errs = append(errs, a.service.Close())
	}
	if a.host != nil {
		errs = append(errs, a.host.Close())
	}
	if a.pageSub != nil {
		errs = append(errs, a.pageSub.Unsubscribe())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.tel.Shutdown(ctx))
		cancel()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
