package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/bbernstein/lacylights-audio/internal/api"
	"github.com/bbernstein/lacylights-audio/internal/config"
	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/database"
	"github.com/bbernstein/lacylights-audio/internal/database/repositories"
	"github.com/bbernstein/lacylights-audio/internal/graphql/resolvers"
	"github.com/bbernstein/lacylights-audio/internal/logging"
	"github.com/bbernstein/lacylights-audio/internal/metrics"
	"github.com/bbernstein/lacylights-audio/internal/services/automation"
	"github.com/bbernstein/lacylights-audio/internal/services/duration"
	"github.com/bbernstein/lacylights-audio/internal/services/engine"
	"github.com/bbernstein/lacylights-audio/internal/services/mixer"
	"github.com/bbernstein/lacylights-audio/internal/services/playback"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
	"github.com/bbernstein/lacylights-audio/internal/services/relay"
	"github.com/bbernstein/lacylights-audio/internal/services/remote"
	"github.com/bbernstein/lacylights-audio/internal/services/settings"
	"github.com/bbernstein/lacylights-audio/internal/services/waveform"
	"github.com/bbernstein/lacylights-audio/internal/services/wshub"
)

// channelServer is a listener that can be started, restarted and stopped
// at runtime.
type channelServer interface {
	Start(port int) error
	Stop() error
	State() wshub.State
}

// app holds every service of a running server.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *gorm.DB
	metrics    *metrics.Metrics
	ps         *pubsub.PubSub
	settings   *settings.Service
	store      *cues.Store
	playback   *playback.Service
	relay      *relay.Relay
	automation *automation.Hub
	remote     *remote.Server
	mixer      *mixer.Manager
	engine     *engine.Bridge
	peaks      *waveform.Pipeline

	httpServer *http.Server
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.Setup(cfg.Env, cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger}

	db, err := database.Connect(database.Config{
		URL:         cfg.DatabaseURL,
		MaxIdleConn: 2,
		MaxOpenConn: 4,
		Debug:       cfg.IsDevelopment(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.db = db

	a.metrics = metrics.New()
	a.ps = pubsub.New()
	a.ps.SetDropCallback(func(topic pubsub.Topic) {
		a.metrics.SendSkipped(string(topic))
	})

	a.settings = settings.NewService(repositories.NewSettingRepository(db), settings.Defaults(cfg), logger)
	if err := a.settings.Load(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("using default settings")
	}

	resolver := duration.NewResolver(logger,
		duration.WithMaxFileSize(int64(cfg.DurationMaxFileMB)<<20),
		duration.WithMetrics(a.metrics),
	)
	a.store = cues.NewStore(cfg.CuesFile, resolver, nil, logger)
	if err := a.store.Load(); err != nil {
		logger.Error().Err(err).Msg("starting with an empty cue list")
	}

	a.playback = playback.NewService(logger)
	a.relay = relay.New(a.ps, a.store, a.playback, a.metrics, logger)
	a.store.SetListener(a.relay)
	a.playback.SetStatusCallback(a.relay.HandleStatus)
	a.playback.SetTimeCallback(a.relay.HandleTimeUpdate)

	a.engine = engine.NewBridge(a.playback, a.store, logger)
	a.automation = automation.NewHub(a.ps, a.playback, a.relay, a.metrics, logger)
	a.remote = remote.NewServer(a.ps, a.playback, a.relay, remote.Options{
		TriggerWindow: cfg.RemoteDebounce,
		RelayLockTime: cfg.RemoteRelayLockTime,
	}, a.metrics, logger)
	a.mixer = mixer.NewManager(a.ps, a.store, a.playback, cfg.MixerKeepAlive, a.metrics, logger)

	a.peaks = waveform.NewPipeline(newPeakWorker(cfg, logger), waveform.Config{
		Timeout:    cfg.WaveformTimeout,
		MaxRetries: cfg.WaveformMaxRetries,
	}, a.metrics, logger)

	gql := resolvers.NewServer(resolvers.NewResolver(a.store, a.settings, a.playback, a.ps, a.status, logger))

	a.httpServer = &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Deps{
			Cues:        a.store,
			Settings:    a.settings,
			Peaks:       a.peaks,
			Engine:      a.engine,
			GraphQL:     gql,
			Metrics:     a.metrics,
			Status:      a.status,
			Version:     Version,
			CORSOrigins: corsOrigins(cfg),
			Debug:       cfg.IsDevelopment(),
			Logger:      logger,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.settings.OnChange(a.applySettings)
	return a, nil
}

func newPeakWorker(cfg *config.Config, logger zerolog.Logger) waveform.Worker {
	inProcess := &waveform.InProcessWorker{Compute: waveform.NewComputer().Compute}
	if !cfg.WaveformIsolated {
		return inProcess
	}
	worker, err := waveform.NewSelfWorker()
	if err != nil {
		logger.Warn().Err(err).Msg("waveform worker process unavailable, generating in-process")
		return inProcess
	}
	return worker
}

func corsOrigins(cfg *config.Config) []string {
	origins := []string{"http://localhost:3000", "http://localhost:4000"}
	for _, o := range strings.Split(cfg.CORSOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// run starts every service and blocks until SIGINT or SIGTERM.
func (a *app) run() error {
	current := a.settings.Get()
	a.applySettings(settings.Settings{}, current)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.httpServer.Addr).Msg("API server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case err := <-serveErr:
		runErr = fmt.Errorf("api server: %w", err)
	}

	a.logger.Info().Msg("shutting down gracefully...")
	a.shutdown()
	a.logger.Info().Msg("server stopped")
	return runErr
}

// applySettings moves every runtime component to next. prev is the zero
// value on startup.
func (a *app) applySettings(prev, next settings.Settings) {
	applyChannel(a.automation, "automation", prev.Automation, next.Automation, a.logger)
	applyChannel(a.remote, "remote", prev.Remote, next.Remote, a.logger)

	if prev.Mixer != next.Mixer {
		if err := a.mixer.Configure(next.Mixer); err != nil {
			a.logger.Error().Err(err).Msg("mixer integration not started")
		}
	}
}

// applyChannel starts, restarts or stops srv so it matches next. A listener
// already serving the wanted port is left alone.
func applyChannel(srv channelServer, name string, prev, next settings.Channel, logger zerolog.Logger) {
	log := logger.With().Str("channel", name).Logger()

	if !next.Enabled {
		if err := srv.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop")
		}
		return
	}
	if srv.State() == wshub.StateListening && prev.Enabled && prev.Port == next.Port {
		return
	}
	if err := srv.Start(next.Port); err != nil {
		log.Error().Err(err).Int("port", next.Port).Msg("failed to start")
		return
	}
	log.Info().Int("port", next.Port).Msg("listening")
}

// channelStatus is one entry of GET /api/status.
type channelStatus struct {
	State   string `json:"state"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
	Clients int    `json:"clients"`
}

func (a *app) status() any {
	s := a.settings.Get()
	return map[string]any{
		"automation": channelStatus{
			State:   a.automation.State().String(),
			Port:    s.Automation.Port,
			Enabled: s.Automation.Enabled,
			Clients: a.automation.ClientCount(),
		},
		"remote": channelStatus{
			State:   a.remote.State().String(),
			Port:    s.Remote.Port,
			Enabled: s.Remote.Enabled,
			Clients: a.remote.ClientCount(),
		},
		"mixer": map[string]bool{
			"enabled":   s.Mixer.Enabled,
			"connected": a.mixer.Connected(),
		},
		"engine": map[string]bool{
			"connected": a.engine.Connected(),
		},
	}
}

// shutdown stops the listeners in parallel, then releases the services in
// reverse order of creation.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.automation.Stop(); err != nil {
			return fmt.Errorf("automation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.remote.Stop(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	a.engine.Close()
	a.mixer.Close()
	a.remote.Close()
	a.automation.Close()
	if err := database.Close(a.db); err != nil {
		a.logger.Error().Err(err).Msg("failed to close database")
	}
}
