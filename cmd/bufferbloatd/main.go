// Command bufferbloatd is the bufferbloat test service. Run bare it is
// the main router: it serves the client bundle and the top-level API,
// spawns one persona worker process per household role, and runs the
// isolated ping listener. Run with --persona it is one of those workers:
// a single-persona WebSocket traffic server on its assigned port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librenet/bufferbloat-test/internal/cache"
	"github.com/librenet/bufferbloat-test/internal/config"
	"github.com/librenet/bufferbloat-test/internal/httpapi"
	"github.com/librenet/bufferbloat-test/internal/logger"
	"github.com/librenet/bufferbloat-test/internal/middleware"
	"github.com/librenet/bufferbloat-test/internal/natsbus"
	"github.com/librenet/bufferbloat-test/internal/pool"
	"github.com/librenet/bufferbloat-test/internal/ratelimit"
	"github.com/librenet/bufferbloat-test/internal/scheduler"
	"github.com/librenet/bufferbloat-test/internal/session"
	"github.com/librenet/bufferbloat-test/internal/store"
	"github.com/librenet/bufferbloat-test/internal/supervisor"
	"github.com/librenet/bufferbloat-test/internal/telemetry"
	"github.com/librenet/bufferbloat-test/internal/wsapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return err
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.Persona != nil && *flags.Persona != "" {
		return runWorker(ctx, cfg, session.Persona(*flags.Persona), flags)
	}
	return runRouter(ctx, cfg, yamlPath)
}

// personaPorts maps the canonical persona keys to their configured ports.
func personaPorts(cfg *config.Config) map[string]int {
	return map[string]int{
		string(session.PersonaStreamer):  cfg.Personas.Streamer.Port,
		string(session.PersonaGamer):     cfg.Personas.Gamer.Port,
		string(session.PersonaVideoCall): cfg.Personas.VideoCall.Port,
		string(session.PersonaBulk):      cfg.Personas.Bulk.Port,
	}
}

func personaSpec(cfg *config.Config, persona session.Persona) (config.PersonaSpec, error) {
	switch persona {
	case session.PersonaStreamer:
		return cfg.Personas.Streamer, nil
	case session.PersonaGamer:
		return cfg.Personas.Gamer, nil
	case session.PersonaVideoCall:
		return cfg.Personas.VideoCall, nil
	case session.PersonaBulk:
		return cfg.Personas.Bulk, nil
	default:
		return config.PersonaSpec{}, fmt.Errorf("unknown persona %q", persona)
	}
}

// buildProfile derives a persona's shaping profile from the canonical
// defaults, scaled to any rate overrides in the config. Two-phase burst
// rates scale proportionally with the download target so the pattern's
// shape survives a rate override.
func buildProfile(spec config.PersonaSpec, persona session.Persona) session.UserProfile {
	p := session.DefaultProfiles()[persona]

	if spec.DownloadMbps > 0 && spec.DownloadMbps != p.DownloadMbps {
		ratio := spec.DownloadMbps / p.DownloadMbps
		p.Burst.ActiveRateMbps *= ratio
		p.Burst.IdleRateMbps *= ratio
		p.DownloadMbps = spec.DownloadMbps
	}
	if spec.UploadMbps > 0 {
		p.UploadMbps = spec.UploadMbps
	}
	if spec.BurstPattern == "constant" {
		p.Burst = session.Constant()
	}

	return p
}

// connectStore dials Postgres best-effort: the profile store enriches
// the service (persisted overrides, session history) but its absence
// never blocks traffic generation.
func connectStore(ctx context.Context, cfg config.Postgres, migrate bool) *store.Store {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if migrate {
		if err := store.RunMigrations(dialCtx, cfg.DSN); err != nil {
			slog.Warn("store migrations failed, continuing without store", "error", err)
			return nil
		}
	}

	pgPool, err := store.NewPool(dialCtx, cfg)
	if err != nil {
		slog.Warn("store unavailable, continuing without it", "error", err)
		return nil
	}
	return store.New(pgPool)
}

func initTelemetry(cfg config.OTEL) (*telemetry.Metrics, telemetry.ShutdownFunc) {
	shutdown, err := telemetry.Init(cfg)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
		return nil, func(context.Context) error { return nil }
	}
	if !cfg.Enabled {
		return nil, shutdown
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		slog.Warn("telemetry metrics init failed", "error", err)
		return nil, shutdown
	}
	return metrics, shutdown
}

func runWorker(ctx context.Context, cfg *config.Config, persona session.Persona, flags config.CLIFlags) error {
	if !persona.Valid() {
		return fmt.Errorf("unknown persona %q", persona)
	}

	spec, err := personaSpec(cfg, persona)
	if err != nil {
		return err
	}
	// The supervisor re-execs workers with --port; it wins over the
	// persona table so a custom deployment can remap ports in one place.
	if flags.Port != nil {
		if _, perr := fmt.Sscanf(*flags.Port, "%d", &spec.Port); perr != nil {
			return fmt.Errorf("invalid --port %q: %w", *flags.Port, perr)
		}
	}

	metrics, otelShutdown := initTelemetry(cfg.OTEL)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutCtx)
	}()

	dataPool, err := pool.New(cfg.Pool.BulkSizesMB, cfg.Pool.WarmupSizeMB)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Limits{
		MaxConcurrentDownloads:  cfg.RateLimit.MaxConcurrentDownloads,
		MaxConcurrentUploads:    cfg.RateLimit.MaxConcurrentUploads,
		MaxConcurrentWebsockets: cfg.RateLimit.MaxConcurrentWebsockets,
		MaxTestsPerHour:         cfg.RateLimit.MaxTestsPerHour,
		MaxBytesPerHour:         cfg.RateLimit.MaxBytesPerHour,
		CleanupInterval:         cfg.RateLimit.CleanupInterval,
		MaxIdleTime:             cfg.RateLimit.MaxIdleTime,
		FleetTokens:             cfg.RateLimit.FleetTokens,
	})
	defer limiter.Close()

	st := connectStore(ctx, cfg.Postgres, false)
	if st != nil {
		defer st.Close()
	}

	profile := buildProfile(spec, persona)
	if st != nil {
		if override, ok, oerr := st.GetProfileOverride(ctx, string(persona)); oerr == nil && ok {
			if override.DownloadMbps > 0 {
				profile.DownloadMbps = override.DownloadMbps
			}
			if override.UploadMbps > 0 {
				profile.UploadMbps = override.UploadMbps
			}
			slog.Info("applied persisted profile override", "persona", persona,
				"download_mbps", profile.DownloadMbps, "upload_mbps", profile.UploadMbps)
		}
	}

	hub := wsapi.NewHub(limiter)
	traffic := httpapi.NewTraffic(dataPool, limiter, cfg.Upload, metrics)
	worker := httpapi.NewWorker(persona, spec.Port, profile, hub, traffic, st, metrics)

	sched := scheduler.New(hub, dataPool)
	if cfg.Scheduler.MultiStream {
		sched.EnableMultiStream()
	}
	go sched.Run(ctx, profile.TickInterval())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", spec.Port),
		Handler:     worker.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: traffic responses stream for the whole
		// test window.
	}

	slog.Info("persona worker listening", "persona", persona, "port", spec.Port,
		"download_mbps", profile.DownloadMbps, "tick", profile.TickInterval())

	return serveUntilDone(ctx, cfg.Server, server, false)
}

func runRouter(ctx context.Context, cfg *config.Config, yamlPath string) error {
	metrics, otelShutdown := initTelemetry(cfg.OTEL)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutCtx)
	}()

	dataPool, err := pool.New(cfg.Pool.BulkSizesMB, cfg.Pool.WarmupSizeMB)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Limits{
		MaxConcurrentDownloads:  cfg.RateLimit.MaxConcurrentDownloads,
		MaxConcurrentUploads:    cfg.RateLimit.MaxConcurrentUploads,
		MaxConcurrentWebsockets: cfg.RateLimit.MaxConcurrentWebsockets,
		MaxTestsPerHour:         cfg.RateLimit.MaxTestsPerHour,
		MaxBytesPerHour:         cfg.RateLimit.MaxBytesPerHour,
		CleanupInterval:         cfg.RateLimit.CleanupInterval,
		MaxIdleTime:             cfg.RateLimit.MaxIdleTime,
		FleetTokens:             cfg.RateLimit.FleetTokens,
	})
	defer limiter.Close()

	st := connectStore(ctx, cfg.Postgres, true)
	if st != nil {
		defer st.Close()
	}

	var bus *natsbus.Bus
	if b, berr := natsbus.Connect(cfg.NATS.URL, cfg.NATS.HeartbeatSubject); berr == nil {
		bus = b
	} else {
		slog.Warn("nats unavailable, heartbeat channel disabled", "error", berr)
	}

	var fleet httpapi.Fleet
	var sup *supervisor.Supervisor
	if cfg.Server.EnableMultiproc {
		sup, err = supervisor.New(cfg.Supervisor, cfg.Breaker, personaPorts(cfg))
		if err != nil {
			return err
		}
		if bus != nil {
			sup.SetHeartbeatBus(bus)
		}
		if serr := sup.Start(ctx); serr != nil {
			// Degraded fleet: keep serving; the lookup endpoint reports
			// unhealthy personas as 503 until the monitor recovers them.
			slog.Error("worker fleet did not start healthy", "error", serr)
		}
		fleet = sup
		defer sup.Shutdown()
	} else if bus != nil {
		defer func() { _ = bus.Close() }()
	}

	lookupCache, err := cache.New(int64(cfg.Cache.MaxCostMB) << 20)
	if err != nil {
		return err
	}
	defer lookupCache.Close()

	traffic := httpapi.NewTraffic(dataPool, limiter, cfg.Upload, metrics)
	router := httpapi.NewRouter(cfg, fleet, traffic, limiter, lookupCache, st)

	handler := router.Routes()
	if cfg.OTEL.Enabled {
		handler = telemetry.HTTPMiddleware(cfg.OTEL.ServiceName)(handler)
	}
	handler = httpapi.Logger(handler)

	pingLimit := middleware.NewRateLimiter(float64(cfg.RateLimit.PingPerMinute)/60, 10)
	stopPingCleanup := pingLimit.StartCleanup(cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxIdleTime)
	defer stopPingCleanup()

	pingServer := httpapi.NewPingServer(cfg.Personas.PingPort, traffic, pingLimit)
	go func() {
		slog.Info("isolated ping listener up", "port", cfg.Personas.PingPort)
		if perr := pingServer.ListenAndServe(); perr != nil && !errors.Is(perr, http.ErrServerClosed) {
			slog.Error("ping listener failed", "error", perr)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pingServer.Shutdown(shutCtx)
	}()

	if !cfg.Server.Production {
		holder := config.NewHolder(cfg, yamlPath)
		reloadCh := make(chan os.Signal, 1)
		signal.Notify(reloadCh, syscall.SIGHUP)
		go func() {
			for range reloadCh {
				if rerr := holder.Reload(); rerr != nil {
					slog.Error("config reload failed", "error", rerr)
				} else {
					slog.Info("config reloaded")
				}
			}
		}()
	}

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	slog.Info("router listening", "port", cfg.Server.Port, "mode", cfg.Server.Mode,
		"tls", cfg.Server.TLSEnabled(), "multiprocess", cfg.Server.EnableMultiproc)

	return serveUntilDone(ctx, cfg.Server, server, cfg.Server.TLSEnabled())
}

// serveUntilDone runs server until ctx is cancelled or the listener
// fails, then shuts down gracefully within the configured timeout.
func serveUntilDone(ctx context.Context, srvCfg config.Server, server *http.Server, useTLS bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS(srvCfg.TLSCert, srvCfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}
