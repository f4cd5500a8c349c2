package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"framelock/netcode/internal/config"
	"framelock/netcode/internal/identity"
	"framelock/netcode/internal/net/ws"
	"framelock/netcode/internal/observability"
	"framelock/netcode/internal/reconcile"
	"framelock/netcode/internal/registry"
	"framelock/netcode/internal/session"
	"framelock/netcode/internal/snapshot"
	"framelock/netcode/internal/telemetry"
	"framelock/netcode/internal/world"
	"framelock/netcode/logging"
	loggingSinks "framelock/netcode/logging/sinks"
)

// Config is the process-level wiring for Run.
type Config struct {
	ConfigPath string
	Logger     telemetry.Logger
}

// Run builds the whole server from configuration and blocks until ctx is
// cancelled or the session aborts.
func Run(ctx context.Context, appCfg Config) error {
	cfg, err := config.Load(appCfg.ConfigPath)
	if err != nil {
		return err
	}

	telemetryLogger := appCfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	router, err := buildRouter(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	collector, err := observability.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	metrics := observability.NewBridge(collector)

	w := world.New()
	reg := registry.New()
	ids := identity.NewMap()
	engine, err := reconcile.New(w, reg, ids, reconcile.Deps{Logger: telemetryLogger, Metrics: metrics})
	if err != nil {
		return err
	}
	store := snapshot.NewStore(cfg.SnapshotCapacity(), metrics)

	game, err := NewGame(w, reg, engine, 2)
	if err != nil {
		return err
	}

	sess, feedInput, cleanup, err := buildSession(ctx, cfg, telemetryLogger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	driver, err := session.NewDriver(sess, engine, store, game.Step, session.Config{
		TickRate: cfg.Session.TickRate,
	}, session.Hooks{
		BeforePoll: func(frame uint64) {
			feedInput(frame)
		},
		AfterTick: func(result session.TickResult) {
			if !result.Skipped {
				collector.ObserveTick(result.Frame, result.Duration)
			}
		},
		OnEvent: func(ev session.Event) {
			publishSessionEvent(ctx, router, ev)
		},
	}, session.Deps{Logger: telemetryLogger, Metrics: metrics})
	if err != nil {
		return err
	}

	relay := ws.NewRelay(ws.RelayConfig{Logger: telemetryLogger, Metrics: metrics})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.RelayPath, relay.Handle)
	mux.Handle(cfg.Server.MetricsPath, collector.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	httpErr := make(chan error, 1)
	go func() {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	stop := make(chan struct{})
	driverErr := make(chan error, 1)
	go func() {
		driverErr <- driver.Run(stop)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-driverErr:
		if runErr != nil {
			telemetryLogger.Printf("session ended: %v", runErr)
		}
	case runErr = <-httpErr:
	}
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	return runErr
}

func buildRouter(cfg *config.File) (*logging.Router, error) {
	logCfg := logging.DefaultConfig()
	if len(cfg.Logging.Sinks) > 0 {
		logCfg.EnabledSinks = cfg.Logging.Sinks
	}
	if cfg.Logging.BufferSize > 0 {
		logCfg.BufferSize = cfg.Logging.BufferSize
	}
	switch cfg.Logging.Severity {
	case "debug":
		logCfg.MinimumSeverity = logging.SeverityDebug
	case "warn":
		logCfg.MinimumSeverity = logging.SeverityWarn
	case "error":
		logCfg.MinimumSeverity = logging.SeverityError
	default:
		logCfg.MinimumSeverity = logging.SeverityInfo
	}

	var sinks []logging.NamedSink
	if logCfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{
			Name: "console",
			Sink: loggingSinks.NewConsoleSink(os.Stdout),
		})
	}
	if logCfg.HasSink("json") && cfg.Logging.JSONPath != "" {
		file, err := os.OpenFile(cfg.Logging.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json log %s: %w", cfg.Logging.JSONPath, err)
		}
		sinks = append(sinks, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSONSink(file, logCfg.JSONFlushInterval),
		})
	}
	return logging.NewRouter(logging.SystemClock{}, logCfg, sinks)
}

// buildSession constructs the configured session kind and the per-tick local
// input feed for it.
func buildSession(ctx context.Context, cfg *config.File, logger telemetry.Logger) (session.Session, func(uint64), func(), error) {
	switch cfg.Session.Mode {
	case config.ModeSyncTest:
		sess := session.NewSyncTestSession(session.SyncTestConfig{
			Players:       2,
			CheckDistance: cfg.Session.CheckDistance,
		})
		feed := func(frame uint64) {
			sess.AddLocalInput(0, DemoInput(0, frame))
			sess.AddLocalInput(1, DemoInput(1, frame))
		}
		return sess, feed, nil, nil

	case config.ModePeer:
		conn, err := ws.Dial(ctx, cfg.Session.RelayURL, cfg.Session.Room, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sess, err := session.NewPeerSession(conn, session.PeerConfig{
			LocalPlayer:   cfg.Session.LocalPlayer,
			RemotePlayer:  cfg.Session.RemotePlayer,
			MaxPrediction: cfg.Rollback.MaxPrediction,
			CheckInterval: cfg.Session.CheckInterval,
		})
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		feed := func(frame uint64) {
			if err := sess.AddLocalInput(DemoInput(cfg.Session.LocalPlayer, frame)); err != nil && logger != nil {
				logger.Printf("input rejected at frame=%d: %v", frame, err)
			}
		}
		cleanup := func() { sess.Close() }
		return sess, feed, cleanup, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown session mode %q", cfg.Session.Mode)
	}
}

func publishSessionEvent(ctx context.Context, router *logging.Router, ev session.Event) {
	event := logging.Event{
		Type:     logging.EventType("session." + string(ev.Kind)),
		Frame:    ev.Frame,
		Subject:  logging.EntityRef{ID: fmt.Sprintf("player-%d", ev.Player), Kind: logging.EntityKindPeer},
		Category: logging.CategoryNetwork,
		Severity: logging.SeverityInfo,
	}
	switch ev.Kind {
	case session.EventDesyncDetected:
		event.Severity = logging.SeverityError
		event.Category = logging.CategoryRollback
		event.Payload = map[string]any{
			"local_checksum":  fmt.Sprintf("%#x", ev.LocalChecksum),
			"remote_checksum": fmt.Sprintf("%#x", ev.RemoteChecksum),
		}
	case session.EventPlayerDisconnected:
		event.Severity = logging.SeverityWarn
	}
	router.Publish(ctx, event)
}
