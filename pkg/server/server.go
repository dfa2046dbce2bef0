// Package server assembles the haplink gateway from configuration: the
// store, the security guard, the device registry, the command processor,
// the pattern engine, the telemetry pipeline, and the websocket listener,
// and runs them until the context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/adapter"
	"github.com/nexhaptics/haplink/pkg/adapter/duplex"
	"github.com/nexhaptics/haplink/pkg/adapter/radio"
	"github.com/nexhaptics/haplink/pkg/command"
	"github.com/nexhaptics/haplink/pkg/config"
	"github.com/nexhaptics/haplink/pkg/fault"
	"github.com/nexhaptics/haplink/pkg/gateway"
	"github.com/nexhaptics/haplink/pkg/metrics"
	"github.com/nexhaptics/haplink/pkg/pattern"
	"github.com/nexhaptics/haplink/pkg/registry"
	"github.com/nexhaptics/haplink/pkg/scheduler"
	"github.com/nexhaptics/haplink/pkg/security"
	"github.com/nexhaptics/haplink/pkg/simulator"
	"github.com/nexhaptics/haplink/pkg/store"
	"github.com/nexhaptics/haplink/pkg/store/badger"
	"github.com/nexhaptics/haplink/pkg/store/memory"
	"github.com/nexhaptics/haplink/pkg/telemetry"
)

// guardSweepInterval is the cadence of the guard's bookkeeping sweep
// (blacklist expiry, limiter pruning).
const guardSweepInterval = time.Minute

// Server is the assembled haplink daemon.
type Server struct {
	cfg *config.Config

	kv       store.KV
	sched    *scheduler.Scheduler
	tokens   *security.TokenService
	guard    *security.Guard
	reg      *registry.Registry
	proc     *command.Processor
	engine   *pattern.Engine
	pipeline *telemetry.Pipeline
	gw       *gateway.Gateway

	httpServer    *http.Server
	metricsServer *http.Server

	deviceTypes []config.DeviceType
}

// New builds every component from the configuration. Nothing is listening
// yet; call Serve.
func New(cfg *config.Config) (*Server, error) {
	kv, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sched := scheduler.New(nil)

	tokens, err := security.NewTokenService(cfg.Token)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	pipeline := telemetry.New(cfg.Telemetry, kv, sched)

	guard, err := security.New(cfg.Security, tokens, nil, securitySink(pipeline))
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to initialize security guard: %w", err)
	}
	guard.Metrics = metrics.NewSecurityMetrics()

	duplexCfg := duplex.DefaultConfig()
	duplexCfg.Keyring = guard.Keyring()
	factories := map[string]adapter.Factory{
		duplex.Protocol: duplex.NewFactory(duplexCfg),
		radio.Protocol:  radio.NewFactory(radio.DefaultConfig()),
	}
	// The simulated protocol is always registered; devices only exist
	// under it when `haplinkd simulate` admits them.
	factories[simulator.Protocol] = simulator.NewFactory(simulator.DefaultConfig())

	// Device and dispatch failures funnel through one recoverer so
	// repeated identical faults collapse into a single log line.
	recoverer := fault.NewRecoverer(fault.RecovererConfig{})

	reg := registry.New(cfg.Registry, kv, sched, factories)
	reg.Reporter = recoverer.Report

	procCfg := cfg.Command
	procCfg.Retry = cfg.Retry.Strategy(cfg.Command.MaxAttempts)
	proc := command.NewProcessor(procCfg, reg.Limits, sched.Clock())
	proc.Metrics = metrics.NewCommandMetrics()
	proc.OnDispatchFailure = func(deviceID string, err error) {
		recoverer.Report(err)
		pipeline.Track(telemetry.Point{
			Kind:    telemetry.KindDevice,
			Source:  deviceID,
			Values:  map[string]float64{"dispatch_failures": 1},
			Context: map[string]string{"error": err.Error()},
		})
	}

	// Device lifecycle drives processor queues: a queue exists exactly
	// while its device is online.
	reg.Subscribe(func(ev registry.Event) {
		switch ev.Kind {
		case registry.EventConnected:
			proc.Register(ev.Device.Info.ID, reg)
		case registry.EventDisconnected, registry.EventRemoved:
			proc.Deregister(ev.Device.Info.ID)
		}
	})

	capf := func(deviceID string) (float64, bool) {
		limits, ok := reg.Limits(deviceID)
		if !ok {
			return 0, false
		}
		return limits.IntensityCap, true
	}
	engine := pattern.NewEngine(cfg.Pattern, sched, proc, capf, reg.LatencyOffset)

	gw := gateway.New(cfg.Gateway, guard, reg, proc, engine, sched)
	gw.SetTelemetry(pipeline)
	gw.SetMetrics(metrics.NewGatewayMetrics())

	s := &Server{
		cfg:      cfg,
		kv:       kv,
		sched:    sched,
		tokens:   tokens,
		guard:    guard,
		reg:      reg,
		proc:     proc,
		engine:   engine,
		pipeline: pipeline,
		gw:       gw,
	}

	if cfg.DeviceTypesDir != "" {
		types, err := config.LoadDeviceTypes(cfg.DeviceTypesDir)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("failed to load device type catalog: %w", err)
		}
		s.deviceTypes = types
		logger.Info("device type catalog loaded",
			"dir", cfg.DeviceTypesDir,
			logger.KeyCount, len(types),
		)
	}

	return s, nil
}

// Registry exposes the device registry (used by the simulate command).
func (s *Server) Registry() *registry.Registry { return s.reg }

// DeviceTypes returns the loaded device type catalog.
func (s *Server) DeviceTypes() []config.DeviceType { return s.deviceTypes }

// Serve restores persisted devices, starts every background task, and
// serves the websocket endpoint until ctx is cancelled. It always returns
// after a full graceful shutdown bounded by the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load device records: %w", err)
	}
	s.reg.Start()
	s.pipeline.Start(ctx)
	s.gw.Start()

	sweep := s.sched.Every(ctx, guardSweepInterval, func(time.Time) { s.guard.Sweep() })
	defer sweep.Stop()

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.Path, s.gw)
	mux.HandleFunc("/healthz", s.handleHealth)

	errCh := make(chan error, 2)

	if s.cfg.Metrics.Enabled {
		if s.cfg.Metrics.Port != 0 && s.cfg.Metrics.Port != s.cfg.Server.Port {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			s.metricsServer = &http.Server{
				Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Metrics.Port),
				Handler: metricsMux,
			}
			go func() {
				logger.Info("metrics endpoint listening", "addr", s.metricsServer.Addr)
				if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("metrics server failed: %w", err)
				}
			}()
		} else {
			mux.Handle("/metrics", metrics.Handler())
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening",
			"addr", s.httpServer.Addr,
			"path", s.cfg.Server.Path,
		)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		_ = s.shutdown()
		return err
	}
}

// shutdown tears components down in reverse dependency order: stop
// accepting connections, drain sessions, stop pattern playback, drain
// command queues, disconnect devices, flush telemetry, close the store.
func (s *Server) shutdown() error {
	logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.metricsServer != nil {
		record(s.metricsServer.Shutdown(ctx))
	}
	if s.httpServer != nil {
		record(s.httpServer.Shutdown(ctx))
	}
	s.gw.Close()
	s.engine.StopAll()
	s.proc.Close()
	s.reg.Close(ctx)
	record(s.pipeline.Close(ctx))
	s.sched.StopAll()
	record(s.kv.Close())

	if firstErr != nil {
		logger.Error("shutdown completed with errors", logger.KeyError, firstErr.Error())
		return firstErr
	}
	logger.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"devices":%d}`,
		s.gw.SessionCount(), len(s.reg.List()))
}

// openStore opens the configured KV backend.
func openStore(cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "badger":
		return badger.Open(badger.Options{Dir: cfg.Dir, SyncWrites: true})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

// securitySink forwards guard admission decisions into the telemetry
// pipeline as security points.
func securitySink(p *telemetry.Pipeline) security.EventSink {
	return func(ev security.Event) {
		p.Track(telemetry.Point{
			Kind:      telemetry.KindSecurity,
			Source:    ev.Source,
			Timestamp: ev.At,
			Values:    map[string]float64{string(ev.Kind): 1},
			Context:   map[string]string{"user_id": ev.UserID},
		})
	}
}
