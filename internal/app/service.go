package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"healthwatch/internal/clock"
	"healthwatch/internal/config"
	"healthwatch/internal/engine"
	"healthwatch/internal/ingest"
	"healthwatch/internal/logging"
	"healthwatch/internal/metricstore"
	"healthwatch/internal/noise"
	"healthwatch/internal/notify"
	"healthwatch/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	source   config.ConfigSource
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	store    state.Store
	queue    *notify.Queue
	gates    *noise.Controller
	worker   *notify.Worker
	engine   *engine.Engine
	httpSrv  *ingest.Server
	natsSub  *ingest.NATSSubscriber
	clock    clock.Clock

	readyFlag      atomic.Bool
	deliveryBusy   atomic.Bool
	escalationBusy atomic.Bool
}

// NewService builds the service instance from a config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	gates := noise.NewController(noisePolicy(cfg.Notify.Policy))
	queue := notify.NewQueue()
	dispatcher := notify.NewDispatcher(cfg.Notify, queue, gates, logger)
	worker := notify.NewWorker(queue, dispatcher.Senders(), cfg.Notify.RetryDelays(), logger)

	eng := engine.New(engine.Options{
		Targets:                 cfg.DomainTargets(),
		Rules:                   cfg.DomainRules(),
		Store:                   metricstore.New(cfg.Service.MetricCapacity),
		Gates:                   gates,
		Queue:                   queue,
		Sink:                    dispatcher,
		Clock:                   clk,
		EscalationLevels:        notify.EscalationLevelsFromConfig(cfg.Notify.Escalation),
		EscalationEnabled:       boolValue(cfg.Notify.Policy.EscalationEnabled, true),
		EscalateRequiresPrimary: boolValue(cfg.Notify.Policy.EscalateRequiresPrimary, true),
		Logger:                  logger,
	})

	snapshot, found, err := store.Load()
	if err != nil {
		closeLog()
		_ = store.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	if found {
		eng.Restore(snapshot)
		logger.Info("state restored", "alerts", len(snapshot.Alerts), "queued", len(snapshot.Queue), "savedAt", snapshot.SavedAt)
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		queue:    queue,
		gates:    gates,
		worker:   worker,
		engine:   eng,
		clock:    clk,
	}

	if cfg.Ingest.HTTP.Enabled {
		service.httpSrv = ingest.NewServer(cfg.Ingest.HTTP, eng, service.readyFlag.Load, logger)
	}
	if cfg.Ingest.NATS.Enabled {
		subscriber, err := ingest.NewNATSSubscriber(cfg.Ingest.NATS, eng, logger)
		if err != nil {
			service.cleanupInitResources()
			return nil, err
		}
		service.natsSub = subscriber
	}
	return service, nil
}

// Run starts the service lifecycle and blocks until a shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.httpSrv != nil {
		s.httpSrv.Start()
	}

	s.startTicker(runCtx, time.Duration(s.cfg.Service.SweepIntervalSec)*time.Second, func() {
		s.engine.Sweep()
	})
	s.startTicker(runCtx, time.Duration(s.cfg.Service.DeliveryIntervalSec)*time.Second, func() {
		s.deliveryTick(runCtx)
	})
	s.startTicker(runCtx, time.Duration(s.cfg.Service.EscalationIntervalSec)*time.Second, func() {
		s.escalationTick()
	})
	s.startTicker(runCtx, time.Duration(s.cfg.State.FlushDebounceSec)*time.Second, func() {
		s.flushState(false)
	})

	s.readyFlag.Store(true)
	s.logger.Info("service started", "name", s.cfg.Service.Name,
		"targets", len(s.cfg.Target), "rules", len(s.cfg.Rule), "mode", s.cfg.Notify.Mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}
	cancel()
	return s.shutdown()
}

// startTicker runs one periodic task until the context is done.
// Params: run context, tick interval, and task callback.
// Returns: goroutine started; zero or negative intervals are skipped.
func (s *Service) startTicker(ctx context.Context, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

// deliveryTick drains one batch of due notifications.
// Params: run context for delivery timeouts.
// Returns: skips the beat when the previous tick still runs.
func (s *Service) deliveryTick(ctx context.Context) {
	if !s.deliveryBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.deliveryBusy.Store(false)

	stats := s.worker.ProcessTick(ctx, s.clock.Now(), s.cfg.Service.DeliveryBatchSize)
	if stats.Sent > 0 || stats.Failed > 0 || stats.Retried > 0 {
		s.logger.Debug("delivery tick",
			"sent", stats.Sent, "retried", stats.Retried, "failed", stats.Failed)
	}
}

// escalationTick advances unresolved alerts through escalation levels.
// Params: none.
// Returns: skips the beat when the previous tick still runs.
func (s *Service) escalationTick() {
	if !s.escalationBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.escalationBusy.Store(false)

	if queued := s.engine.ProcessEscalationTick(); queued > 0 {
		s.logger.Info("escalation notifications queued", "count", queued)
	}
}

// flushState persists engine state when it changed since the last flush.
// Params: force saves even without pending changes.
// Returns: save errors are logged, not returned.
func (s *Service) flushState(force bool) {
	if !s.engine.ConsumeDirty() && !force {
		return
	}
	if err := s.store.Save(s.engine.Snapshot()); err != nil {
		s.logger.Error("state save failed", "error", err.Error())
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}

	s.flushState(true)
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates the state backend selected by config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendMemory:
		return state.NewMemoryStore(), nil
	case config.StateBackendFile:
		return state.NewFileStore(cfg.State.Path), nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.State.Backend)
	}
}

// noisePolicy converts configured noise settings into controller policy.
// Params: noise policy config after defaults.
// Returns: runtime noise policy.
func noisePolicy(cfg config.NoisePolicyConfig) noise.Policy {
	return noise.Policy{
		Enabled:                 boolValue(cfg.Enabled, true),
		DedupWindow:             time.Duration(cfg.DedupWindowSec) * time.Second,
		SuppressWindow:          time.Duration(cfg.SuppressWindowSec) * time.Second,
		FlapWindow:              time.Duration(cfg.FlapWindowMinutes) * time.Minute,
		FlapThreshold:           cfg.FlapThreshold,
		AutoSilence:             time.Duration(cfg.AutoSilenceMinutes) * time.Minute,
		SendRecovery:            boolValue(cfg.SendRecovery, true),
		EscalationEnabled:       boolValue(cfg.EscalationEnabled, true),
		EscalateRequiresPrimary: boolValue(cfg.EscalateRequiresPrimary, true),
	}
}

// boolValue dereferences an optional bool with a fallback.
// Params: pointer from config and default value.
// Returns: dereferenced or fallback value.
func boolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
