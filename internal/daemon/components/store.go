package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	"github.com/ItzCrazyKns/deepresearch/internal/daemon"
	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"
)

type StoreWorkerComponent struct {
	storeCfg    *config.StoreConfig
	worker      *artifact.Worker
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreWorkerComponent(storeCfg *config.StoreConfig) *StoreWorkerComponent {
	return &StoreWorkerComponent{
		storeCfg: storeCfg,
	}
}

func (s *StoreWorkerComponent) Name() string {
	return "ArtifactStore"
}

func (s *StoreWorkerComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreWorkerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ArtifactStore init cancelled: %w", ctx.Err())
	default:
	}

	lockTimeout, err := config.DurationOrDefault(s.storeCfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(s.storeCfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return fmt.Errorf("parse store lock retry: %w", err)
	}
	lockMaxRetry := s.storeCfg.LockMaxRetry
	if lockMaxRetry <= 0 {
		lockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	inboxSize := s.storeCfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = config.DefaultStoreInboxSize
	}

	worker, err := artifact.NewWorker(s.storeCfg.RootPath, artifact.RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: lockMaxRetry,
		InboxSize:    inboxSize,
	})
	if err != nil {
		if strings.Contains(err.Error(), "is locked by another instance") {
			return fmt.Errorf("store root is locked by another instance: %w", err)
		}
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	s.worker = worker
	s.initialized = true
	slog.Info("ArtifactStore initialized", "component", s.Name(), "root", worker.RootPath())
	return nil
}

func (s *StoreWorkerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("ArtifactStore not initialized")
	}

	s.worker.Start()
	s.started = true
	s.startTime = time.Now()
	slog.Info("ArtifactStore started", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		slog.Info("ArtifactStore not started, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping ArtifactStore...", "component", s.Name())
	s.worker.Stop()
	s.started = false
	slog.Info("ArtifactStore stopped", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !s.started {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	if !s.worker.IsLockHeld() {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("lock not held"),
		}, nil
	}

	if !s.worker.IsRunning() {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("loop not running"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
	}, nil
}

func (s *StoreWorkerComponent) GetWorker() *artifact.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}
