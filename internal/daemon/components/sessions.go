package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	"github.com/ItzCrazyKns/deepresearch/internal/daemon"
	"github.com/ItzCrazyKns/deepresearch/internal/research/session"
)

type SessionsComponent struct {
	daemonCfg   *config.DaemonConfig
	manager     *session.Manager
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewSessionsComponent(daemonCfg *config.DaemonConfig) *SessionsComponent {
	return &SessionsComponent{
		daemonCfg: daemonCfg,
	}
}

func (s *SessionsComponent) Name() string {
	return "Sessions"
}

func (s *SessionsComponent) Dependencies() []string {
	return []string{}
}

func (s *SessionsComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gracePeriod, err := config.DurationOrDefault(s.daemonCfg.SessionGracePeriod, config.DefaultSessionGracePeriod)
	if err != nil {
		return fmt.Errorf("parse session grace period: %w", err)
	}

	sweepSchedule := s.daemonCfg.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = config.DefaultSweepSchedule
	}

	s.manager = session.NewManager(gracePeriod, sweepSchedule)
	s.initialized = true
	slog.Info("Sessions initialized", "component", s.Name(),
		"grace_period", gracePeriod, "sweep_schedule", sweepSchedule)
	return nil
}

func (s *SessionsComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Sessions not initialized")
	}

	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}

	s.started = true
	s.startTime = time.Now()
	slog.Info("Sessions started", "component", s.Name())
	return nil
}

func (s *SessionsComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		slog.Info("Sessions not started, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping Sessions...", "component", s.Name())
	s.manager.Stop()
	s.started = false
	slog.Info("Sessions stopped", "component", s.Name())
	return nil
}

func (s *SessionsComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
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

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
	}, nil
}

func (s *SessionsComponent) GetManager() *session.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager
}
