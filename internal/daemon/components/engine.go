package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	"github.com/ItzCrazyKns/deepresearch/internal/daemon"
	"github.com/ItzCrazyKns/deepresearch/internal/model"
	"github.com/ItzCrazyKns/deepresearch/internal/research/engine"
	"github.com/ItzCrazyKns/deepresearch/internal/search"
)

type EngineComponent struct {
	cfg         *config.Config
	storeComp   *StoreWorkerComponent
	sessionComp *SessionsComponent
	router      model.Router
	engine      *engine.Engine
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewEngineComponent(cfg *config.Config, storeComp *StoreWorkerComponent, sessionComp *SessionsComponent) *EngineComponent {
	return &EngineComponent{
		cfg:         cfg,
		storeComp:   storeComp,
		sessionComp: sessionComp,
	}
}

func (e *EngineComponent) Name() string {
	return "ResearchEngine"
}

func (e *EngineComponent) Dependencies() []string {
	return []string{"ArtifactStore", "Sessions"}
}

func (e *EngineComponent) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	router, err := model.NewRouter(e.cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to init model router: %w", err)
	}
	e.router = router

	searcher, err := search.NewSearxNG(e.cfg.Search)
	if err != nil {
		return fmt.Errorf("failed to init search provider: %w", err)
	}
	fetcher := search.NewPageFetcher(e.cfg.Search)

	eng, err := engine.New(e.cfg, router, searcher, fetcher,
		e.storeComp.GetWorker(), e.sessionComp.GetManager())
	if err != nil {
		return fmt.Errorf("failed to init research engine: %w", err)
	}

	e.engine = eng
	e.initialized = true
	slog.Info("ResearchEngine initialized", "component", e.Name(),
		"default_model", e.cfg.Models.Default, "models", len(router.ListModels()))
	return nil
}

func (e *EngineComponent) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return fmt.Errorf("ResearchEngine not initialized")
	}

	e.started = true
	e.startTime = time.Now()
	slog.Info("ResearchEngine started", "component", e.Name())
	return nil
}

func (e *EngineComponent) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		slog.Info("ResearchEngine not started, skipping stop", "component", e.Name())
		return nil
	}

	slog.Info("Stopping ResearchEngine...", "component", e.Name())
	e.engine.Shutdown()
	e.started = false
	slog.Info("ResearchEngine stopped", "component", e.Name())
	return nil
}

func (e *EngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.initialized {
		return &daemon.ComponentHealth{
			Name:    e.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !e.started {
		return &daemon.ComponentHealth{
			Name:    e.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    e.Name(),
		Healthy: true,
	}, nil
}

func (e *EngineComponent) GetEngine() *engine.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine
}
