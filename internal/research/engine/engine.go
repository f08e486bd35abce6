package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/concurrency"
	"github.com/ItzCrazyKns/deepresearch/internal/config"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"
	"github.com/ItzCrazyKns/deepresearch/internal/logger"
	"github.com/ItzCrazyKns/deepresearch/internal/model"
	"github.com/ItzCrazyKns/deepresearch/internal/model/contract"
	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"
	"github.com/ItzCrazyKns/deepresearch/internal/research/control"
	"github.com/ItzCrazyKns/deepresearch/internal/research/session"
	"github.com/ItzCrazyKns/deepresearch/internal/search"
)

// Engine drives research jobs through the phase sequence
// Plan, Retrieve, Extract, Cluster, Synthesize, Review. Each job runs
// as a single goroutine; phases are sequential within a job, with
// bounded fan-out inside Retrieve. Soft stop, hard abort, and budget
// exhaustion are observed at phase boundaries.
type Engine struct {
	cfg      *config.Config
	router   model.Router
	searcher search.Provider
	fetcher  Fetcher
	store    Store
	sessions *session.Manager
	run      *control.RunControl
	cancels  *control.CancelRegistry
	locks    *concurrency.SimpleJobLockManager

	wallClock    time.Duration
	turnsHard    int
	turnsSoft    int
	requeryMax   int
	clusterSim   float64
	maxSubQ      int
	maxParallel  int
	maxFetch     int

	wg sync.WaitGroup
}

func New(cfg *config.Config, router model.Router, searcher search.Provider, fetcher Fetcher, store Store, sessions *session.Manager) (*Engine, error) {
	wallClock, err := config.DurationOrDefault(cfg.Research.WallClockBudget, config.DefaultWallClockBudget)
	if err != nil {
		return nil, apperrors.Wrap(err, "parse wall clock budget")
	}

	e := &Engine{
		cfg:         cfg,
		router:      router,
		searcher:    searcher,
		fetcher:     fetcher,
		store:       store,
		sessions:    sessions,
		run:         control.NewRunControl(),
		cancels:     control.NewCancelRegistry(),
		locks:       concurrency.NewSimpleJobLockManager(),
		wallClock:   wallClock,
		turnsHard:   cfg.Research.LLMTurnsHard,
		turnsSoft:   cfg.Research.LLMTurnsSoft,
		requeryMax:  cfg.Research.RequeryMaxRounds,
		clusterSim:  cfg.Research.ClusterSimilarity,
		maxSubQ:     cfg.Research.MaxSubQueries,
		maxParallel: cfg.Research.MaxParallelRetrieval,
		maxFetch:    cfg.Research.MaxFetchPerQuery,
	}
	if e.turnsHard <= 0 {
		e.turnsHard = config.DefaultLLMTurnsHard
	}
	if e.turnsSoft <= 0 {
		e.turnsSoft = config.DefaultLLMTurnsSoft
	}
	if e.maxSubQ <= 0 {
		e.maxSubQ = config.DefaultMaxSubQueries
	}
	if e.maxParallel <= 0 {
		e.maxParallel = config.DefaultMaxParallelRetrieval
	}
	if e.maxFetch <= 0 {
		e.maxFetch = config.DefaultMaxFetchPerQuery
	}
	if e.clusterSim <= 0 {
		e.clusterSim = config.DefaultClusterSimilarity
	}
	return e, nil
}

// jobState carries everything one run accumulates across phases.
type jobState struct {
	id        string
	query     string
	history   []contract.Message
	budgets   artifact.Budgets
	startedAt time.Time

	turnsUsed int
	rounds    int

	plan      *Plan
	captures  []RawCapture
	extracted map[string]bool
	facts     []Fact
	clusters  []Cluster

	draft             string
	draftBlockID      string
	researchAnnounced bool

	extraQueries []string
}

// boundaryAction is the outcome of the stop-condition check performed
// before each phase.
type boundaryAction int

const (
	proceed boundaryAction = iota
	jumpToSynthesize
	abortCancelled
)

// Start begins (or resumes) a job and returns once it is registered.
// Returns a conflict error when the job already has a live session or
// a terminal manifest.
func (e *Engine) Start(jobID, query string, history History, opts Options) error {
	if err := artifact.ValidateSessionID(jobID); err != nil {
		return err
	}

	// Serialize concurrent Starts for the same job so the manifest
	// check and session creation happen as one step.
	e.locks.Lock(jobID)
	defer e.locks.Unlock(jobID)

	existing, err := e.store.GetManifest(jobID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status != artifact.StatusRunning {
		return apperrors.Conflict(fmt.Sprintf("job %s already finished with status %s", jobID, existing.Status))
	}

	handle, err := e.sessions.CreateSession(jobID)
	if err != nil {
		return err
	}

	st := &jobState{
		id:        jobID,
		query:     query,
		history:   history,
		startedAt: time.Now(),
	}

	if existing != nil {
		// Crash recovery: resume from the durable manifest, skipping
		// phases that already completed.
		st.budgets = existing.Budgets
		st.turnsUsed = existing.LLMTurnsUsed
		if query == "" {
			st.query = existing.Query
		}
		if err := e.loadState(st, existing); err != nil {
			handle.Dispose()
			return err
		}
		slog.Info("Resuming research job", "job_id", jobID, "turns_used", st.turnsUsed)
	} else {
		st.budgets = e.effectiveBudgets(opts.Budgets)
		m := artifact.NewManifest(jobID, query, st.budgets)
		if err := e.store.CreateManifest(m); err != nil {
			handle.Dispose()
			return err
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e.cancels.Register(jobID, cancel)

	e.wg.Add(1)
	concurrency.SafeGo(func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(jobCtx, handle, st)
	}, func(r interface{}) {
		// The job goroutine's own defers (wg.Done, cancel) already ran
		// during unwinding.
		slog.Error("Research job panicked", "job_id", jobID, "panic", r)
		e.finishError(handle, st, fmt.Errorf("internal failure: %v", r))
		e.cleanup(jobID)
	})

	return nil
}

func (e *Engine) effectiveBudgets(o BudgetOverrides) artifact.Budgets {
	b := artifact.Budgets{
		WallClockMs:  e.wallClock.Milliseconds(),
		LLMTurnsHard: e.turnsHard,
		LLMTurnsSoft: e.turnsSoft,
	}
	if o.WallClockMs != nil {
		b.WallClockMs = *o.WallClockMs
	}
	if o.LLMTurnsHard != nil && *o.LLMTurnsHard > 0 {
		b.LLMTurnsHard = *o.LLMTurnsHard
	}
	if o.LLMTurnsSoft != nil && *o.LLMTurnsSoft > 0 {
		b.LLMTurnsSoft = *o.LLMTurnsSoft
	}
	return b
}

// Cancel hard-aborts the job, sets soft stop, and aborts in-flight
// retrieval. Reports whether a live registration existed; the second
// call for the same job returns false.
func (e *Engine) Cancel(jobID string) bool {
	cancelled := e.cancels.Cancel(jobID)
	e.run.SetSoftStop(jobID)
	e.run.AbortRetrieval(jobID)
	return cancelled
}

// RespondNow asks the job to stop gathering and answer with what it
// has: soft stop plus retrieval abort, leaving the job itself running.
func (e *Engine) RespondNow(jobID string) bool {
	live := e.cancels.Exists(jobID)
	e.run.SetSoftStop(jobID)
	e.run.AbortRetrieval(jobID)
	return live
}

// Subscribe attaches a consumer to the job's event stream.
func (e *Engine) Subscribe(jobID string) (<-chan session.Event, func(), error) {
	return e.sessions.Subscribe(jobID)
}

// Manifest returns the durable manifest for a job, nil when unknown.
func (e *Engine) Manifest(jobID string) (*artifact.Manifest, error) {
	return e.store.GetManifest(jobID)
}

// Shutdown hard-aborts every running job and waits for their
// goroutines to finish.
func (e *Engine) Shutdown() {
	if n := e.cancels.CancelAll(); n > 0 {
		slog.Info("Aborting running research jobs", "count", n)
	}
	e.wg.Wait()
}

func (e *Engine) cleanup(jobID string) {
	e.cancels.Unregister(jobID)
	e.run.Clear(jobID)
}

func (e *Engine) execute(ctx context.Context, h *session.Handle, st *jobState) {
	defer e.cleanup(st.id)

	log := slog.With("job_id", st.id)
	ctx = logger.WithJobID(ctx, st.id)
	log.Info("Research job started", "query", st.query,
		"wall_clock_ms", st.budgets.WallClockMs, "turns_hard", st.budgets.LLMTurnsHard)

	// Plan
	if st.plan == nil {
		switch e.boundary(ctx, st) {
		case abortCancelled:
			e.finishCancelled(h, st)
			return
		case jumpToSynthesize:
			st.plan = &Plan{}
		default:
			if err := e.phasePlan(ctx, st, h); err != nil {
				e.finishFailure(ctx, h, st, err)
				return
			}
			if st.plan.Clarification != "" {
				e.finishNeedsClarification(h, st)
				return
			}
		}
	}

	// Retrieve -> Extract -> Cluster, with bounded re-query rounds
	// when Review finds coverage insufficient.
gather:
	for {
		for _, phase := range []string{PhaseRetrieve, PhaseExtract, PhaseCluster} {
			switch e.boundary(ctx, st) {
			case abortCancelled:
				e.finishCancelled(h, st)
				return
			case jumpToSynthesize:
				break gather
			}

			if err := e.runGatherPhase(ctx, st, h, phase); err != nil {
				e.finishFailure(ctx, h, st, err)
				return
			}
		}
		break
	}

	// Synthesize and Review run even under soft stop or exhausted
	// budgets: the user always gets a best-effort answer. Only a hard
	// abort prevents them.
	for {
		if ctx.Err() != nil {
			e.finishCancelled(h, st)
			return
		}
		if err := e.phaseSynthesize(ctx, st, h); err != nil {
			e.finishFailure(ctx, h, st, err)
			return
		}

		if ctx.Err() != nil {
			e.finishCancelled(h, st)
			return
		}
		review, err := e.phaseReview(ctx, st, h)
		if err != nil {
			e.finishFailure(ctx, h, st, err)
			return
		}

		if e.shouldRequery(st, review) {
			st.rounds++
			st.extraQueries = review.MissingQueries
			log.Info("Review requested another research round",
				"round", st.rounds, "missing_queries", len(review.MissingQueries))

			for _, phase := range []string{PhaseRetrieve, PhaseExtract, PhaseCluster} {
				switch e.boundary(ctx, st) {
				case abortCancelled:
					e.finishCancelled(h, st)
					return
				case jumpToSynthesize:
					goto finalize
				}
				if err := e.runRequeryPhase(ctx, st, h, phase); err != nil {
					e.finishFailure(ctx, h, st, err)
					return
				}
			}
			continue
		}

	finalize:
		e.finishCompleted(h, st, review.FinalText)
		return
	}
}

// runGatherPhase dispatches one of the evidence phases, skipping any
// that already completed in a previous process (crash resume).
func (e *Engine) runGatherPhase(ctx context.Context, st *jobState, h *session.Handle, phase string) error {
	m, err := e.store.GetManifest(st.id)
	if err != nil {
		return err
	}
	if m != nil && m.PhaseCompleted(phase) && st.rounds == 0 {
		return nil
	}
	return e.runRequeryPhase(ctx, st, h, phase)
}

func (e *Engine) runRequeryPhase(ctx context.Context, st *jobState, h *session.Handle, phase string) error {
	switch phase {
	case PhaseRetrieve:
		return e.phaseRetrieve(ctx, st, h)
	case PhaseExtract:
		return e.phaseExtract(ctx, st, h)
	case PhaseCluster:
		return e.phaseCluster(ctx, st, h)
	default:
		return apperrors.Internal(fmt.Sprintf("unknown phase %s", phase))
	}
}

// boundary evaluates the stop conditions in priority order: hard abort,
// soft stop, wall-clock budget, hard turn budget. Soft stop and budget
// exhaustion both mean "answer now with what we have", not an error.
func (e *Engine) boundary(ctx context.Context, st *jobState) boundaryAction {
	if ctx.Err() != nil {
		return abortCancelled
	}
	if e.run.SoftStopped(st.id) {
		slog.Debug("Soft stop observed at phase boundary", "job_id", st.id)
		return jumpToSynthesize
	}
	if st.budgets.WallClockMs >= 0 {
		elapsed := time.Since(st.startedAt).Milliseconds()
		if elapsed >= st.budgets.WallClockMs {
			slog.Info("Wall clock budget exhausted", "job_id", st.id, "elapsed_ms", elapsed)
			return jumpToSynthesize
		}
	}
	if st.turnsUsed >= st.budgets.LLMTurnsHard {
		slog.Info("Hard turn budget exhausted", "job_id", st.id, "turns_used", st.turnsUsed)
		return jumpToSynthesize
	}
	return proceed
}

func (e *Engine) shouldRequery(st *jobState, review *ReviewResult) bool {
	return review.Verdict == VerdictInsufficient &&
		len(review.MissingQueries) > 0 &&
		st.rounds < e.requeryMax &&
		st.turnsUsed < st.budgets.LLMTurnsSoft &&
		!e.run.SoftStopped(st.id) &&
		e.boundaryAllowsRequery(st)
}

func (e *Engine) boundaryAllowsRequery(st *jobState) bool {
	if st.budgets.WallClockMs >= 0 &&
		time.Since(st.startedAt).Milliseconds() >= st.budgets.WallClockMs {
		return false
	}
	return st.turnsUsed < st.budgets.LLMTurnsHard
}

// llmCall routes one completion, charging the turn and its token usage
// to the given phase.
func (e *Engine) llmCall(ctx context.Context, st *jobState, phase string, messages []contract.Message) (string, error) {
	resp, err := e.router.Route(ctx, e.cfg.Models.Default, contract.CompletionRequest{
		Model:    e.cfg.Models.Default,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}

	st.turnsUsed++
	if err := e.store.AddUsage(st.id, phase, artifact.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, 1); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Terminal paths. The session layer drops anything published after the
// first terminal event, so each of these is safe even if a racing path
// already finished the job.

func (e *Engine) finishCompleted(h *session.Handle, st *jobState, finalText string) {
	if st.draftBlockID != "" && finalText != "" && finalText != st.draft {
		h.Publish(session.UpdateBlockEvent(st.draftBlockID, BlockPatch{Content: finalText}))
	}
	if err := e.store.SetStatus(st.id, artifact.StatusCompleted, ""); err != nil {
		slog.Error("Failed to persist completed status", "job_id", st.id, "error", err)
	}
	h.Publish(session.MessageEndEvent())
	slog.Info("Research job completed", "job_id", st.id, "turns_used", st.turnsUsed)
}

// finishFailure distinguishes a phase error caused by a hard abort
// from a genuine failure: cancellation is not an error.
func (e *Engine) finishFailure(ctx context.Context, h *session.Handle, st *jobState, err error) {
	if ctx.Err() != nil {
		e.finishCancelled(h, st)
		return
	}
	e.finishError(h, st, err)
}

func (e *Engine) finishCancelled(h *session.Handle, st *jobState) {
	if err := e.store.SetStatus(st.id, artifact.StatusCancelled, ""); err != nil {
		slog.Error("Failed to persist cancelled status", "job_id", st.id, "error", err)
	}
	h.Publish(session.CancelledEvent())
	slog.Info("Research job cancelled", "job_id", st.id)
}

func (e *Engine) finishError(h *session.Handle, st *jobState, jobErr error) {
	if err := e.store.SetStatus(st.id, artifact.StatusError, jobErr.Error()); err != nil {
		slog.Error("Failed to persist error status", "job_id", st.id, "error", err)
	}
	h.Publish(session.ErrorEvent(map[string]string{"message": jobErr.Error()}))
	slog.Error("Research job failed", "job_id", st.id, "error", jobErr)
}

func (e *Engine) finishNeedsClarification(h *session.Handle, st *jobState) {
	if err := e.store.SetStatus(st.id, artifact.StatusNeedsClarification, ""); err != nil {
		slog.Error("Failed to persist clarification status", "job_id", st.id, "error", err)
	}
	h.Publish(session.BlockEvent(Block{
		ID:      newBlockID(),
		Kind:    "clarification",
		Content: st.plan.Clarification,
	}))
	h.Publish(session.MessageEndEvent())
	slog.Info("Research job needs clarification", "job_id", st.id)
}
