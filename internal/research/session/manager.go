package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/concurrency"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"

	"github.com/robfig/cron/v3"
)

// Manager is the in-memory registry of live jobs. Each job's driver
// publishes through a Handle; any number of consumers subscribe and
// each receives every subsequent event in publish order. After a job
// terminates the Manager retains only the terminal event so a
// reconnecting consumer still learns the outcome.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*liveSession
	gracePeriod time.Duration
	cron        *cron.Cron
	sweepSpec   string
}

type liveSession struct {
	jobID       string
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int
	terminal    *Event
	emptySince  time.Time
}

// subscriber pumps events from an unbounded in-order queue into its
// channel so a slow consumer never blocks the publisher or drops
// events.
type subscriber struct {
	ch       chan Event
	mu       sync.Mutex
	queue    []Event
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.ch)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
			if ev.Terminal() {
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func NewManager(gracePeriod time.Duration, sweepSpec string) *Manager {
	return &Manager{
		sessions:    make(map[string]*liveSession),
		gracePeriod: gracePeriod,
		sweepSpec:   sweepSpec,
	}
}

// Start schedules the periodic sweep of terminated, unobserved sessions.
func (m *Manager) Start() error {
	if m.sweepSpec == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.sweepSpec, m.Sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.sweepSpec, err)
	}
	c.Start()
	m.cron = c
	return nil
}

func (m *Manager) Stop() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
		m.cron = nil
	}

	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeAll()
	}
}

// CreateSession registers a live job and returns the publish handle.
// Fails when the job id is already registered.
func (m *Manager) CreateSession(jobID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[jobID]; exists {
		return nil, apperrors.Conflict(fmt.Sprintf("session %s already registered", jobID))
	}

	s := &liveSession{
		jobID:       jobID,
		subscribers: make(map[int]*subscriber),
	}
	m.sessions[jobID] = s
	return &Handle{manager: m, session: s}, nil
}

// Subscribe attaches a consumer to a live job. The returned channel
// yields every event published after the call, in order, and closes
// after the terminal event. If the job already terminated the channel
// yields exactly the retained terminal event. The unsubscribe func is
// idempotent.
func (m *Manager) Subscribe(jobID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	s, ok := m.sessions[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apperrors.NotFound(fmt.Sprintf("session %s not found", jobID))
	}

	sub := newSubscriber()

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	s.emptySince = time.Time{}
	if s.terminal != nil {
		sub.enqueue(*s.terminal)
	}
	s.mu.Unlock()

	concurrency.SafeGo(sub.pump, func(r interface{}) {
		slog.Error("Subscriber pump panicked", "job_id", jobID, "panic", r)
	})

	unsubscribe := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			existing.stop()
			if len(s.subscribers) == 0 && s.terminal != nil {
				s.emptySince = time.Now()
			}
		}
		s.mu.Unlock()
	}

	return sub.ch, unsubscribe, nil
}

// Exists reports whether the job is still registered.
func (m *Manager) Exists(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[jobID]
	return ok
}

// Dispose removes the session immediately, closing all subscribers.
func (m *Manager) Dispose(jobID string) {
	m.mu.Lock()
	s, ok := m.sessions[jobID]
	delete(m.sessions, jobID)
	m.mu.Unlock()

	if ok {
		s.closeAll()
	}
}

// Sweep removes sessions that terminated and have had no subscribers
// for at least the grace period.
func (m *Manager) Sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		s.mu.Lock()
		dead := s.terminal != nil && len(s.subscribers) == 0 &&
			!s.emptySince.IsZero() && now.Sub(s.emptySince) >= m.gracePeriod
		s.mu.Unlock()
		if dead {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Debug("Swept terminated sessions", "count", len(expired))
	}
}

func (s *liveSession) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One terminal event per job, no events after it.
	if s.terminal != nil {
		slog.Warn("Dropping event published after terminal", "job_id", s.jobID, "type", ev.Type)
		return
	}
	if ev.Terminal() {
		evCopy := ev
		s.terminal = &evCopy
		if len(s.subscribers) == 0 {
			s.emptySince = time.Now()
		}
	}

	for _, sub := range s.subscribers {
		sub.enqueue(ev)
	}
}

func (s *liveSession) closeAll() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[int]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Handle is the publish side of one live session, held by the job
// driver.
type Handle struct {
	manager *Manager
	session *liveSession
}

func (h *Handle) JobID() string {
	return h.session.jobID
}

func (h *Handle) Publish(ev Event) {
	h.session.publish(ev)
}

// Dispose removes the session from the registry immediately.
func (h *Handle) Dispose() {
	h.manager.Dispose(h.session.jobID)
}
