package control

import (
	"context"
	"sync"
)

// RunControl tracks per-session soft-stop flags and in-flight retrieval
// cancel functions. Soft stop is advisory: the engine observes it at
// phase boundaries and jumps ahead to synthesis with whatever evidence
// it has. Aborting retrieval cancels the fan-out contexts immediately.
type RunControl struct {
	mu         sync.Mutex
	softStop   map[string]bool
	retrievals map[string]map[int]context.CancelFunc
	nextToken  map[string]int
}

func NewRunControl() *RunControl {
	return &RunControl{
		softStop:   make(map[string]bool),
		retrievals: make(map[string]map[int]context.CancelFunc),
		nextToken:  make(map[string]int),
	}
}

func (rc *RunControl) SetSoftStop(sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.softStop[sessionID] = true
}

func (rc *RunControl) SoftStopped(sessionID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.softStop[sessionID]
}

// ClearSoftStop resets the flag; used when a session id is reused in tests.
func (rc *RunControl) ClearSoftStop(sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.softStop, sessionID)
}

// RegisterRetrieval records a cancel func for one in-flight retrieval
// unit and returns a token for deregistration.
func (rc *RunControl) RegisterRetrieval(sessionID string, cancel context.CancelFunc) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.retrievals[sessionID] == nil {
		rc.retrievals[sessionID] = make(map[int]context.CancelFunc)
	}
	token := rc.nextToken[sessionID]
	rc.nextToken[sessionID] = token + 1
	rc.retrievals[sessionID][token] = cancel
	return token
}

func (rc *RunControl) UnregisterRetrieval(sessionID string, token int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.retrievals[sessionID], token)
}

// AbortRetrieval cancels every registered retrieval context for the
// session. Safe to call when none are in flight.
func (rc *RunControl) AbortRetrieval(sessionID string) {
	rc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rc.retrievals[sessionID]))
	for _, cancel := range rc.retrievals[sessionID] {
		cancels = append(cancels, cancel)
	}
	delete(rc.retrievals, sessionID)
	rc.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Clear drops all state for the session once its run finishes.
func (rc *RunControl) Clear(sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.softStop, sessionID)
	delete(rc.retrievals, sessionID)
	delete(rc.nextToken, sessionID)
}

// CancelRegistry maps running sessions to their root cancel funcs so a
// hard abort can tear the run down from outside the engine goroutine.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (cr *CancelRegistry) Register(sessionID string, cancel context.CancelFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.cancels[sessionID] = cancel
}

// Cancel fires the registered cancel func and reports whether one was
// found. Calling it twice for the same session is a no-op the second
// time.
func (cr *CancelRegistry) Cancel(sessionID string) bool {
	cr.mu.Lock()
	cancel, ok := cr.cancels[sessionID]
	delete(cr.cancels, sessionID)
	cr.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// CancelAll fires every registered cancel func and returns how many
// were live. Used during daemon shutdown.
func (cr *CancelRegistry) CancelAll() int {
	cr.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(cr.cancels))
	for _, cancel := range cr.cancels {
		cancels = append(cancels, cancel)
	}
	cr.cancels = make(map[string]context.CancelFunc)
	cr.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (cr *CancelRegistry) Unregister(sessionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.cancels, sessionID)
}

func (cr *CancelRegistry) Exists(sessionID string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	_, ok := cr.cancels[sessionID]
	return ok
}
