package concurrency

import "sync"

// SimpleJobLockManager serializes per-job processing.
type SimpleJobLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewSimpleJobLockManager() *SimpleJobLockManager {
	return &SimpleJobLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *SimpleJobLockManager) Lock(jobID string) {
	m.mu.Lock()
	lock, ok := m.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[jobID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *SimpleJobLockManager) Unlock(jobID string) {
	m.mu.Lock()
	lock, ok := m.locks[jobID]
	if ok {
		lock.Unlock()
	}
	m.mu.Unlock()
}
