package concurrency

import (
	"sync"
	"testing"
)

func TestSimpleJobLockManager_SerializesSameJob(t *testing.T) {
	m := NewSimpleJobLockManager()

	const workers = 8
	const iterations = 50

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock("job-1")
				counter++
				m.Unlock("job-1")
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Errorf("counter = %d, want %d", counter, workers*iterations)
	}
}

func TestSimpleJobLockManager_JobsAreIndependent(t *testing.T) {
	m := NewSimpleJobLockManager()

	m.Lock("job-1")

	done := make(chan struct{})
	go func() {
		m.Lock("job-2")
		m.Unlock("job-2")
		close(done)
	}()

	// A different job's lock must not wait on job-1.
	<-done
	m.Unlock("job-1")
}
