package session

import (
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d of %d", len(got), n)
		}
	}
	return got
}

func TestManager_SubscriberReceivesEventsInOrder(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ch, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	h.Publish(BlockEvent(map[string]string{"id": "b1", "content": "found a source"}))
	h.Publish(UpdateBlockEvent("b1", "found two sources"))
	h.Publish(MessageEndEvent())

	got := collectEvents(t, ch, 3)
	if got[0].Type != EventBlock || got[1].Type != EventUpdateBlock || got[2].Type != EventMessageEnd {
		t.Errorf("unexpected event order: %v, %v, %v", got[0].Type, got[1].Type, got[2].Type)
	}

	// The channel closes after the terminal event.
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after terminal event")
	}
}

func TestManager_DuplicateSessionRejected(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	if _, err := m.CreateSession("job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession("job-1"); err == nil {
		t.Error("duplicate session id should be rejected")
	}
}

func TestManager_SubscribeUnknownSession(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	if _, _, err := m.Subscribe("nope"); err == nil {
		t.Error("subscribe to unknown session should fail")
	}
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h1, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession("job-2"); err != nil {
		t.Fatal(err)
	}

	ch2, unsub2, err := m.Subscribe("job-2")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub2()

	h1.Publish(BlockEvent(map[string]string{"id": "b1", "content": "job-1 only"}))

	select {
	case ev := <-ch2:
		t.Errorf("job-2 subscriber received job-1 event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_LateSubscriberGetsTerminalEvent(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}

	h.Publish(BlockEvent(map[string]string{"id": "b1", "content": "the answer"}))
	h.Publish(MessageEndEvent())

	// Subscribing after termination yields exactly the terminal event.
	ch, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	got := collectEvents(t, ch, 1)
	if got[0].Type != EventMessageEnd {
		t.Errorf("late subscriber got %v, want messageEnd", got[0].Type)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should close after replayed terminal event")
	}
}

func TestManager_NoEventsAfterTerminal(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	h.Publish(ErrorEvent("model unavailable"))
	// Published after the terminal: must be dropped.
	h.Publish(BlockEvent(map[string]string{"id": "b1", "content": "too late"}))
	h.Publish(MessageEndEvent())

	got := collectEvents(t, ch, 1)
	if got[0].Type != EventError {
		t.Errorf("got %v, want error terminal", got[0].Type)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber should see exactly one terminal event")
	}
}

func TestManager_UnsubscribeIsIdempotent(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}

	_, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}

	unsubscribe()
	unsubscribe() // second call is a no-op

	// The session is still publishable for other subscribers.
	ch, unsub2, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub2()

	h.Publish(MessageEndEvent())
	got := collectEvents(t, ch, 1)
	if got[0].Type != EventMessageEnd {
		t.Errorf("got %v, want messageEnd", got[0].Type)
	}
}

func TestManager_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	// Publish a burst without reading; publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(UpdateBlockEvent("b1", "update"))
		}
		h.Publish(MessageEndEvent())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	got := collectEvents(t, ch, 101)
	if got[len(got)-1].Type != EventMessageEnd {
		t.Errorf("last event = %v, want messageEnd", got[len(got)-1].Type)
	}
}

func TestManager_SweepRemovesExpiredSessions(t *testing.T) {
	m := NewManager(10*time.Millisecond, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}
	h.Publish(MessageEndEvent())

	// Terminated with no subscribers; expires after the grace period.
	time.Sleep(30 * time.Millisecond)
	m.Sweep()

	if m.Exists("job-1") {
		t.Error("terminated unobserved session should be swept")
	}
}

func TestManager_SweepKeepsObservedSessions(t *testing.T) {
	m := NewManager(10*time.Millisecond, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	h.Publish(MessageEndEvent())
	collectEvents(t, ch, 1)

	time.Sleep(30 * time.Millisecond)
	m.Sweep()

	// Still subscribed, so the session survives.
	if !m.Exists("job-1") {
		t.Error("session with a live subscriber should survive sweep")
	}
}

func TestManager_UnsubscribeLeavesOtherSubscribersIntact(t *testing.T) {
	m := NewManager(time.Minute, "")
	defer m.Stop()

	h, err := m.CreateSession("job-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ch1, unsub1, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	defer unsub1()

	ch2, unsub2, err := m.Subscribe("job-1")
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}

	h.Publish(BlockEvent(map[string]string{"id": "b1", "content": "first finding"}))
	collectEvents(t, ch1, 1)
	collectEvents(t, ch2, 1)

	// Dropping one subscriber mid-stream must not disturb the other.
	unsub2()

	h.Publish(UpdateBlockEvent("b1", "revised finding"))
	h.Publish(BlockEvent(map[string]string{"id": "b2", "content": "second finding"}))
	h.Publish(MessageEndEvent())

	got := collectEvents(t, ch1, 3)
	if got[0].Type != EventUpdateBlock || got[1].Type != EventBlock || got[2].Type != EventMessageEnd {
		t.Errorf("unexpected event order: %v, %v, %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if _, ok := <-ch1; ok {
		t.Error("survivor channel should close after terminal event")
	}

	// The removed subscriber gets nothing further.
	select {
	case _, ok := <-ch2:
		if ok {
			t.Error("unsubscribed channel should not deliver more events")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
