package control

import (
	"context"
	"testing"
)

func TestRunControl_SoftStop(t *testing.T) {
	rc := NewRunControl()

	if rc.SoftStopped("job-1") {
		t.Error("fresh session should not be soft-stopped")
	}

	rc.SetSoftStop("job-1")
	if !rc.SoftStopped("job-1") {
		t.Error("soft stop flag not set")
	}
	if rc.SoftStopped("job-2") {
		t.Error("soft stop leaked across sessions")
	}

	rc.ClearSoftStop("job-1")
	if rc.SoftStopped("job-1") {
		t.Error("soft stop flag not cleared")
	}
}

func TestRunControl_AbortRetrievalCancelsAllUnits(t *testing.T) {
	rc := NewRunControl()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	rc.RegisterRetrieval("job-1", cancel1)
	rc.RegisterRetrieval("job-1", cancel2)

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()
	rc.RegisterRetrieval("job-2", otherCancel)

	rc.AbortRetrieval("job-1")

	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("retrieval contexts not cancelled by abort")
	}
	if otherCtx.Err() != nil {
		t.Error("abort cancelled a unit belonging to another session")
	}

	// Calling again with nothing in flight must not panic.
	rc.AbortRetrieval("job-1")
}

func TestRunControl_UnregisteredUnitIsNotCancelled(t *testing.T) {
	rc := NewRunControl()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := rc.RegisterRetrieval("job-1", cancel)
	rc.UnregisterRetrieval("job-1", token)
	rc.AbortRetrieval("job-1")

	if ctx.Err() != nil {
		t.Error("unregistered unit should not be cancelled by abort")
	}
}

func TestCancelRegistry_CancelIsIdempotent(t *testing.T) {
	cr := NewCancelRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cr.Register("job-1", cancel)
	if !cr.Exists("job-1") {
		t.Error("registered session not found")
	}

	if !cr.Cancel("job-1") {
		t.Error("first cancel should report a live registration")
	}
	if ctx.Err() == nil {
		t.Error("cancel func not fired")
	}

	// Second cancel finds nothing.
	if cr.Cancel("job-1") {
		t.Error("second cancel should report no live registration")
	}
	if cr.Cancel("never-registered") {
		t.Error("cancel of unknown session should report false")
	}
}

func TestCancelRegistry_CancelAll(t *testing.T) {
	cr := NewCancelRegistry()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	cr.Register("job-1", cancel1)
	cr.Register("job-2", cancel2)

	if n := cr.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("not all sessions cancelled")
	}
	if cr.Exists("job-1") || cr.Exists("job-2") {
		t.Error("registry not emptied after CancelAll")
	}
}
