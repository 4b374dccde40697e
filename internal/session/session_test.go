package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCompleteAndWait(t *testing.T) {
	t.Parallel()

	s := New("pack", "file")

	go func() {
		s.Complete("pack")
		s.Complete("file")
	}()

	done := make(chan struct{})
	go func() {
		s.Wait("pack", "file")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after all signals posted")
	}
}

func TestCompleteIdempotent(t *testing.T) {
	t.Parallel()

	s := New("pack")
	s.Complete("pack")
	s.Complete("pack") // must not panic on double close

	select {
	case <-s.Done("pack"):
	default:
		t.Error("Done channel should be closed")
	}
}

func TestCompleteUnknownPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown signal name")
		}
	}()
	New("pack").Complete("nope")
}

func TestCancelRunsHooksOnce(t *testing.T) {
	t.Parallel()

	s := New()
	var calls atomic.Int32
	s.OnCancel(func() { calls.Add(1) })

	s.Cancel()
	s.Cancel()

	if !s.Cancelled() {
		t.Error("Cancelled should be true")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("hook ran %d times, want 1", got)
	}
}

func TestOnCancelAfterCancelRunsImmediately(t *testing.T) {
	t.Parallel()

	s := New()
	s.Cancel()

	ran := false
	s.OnCancel(func() { ran = true })
	if !ran {
		t.Error("hook registered after Cancel should run immediately")
	}
}
