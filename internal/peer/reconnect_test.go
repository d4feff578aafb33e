package peer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hao2203/wavetun/internal/identity"
)

func newTestNodeID(t *testing.T) identity.NodeId {
	t.Helper()
	id, err := identity.NewNodeId()
	if err != nil {
		t.Fatalf("identity.NewNodeId() error = %v", err)
	}
	return id
}

func TestReconnector_RetriesUntilCallbackSucceeds(t *testing.T) {
	var calls int64
	done := make(chan struct{})

	cfg := ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0,
	}
	r := NewReconnector(cfg, func(id identity.NodeId) error {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			return errUnreachable
		}
		close(done)
		return nil
	})
	defer r.Stop()

	r.Schedule(newTestNodeID(t))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never succeeded after retries")
	}

	if got := atomic.LoadInt64(&calls); got < 3 {
		t.Errorf("callback invoked %d times, want at least 3", got)
	}
}

func TestReconnector_CancelStopsPendingRetry(t *testing.T) {
	var calls int64
	cfg := ReconnectConfig{
		InitialDelay: 30 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	r := NewReconnector(cfg, func(id identity.NodeId) error {
		atomic.AddInt64(&calls, 1)
		return errUnreachable
	})
	defer r.Stop()

	nodeID := newTestNodeID(t)
	r.Schedule(nodeID)
	if !r.IsPending(nodeID) {
		t.Fatal("expected a pending reconnect state after Schedule")
	}
	r.Cancel(nodeID)
	if r.IsPending(nodeID) {
		t.Error("Cancel should clear the pending state")
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt64(&calls) != 0 {
		t.Error("callback should not fire after Cancel")
	}
}

func TestReconnector_MaxAttemptsStopsRetrying(t *testing.T) {
	var calls int64
	cfg := ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
	}
	r := NewReconnector(cfg, func(id identity.NodeId) error {
		atomic.AddInt64(&calls, 1)
		return errUnreachable
	})
	defer r.Stop()

	nodeID := newTestNodeID(t)
	r.Schedule(nodeID)
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("callback invoked %d times, want exactly MaxAttempts=2", got)
	}
	if r.IsPending(nodeID) {
		t.Error("state should be cleared once MaxAttempts is reached")
	}
}

func TestBackoffCalculator_ExponentialGrowthCapsAtMaxDelay(t *testing.T) {
	cfg := ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
	b := NewBackoffCalculator(cfg)

	if d := b.CalculateDelay(0); d != 1*time.Second {
		t.Errorf("CalculateDelay(0) = %v, want 1s", d)
	}
	if d := b.CalculateDelay(1); d != 2*time.Second {
		t.Errorf("CalculateDelay(1) = %v, want 2s", d)
	}
	if d := b.CalculateDelay(10); d != cfg.MaxDelay {
		t.Errorf("CalculateDelay(10) = %v, want capped at MaxDelay %v", d, cfg.MaxDelay)
	}
}

var errUnreachable = &reconnectTestError{"peer unreachable"}

type reconnectTestError struct{ msg string }

func (e *reconnectTestError) Error() string { return e.msg }
