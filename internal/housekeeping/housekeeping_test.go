package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// Scenario 7: a capability refresh fires once after the configured
// interval and updates cached state without an explicit force call.
func TestRefreshCapabilitiesAfter(t *testing.T) {
	j, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = j.Stop() })

	var calls atomic.Int32
	done := make(chan struct{}, 1)
	err = j.RefreshCapabilitiesAfter(50*time.Millisecond, "agent-1", func(ctx context.Context) error {
		calls.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("RefreshCapabilitiesAfter: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh job to run")
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh called %d times, want exactly 1", got)
	}
}

func TestChannelSweepReportRuns(t *testing.T) {
	j, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = j.Stop() })

	var count atomic.Int32
	hits := make(chan struct{}, 4)
	err = j.ChannelSweepReport(30*time.Millisecond, func() int {
		hits <- struct{}{}
		return int(count.Add(1))
	})
	if err != nil {
		t.Fatalf("ChannelSweepReport: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sweep report tick")
		}
	}
}
