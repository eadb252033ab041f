package relayq

import (
	"fmt"
	"testing"
	"time"
)

func historyEntry(i int, outcome Outcome, d time.Duration) HistoryEntry {
	return HistoryEntry{
		RequestID: fmt.Sprintf("req-%d", i),
		Action:    "save_settings",
		Outcome:   outcome,
		StartedAt: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		Duration:  d,
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	ring := NewHistoryRing(3)
	for i := 0; i < 5; i++ {
		ring.Append(historyEntry(i, OutcomeSuccess, time.Millisecond))
	}

	if ring.Len() != 3 {
		t.Fatalf("Expected 3 retained entries, got %d", ring.Len())
	}
	entries := ring.Entries(HistoryFilter{})
	want := []string{"req-2", "req-3", "req-4"}
	for i, id := range want {
		if entries[i].RequestID != id {
			t.Errorf("Expected position %d to be %s, got %s", i, id, entries[i].RequestID)
		}
	}
}

func TestHistoryRingInsertionOrder(t *testing.T) {
	ring := NewHistoryRing(10)
	for i := 0; i < 4; i++ {
		ring.Append(historyEntry(i, OutcomeSuccess, time.Millisecond))
	}
	entries := ring.Entries(HistoryFilter{})
	for i := range entries {
		if entries[i].RequestID != fmt.Sprintf("req-%d", i) {
			t.Errorf("Expected oldest-first order, got %s at %d", entries[i].RequestID, i)
		}
	}
}

func TestHistoryRingFilters(t *testing.T) {
	ring := NewHistoryRing(10)
	ring.Append(HistoryEntry{RequestID: "a", Action: "get_settings", Outcome: OutcomeSuccess, StartedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)})
	ring.Append(HistoryEntry{RequestID: "b", Action: "save_settings", Outcome: OutcomeFailure, ErrorType: ErrorTypeNetwork, StartedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)})
	ring.Append(HistoryEntry{RequestID: "c", Action: "save_settings", Outcome: OutcomeCancelled, StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})

	byAction := ring.Entries(HistoryFilter{Action: "save_settings"})
	if len(byAction) != 2 {
		t.Errorf("Expected 2 save_settings entries, got %d", len(byAction))
	}
	byOutcome := ring.Entries(HistoryFilter{Outcome: OutcomeFailure})
	if len(byOutcome) != 1 || byOutcome[0].RequestID != "b" {
		t.Errorf("Expected the failure entry, got %+v", byOutcome)
	}
	since := ring.Entries(HistoryFilter{Since: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)})
	if len(since) != 2 {
		t.Errorf("Expected 2 entries after 10:30, got %d", len(since))
	}
	until := ring.Entries(HistoryFilter{Until: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)})
	if len(until) != 1 || until[0].RequestID != "a" {
		t.Errorf("Expected 1 entry before 10:30, got %+v", until)
	}
	window := ring.Entries(HistoryFilter{
		Action: "save_settings",
		Since:  time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC),
	})
	if len(window) != 1 || window[0].RequestID != "c" {
		t.Errorf("Expected the late save entry, got %+v", window)
	}
}

func TestHistoryRingSnapshot(t *testing.T) {
	ring := NewHistoryRing(10)
	ring.Append(historyEntry(0, OutcomeSuccess, 10*time.Millisecond))
	ring.Append(historyEntry(1, OutcomeSuccess, 30*time.Millisecond))
	ring.Append(HistoryEntry{RequestID: "f", Action: "save_settings", Outcome: OutcomeFailure, ErrorType: ErrorTypeTimeout, Duration: 20 * time.Millisecond})
	ring.Append(HistoryEntry{RequestID: "x", Action: "save_settings", Outcome: OutcomeCancelled})

	snap := ring.snapshot(4, 2)
	if snap.Successes != 2 || snap.Failures != 1 || snap.Cancelled != 1 {
		t.Errorf("Expected 2/1/1 outcomes, got %d/%d/%d", snap.Successes, snap.Failures, snap.Cancelled)
	}
	if snap.FailuresByType[ErrorTypeTimeout] != 1 {
		t.Errorf("Expected one timeout failure, got %v", snap.FailuresByType)
	}
	if snap.MinLatency != 10*time.Millisecond || snap.MaxLatency != 30*time.Millisecond {
		t.Errorf("Expected latency bounds 10ms/30ms, got %v/%v", snap.MinLatency, snap.MaxLatency)
	}
	if snap.AvgLatency != 20*time.Millisecond {
		t.Errorf("Expected average latency 20ms, got %v", snap.AvgLatency)
	}
	if snap.QueueDepth != 4 || snap.InFlight != 2 {
		t.Errorf("Expected sampled gauges 4/2, got %d/%d", snap.QueueDepth, snap.InFlight)
	}
}

func TestHistoryRingZeroCapacityDefaults(t *testing.T) {
	ring := NewHistoryRing(0)
	for i := 0; i < defaultMaxHistory+5; i++ {
		ring.Append(historyEntry(i%60, OutcomeSuccess, time.Millisecond))
	}
	if ring.Len() != defaultMaxHistory {
		t.Errorf("Expected default capacity %d, got %d", defaultMaxHistory, ring.Len())
	}
}
