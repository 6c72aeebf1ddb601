package stream

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
)

// TestSubscribe_EmitsConnectedEventsThenRunComplete drives a run that is
// already terminal: the subscriber should see connected, its one event,
// then run_complete, and Subscribe should return on its own without the
// caller canceling the context.
func TestSubscribe_EmitsConnectedEventsThenRunComplete(t *testing.T) {
	store := memstore.NewStore()
	ctx := context.Background()

	run := domain.Run{ID: "run-1", WorkspaceID: "ws-1", Status: domain.RunSucceeded}
	if err := store.Runs.PutRun(ctx, run); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if _, err := store.Events.AppendEvent(ctx, domain.Event{
		RunID: "run-1", WorkspaceID: "ws-1", Type: domain.EventRunSucceeded, Data: map[string]any{},
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	f := New(store.Runs, store.Events, nil)
	sc := NewSafeChannel(16)

	done := make(chan error, 1)
	go func() { done <- f.Subscribe(ctx, "run-1", sc) }()

	var frames []Frame
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case frame, ok := <-sc.Out:
			if !ok {
				break loop
			}
			frames = append(frames, frame)
		case <-timeout:
			t.Fatal("timed out waiting for subscription to complete")
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscribe returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe goroutine did not return after closing its channel")
	}

	if len(frames) < 3 {
		t.Fatalf("expected at least connected+event+run_complete frames, got %+v", frames)
	}
	if frames[0].Type != FrameConnected {
		t.Errorf("expected first frame to be connected, got %s", frames[0].Type)
	}
	last := frames[len(frames)-1]
	if last.Type != FrameRunComplete {
		t.Errorf("expected last frame to be run_complete, got %s", last.Type)
	}
	if last.Status != domain.RunSucceeded {
		t.Errorf("expected run_complete to carry the terminal status, got %s", last.Status)
	}
}

// TestSubscribe_ReturnsOnContextCancel confirms a canceled context unblocks
// Subscribe even when the run never reaches a terminal status.
func TestSubscribe_ReturnsOnContextCancel(t *testing.T) {
	store := memstore.NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	run := domain.Run{ID: "run-2", WorkspaceID: "ws-1", Status: domain.RunRunning}
	if err := store.Runs.PutRun(context.Background(), run); err != nil {
		t.Fatalf("put run: %v", err)
	}

	f := New(store.Runs, store.Events, nil)
	sc := NewSafeChannel(16)

	done := make(chan error, 1)
	go func() { done <- f.Subscribe(ctx, "run-2", sc) }()

	// Drain the connected frame, then cancel before any poll tick fires.
	select {
	case <-sc.Out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected frame")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return promptly after context cancellation")
	}
}

func TestSafeChannel_CloseIsIdempotent(t *testing.T) {
	sc := NewSafeChannel(1)
	sc.Close()
	sc.Close()
}
