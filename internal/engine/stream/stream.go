// Package stream implements the Event Stream Fan-out (C9): per-run
// server-sent-event subscriptions that poll the event log and emit
// framed records, keep-alive pings, and a terminal run_complete frame.
// Grounded on internal/app/services/oracle/dispatcher.go's ticker
// lifecycle (Start/Stop/sync.WaitGroup shape), adapted to per-subscriber
// polling instead of one shared tick.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// PollInterval is the spec's POLL_INTERVAL_MS.
const PollInterval = 2 * time.Second

// PingInterval is the spec's PING_INTERVAL_MS.
const PingInterval = 30 * time.Second

// errorBackoff is how long a failed eventsSince poll backs off before retry
// (spec §4.9: "back off to 4s before retry").
const errorBackoff = 4 * time.Second

// FrameType enumerates the kinds of frames pushed to a subscriber.
type FrameType string

const (
	FrameConnected   FrameType = "connected"
	FrameEvent       FrameType = "event"
	FramePing        FrameType = "ping"
	FrameRunComplete FrameType = "run_complete"
)

// Frame is one record pushed to a subscriber's output channel.
type Frame struct {
	Type      FrameType
	RunID     string
	Timestamp time.Time
	Event     *domain.Event
	Status    domain.RunStatus
}

// Fanout drives per-run subscription polling loops.
type Fanout struct {
	Runs   storage.RunStore
	Events storage.EventStore
	Log    *logger.Logger
	Clock  func() time.Time

	// PollInterval/PingInterval default to the package constants; callers
	// may override them (e.g. from configuration) before Subscribe runs.
	PollInterval time.Duration
	PingInterval time.Duration
}

// New constructs a Fanout with the spec's default poll/ping cadence.
func New(runs storage.RunStore, events storage.EventStore, log *logger.Logger) *Fanout {
	if log == nil {
		log = logger.NewDefault("event-stream")
	}
	return &Fanout{
		Runs: runs, Events: events, Log: log, Clock: time.Now,
		PollInterval: PollInterval,
		PingInterval: PingInterval,
	}
}

// Subscribe implements spec §4.9's subscribe(runId, out): it blocks,
// pushing frames to sc.Out, until the run reaches a terminal status
// (after which it pushes run_complete and returns) or ctx is canceled.
// Subscribe is the channel's sole writer, so it owns closing it: callers
// must not close sc.Out themselves, only read until it closes.
func (f *Fanout) Subscribe(ctx context.Context, runID string, sc *SafeChannel) error {
	defer sc.Close()
	out := sc.Out

	now := f.Clock()
	if err := f.push(ctx, out, Frame{Type: FrameConnected, RunID: runID, Timestamp: now}); err != nil {
		return err
	}

	pollInterval := f.PollInterval
	if pollInterval <= 0 {
		pollInterval = PollInterval
	}
	pingInterval := f.PingInterval
	if pingInterval <= 0 {
		pingInterval = PingInterval
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	last := time.Time{}
	backoff := pollInterval

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pingTicker.C:
			if err := f.push(ctx, out, Frame{Type: FramePing, RunID: runID, Timestamp: f.Clock()}); err != nil {
				return nil
			}
		case <-pollTicker.C:
			done, newLast, err := f.pollOnce(ctx, runID, last, out)
			if err != nil {
				f.Log.WithError(err).WithField("run_id", runID).Warn("stream: poll failed, backing off")
				pollTicker.Reset(errorBackoff)
				backoff = errorBackoff
				continue
			}
			if backoff != pollInterval {
				pollTicker.Reset(pollInterval)
				backoff = pollInterval
			}
			last = newLast
			if done {
				return nil
			}
		}
	}
}

// pollOnce implements one eventsSince(runId, last) cycle: push every new
// event, then check whether the run has reached a terminal status.
func (f *Fanout) pollOnce(ctx context.Context, runID string, last time.Time, out chan<- Frame) (bool, time.Time, error) {
	events, err := f.Events.EventsSince(ctx, runID, last)
	if err != nil {
		return false, last, err
	}
	for i := range events {
		ev := events[i]
		if err := f.push(ctx, out, Frame{Type: FrameEvent, RunID: runID, Timestamp: ev.TS, Event: &ev}); err != nil {
			return false, last, nil
		}
		if ev.TS.After(last) {
			last = ev.TS
		}
	}

	run, err := f.Runs.GetRun(ctx, runID)
	if err != nil {
		return false, last, err
	}
	if !run.Status.Terminal() {
		return false, last, nil
	}

	if err := f.push(ctx, out, Frame{Type: FrameRunComplete, RunID: runID, Timestamp: f.Clock(), Status: run.Status}); err != nil {
		return true, last, nil
	}
	return true, last, nil
}

// push delivers a frame unless the context is already canceled, avoiding a
// send on a channel whose reader has gone away.
func (f *Fanout) push(ctx context.Context, out chan<- Frame, frame Frame) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SafeChannel once-guards close of a subscriber's output channel. Subscribe
// closes it on every return path; a caller that also holds a reference
// (e.g. to bail out early after canceling ctx) can call Close without
// risking a double-close panic.
type SafeChannel struct {
	once sync.Once
	Out  chan Frame
}

// NewSafeChannel allocates a buffered Frame channel guarded against
// double-close.
func NewSafeChannel(buffer int) *SafeChannel {
	return &SafeChannel{Out: make(chan Frame, buffer)}
}

// Close closes the underlying channel exactly once.
func (s *SafeChannel) Close() {
	s.once.Do(func() { close(s.Out) })
}
