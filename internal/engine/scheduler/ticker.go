package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/core"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

var _ core.Service = (*TickWorker)(nil)
var _ core.DescriptorProvider = (*TickWorker)(nil)

// TickWorker drives unscoped Tick calls on a fixed interval, the
// always-on counterpart to the Boundary's /internal/tick endpoint named in
// spec §6. Grounded on
// internal/app/services/oracle/dispatcher.go's Start/Stop ticker-goroutine
// lifecycle.
type TickWorker struct {
	scheduler   *Scheduler
	log         *logger.Logger
	interval    time.Duration
	maxSteps    int
	concurrency int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewTickWorker constructs a lifecycle-managed scheduled-tick worker.
func NewTickWorker(sched *Scheduler, interval time.Duration, maxSteps, concurrency int, log *logger.Logger) *TickWorker {
	if log == nil {
		log = logger.NewDefault("tick-worker")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TickWorker{scheduler: sched, log: log, interval: interval, maxSteps: maxSteps, concurrency: concurrency}
}

func (t *TickWorker) Name() string { return "tick-worker" }

func (t *TickWorker) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "tick-worker", Domain: "workflow", Layer: core.LayerEngine, Capabilities: []string{"schedule", "claim"}}
}

func (t *TickWorker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				counts := t.scheduler.Tick(runCtx, t.maxSteps, t.concurrency, Scope{})
				if counts.Claimed > 0 {
					t.log.WithField("claimed", counts.Claimed).
						WithField("succeeded", counts.Succeeded).
						WithField("failed", counts.Failed).
						WithField("retrying", counts.Retrying).
						WithField("blocked", counts.Blocked).
						Info("tick-worker: batch processed")
				}
			}
		}
	}()
	return nil
}

func (t *TickWorker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.running = false
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
