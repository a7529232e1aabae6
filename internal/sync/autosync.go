package sync

import (
	"context"
	"log"
	"sync"
	"time"

	"brokersync/internal/models"
)

// AutoSync re-runs a sync on a fixed interval. A tick is skipped when the
// previous run is still active.
type AutoSync struct {
	orchestrator *Orchestrator
	cfg          models.SyncConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoSync creates an interval sync loop. cfg.AutoSyncInterval must be
// positive before Start is called.
func NewAutoSync(orchestrator *Orchestrator, cfg models.SyncConfig) *AutoSync {
	return &AutoSync{orchestrator: orchestrator, cfg: cfg}
}

// Start begins the periodic loop. The first sync runs on the first tick, not
// immediately.
func (a *AutoSync) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.run()
}

// Stop halts the loop and waits for any in-progress tick to finish.
func (a *AutoSync) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *AutoSync) run() {
	defer a.wg.Done()

	interval := a.cfg.AutoSyncInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[AutoSync] Running every %v", interval)

	for {
		select {
		case <-a.ctx.Done():
			log.Printf("[AutoSync] Stopped")
			return
		case <-ticker.C:
			if a.orchestrator.State() == StateRunning {
				log.Printf("[AutoSync] Previous run still active, skipping tick")
				continue
			}
			result, err := a.orchestrator.StartSync(a.ctx, a.cfg)
			if err != nil {
				log.Printf("[AutoSync] Sync rejected: %v", err)
				continue
			}
			if !result.Success {
				log.Printf("[AutoSync] Sync finished with %d errors", len(result.Errors))
			}
		}
	}
}
