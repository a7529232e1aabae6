package sync

import (
	"context"
	"testing"
	"time"

	"brokersync/internal/models"
)

func TestAutoSyncRunsOnInterval(t *testing.T) {
	broker := newFakeBroker()
	broker.accounts = nil // empty broker, runs complete instantly

	o := NewOrchestrator(broker, nil)
	cfg := models.SyncConfig{AutoSyncInterval: 5 * time.Millisecond}

	auto := NewAutoSync(o, cfg)
	auto.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if len(broker.recorded()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("auto sync never ticked twice")
		case <-time.After(time.Millisecond):
		}
	}

	auto.Stop()
	if o.LastResult() == nil {
		t.Error("no result recorded by the periodic runs")
	}
}

func TestAutoSyncStopBeforeTick(t *testing.T) {
	broker := newFakeBroker()
	o := NewOrchestrator(broker, nil)

	auto := NewAutoSync(o, models.SyncConfig{AutoSyncInterval: time.Hour})
	auto.Start(context.Background())
	auto.Stop() // must return promptly, not wait for the first tick

	if calls := broker.recorded(); len(calls) != 0 {
		t.Errorf("calls = %v, want none before the first tick", calls)
	}
}
