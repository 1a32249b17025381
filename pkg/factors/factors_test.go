package factors

import (
	"context"
	"testing"
	"time"

	"github.com/latticerun/lattice/pkg/kv"
)

type nullStoreManager struct{}

func (nullStoreManager) Get(ctx context.Context, name string) (kv.Store, error) {
	return nil, kv.ErrNoSuchStore
}
func (nullStoreManager) IsDefined(name string) bool  { return false }
func (nullStoreManager) Summary(name string) string  { return "null" }

func TestEpochScheduleClampsDegenerateInterval(t *testing.T) {
	s := NewEpochSchedule(nil, 0, 10*time.Millisecond)
	if s.Ticks != 1 {
		t.Fatalf("expected clamp to 1 tick, got %d", s.Ticks)
	}
	if s.Disabled() {
		t.Fatal("clamped schedule must not be disabled")
	}
}

func TestEpochScheduleClampsSubTickInterval(t *testing.T) {
	s := NewEpochSchedule(nil, 2*time.Millisecond, 10*time.Millisecond)
	if s.Ticks != 1 {
		t.Fatalf("expected clamp to 1 tick, got %d", s.Ticks)
	}
}

func TestEpochScheduleDisablesAbsurdInterval(t *testing.T) {
	s := NewEpochSchedule(nil, 1000000*time.Hour, 10*time.Millisecond)
	if !s.Disabled() {
		t.Fatalf("expected absurd interval to disable yielding, got %d ticks", s.Ticks)
	}
}

func TestEpochScheduleComputesTickCount(t *testing.T) {
	s := NewEpochSchedule(nil, 100*time.Millisecond, 10*time.Millisecond)
	if s.Ticks != 10 {
		t.Fatalf("expected 10 ticks, got %d", s.Ticks)
	}
}

func TestEpochTickerFiresYieldAtBoundary(t *testing.T) {
	schedule := EpochSchedule{TickInterval: 2 * time.Millisecond, Ticks: 2}
	ticker := StartEpochTicker(schedule)
	defer ticker.Stop()
	select {
	case <-ticker.Yield():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a yield signal within 500ms")
	}
}

func TestDisabledEpochTickerNeverYields(t *testing.T) {
	schedule := EpochSchedule{TickInterval: time.Millisecond, Ticks: 0}
	ticker := StartEpochTicker(schedule)
	defer ticker.Stop()
	select {
	case <-ticker.Yield():
		t.Fatal("disabled schedule must never yield")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBindAndClose(t *testing.T) {
	b := NewBinder(nil, nullStoreManager{}, Limits{
		MemoryLimitBytes:  16 * 1024 * 1024,
		CPUTimeLimit:      time.Second,
		YieldInterval:     50 * time.Millisecond,
		EpochTickInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()
	state, err := b.Bind(ctx, BindOptions{
		ComponentID:   "demo",
		Env:           map[string]string{"FOO": "bar"},
		AllowedStores: []string{"default"},
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer func() {
		if err := state.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()
	if state.Runtime() == nil {
		t.Fatal("expected a non-nil runtime")
	}
	cfg := state.ModuleConfig()
	if cfg == nil {
		t.Fatal("expected a non-nil module config")
	}
}
