package factors

import (
	"context"
	"log/slog"
	"time"
)

// EpochSchedule converts a guest's requested yield interval and the host's
// epoch tick interval into a tick count, clamping degenerate inputs the
// way the sandbox's time-limit enforcement clamps a zero CPU budget: a
// zero or sub-tick interval is raised to one tick, and an absurdly large
// one disables yielding (Ticks == 0).
type EpochSchedule struct {
	TickInterval time.Duration
	Ticks        uint64
}

// maxSaneTicks bounds how large a yield interval we'll honor before
// treating it as "yielding effectively disabled" rather than chasing an
// absurd tick count.
const maxSaneTicks = 1 << 20

// NewEpochSchedule computes the tick count for a guest-requested yield
// interval against the host's epoch tick interval. A zero or negative
// yieldInterval, or one smaller than a single tick, is clamped up to one
// tick (immediate cooperative yield points, logged as a warning since it
// usually indicates a misconfigured component). An interval so large it
// would take more than maxSaneTicks ticks to elapse is treated as
// "yielding disabled": Ticks is set to 0 and the epoch goroutine never
// fires.
func NewEpochSchedule(logger *slog.Logger, yieldInterval, tickInterval time.Duration) EpochSchedule {
	if tickInterval <= 0 {
		tickInterval = 10 * time.Millisecond
	}
	if yieldInterval <= 0 {
		if logger != nil {
			logger.Warn("degenerate yield interval clamped to one epoch tick", "requested", yieldInterval)
		}
		return EpochSchedule{TickInterval: tickInterval, Ticks: 1}
	}
	ticks := uint64(yieldInterval / tickInterval)
	if ticks == 0 {
		if logger != nil {
			logger.Warn("yield interval shorter than one epoch tick, clamped", "requested", yieldInterval, "tick", tickInterval)
		}
		return EpochSchedule{TickInterval: tickInterval, Ticks: 1}
	}
	if ticks > maxSaneTicks {
		if logger != nil {
			logger.Warn("yield interval effectively disables cooperative yielding", "requested", yieldInterval, "ticks", ticks)
		}
		return EpochSchedule{TickInterval: tickInterval, Ticks: 0}
	}
	return EpochSchedule{TickInterval: tickInterval, Ticks: ticks}
}

// Disabled reports whether this schedule never yields.
func (s EpochSchedule) Disabled() bool { return s.Ticks == 0 }

// EpochTicker counts host-driven epoch ticks and reports when an
// invocation has crossed a yield boundary. wazero's embedder API
// interrupts a guest call only at its own call boundary (by context
// cancellation checked between host/guest transitions), so there is no
// mid-instruction suspension to drive here the way a true epoch-deadline
// VM would; instead the ticker marks yield points between successive
// guest invocations served by the same InstanceState (e.g. pipelined
// requests on one component instance), giving the host a bounded cadence
// at which to service cancellation and other pending instances fairly.
type EpochTicker struct {
	schedule EpochSchedule
	ticks    uint64
	stop     chan struct{}
	yieldCh  chan struct{}
}

// StartEpochTicker begins counting at schedule.TickInterval. Each time
// the accumulated ticks cross a multiple of schedule.Ticks, a value is
// sent on Yield() (non-blocking; a slow consumer simply misses that
// boundary). A disabled schedule never ticks.
func StartEpochTicker(schedule EpochSchedule) *EpochTicker {
	t := &EpochTicker{schedule: schedule, stop: make(chan struct{}), yieldCh: make(chan struct{}, 1)}
	if schedule.Disabled() {
		return t
	}
	go func() {
		ticker := time.NewTicker(schedule.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.ticks++
				if t.ticks%schedule.Ticks == 0 {
					select {
					case t.yieldCh <- struct{}{}:
					default:
					}
				}
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Yield is signaled at each configured epoch boundary.
func (t *EpochTicker) Yield() <-chan struct{} { return t.yieldCh }

// Stop halts the epoch goroutine.
func (t *EpochTicker) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// WithInvocationDeadline enforces a per-invocation compute deadline via
// context, the same mechanism the sandbox's CPU-time limit already uses.
func WithInvocationDeadline(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, budget)
}
