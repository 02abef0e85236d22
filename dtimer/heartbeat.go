package dtimer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// Heartbeat is one periodic scheduler entry shared by many subscribers.
//
// Each subscription occupies a slot, and a canceled slot is reused
// by the next subscription, so the slot table stays as small as
// the peak number of concurrent attempts.
// Subscribers run in ascending slot order on the scheduler's goroutine.
// A panicking subscriber is logged and does not affect the others.
type Heartbeat struct {
	log *slog.Logger

	period time.Duration

	mu sync.Mutex

	// Bit i is set when subs[i] is live.
	active *bitset.BitSet
	subs   []func()

	timer *Timer
}

// NewHeartbeat schedules a heartbeat on s, ticking every period.
func NewHeartbeat(log *slog.Logger, s *Scheduler, period time.Duration) (*Heartbeat, error) {
	if period <= 0 {
		return nil, fmt.Errorf("heartbeat period must be positive (got %s): %w", period, ErrInvalidPeriod)
	}

	h := &Heartbeat{
		log:    log,
		period: period,
		active: bitset.New(0),
	}

	t, err := s.Schedule(h.tick, period, period)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	h.timer = t

	return h, nil
}

// Period returns the interval between ticks.
func (h *Heartbeat) Period() time.Duration {
	return h.period
}

// Subscribe adds fn to every later tick.
// The returned function removes the subscription and is safe to call repeatedly.
func (h *Heartbeat) Subscribe(fn func()) (cancel func()) {
	h.mu.Lock()
	slot, ok := h.active.NextClear(0)
	if !ok || slot >= uint(len(h.subs)) {
		slot = uint(len(h.subs))
		h.subs = append(h.subs, nil)
	}
	h.subs[slot] = fn
	h.active.Set(slot)
	h.mu.Unlock()

	// Guarded by h.mu; keeps a repeated cancel from freeing a reused slot.
	canceled := false
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if canceled {
			return
		}
		canceled = true
		h.active.Clear(slot)
		h.subs[slot] = nil
	}
}

// Subscribers reports the current number of subscriptions.
func (h *Heartbeat) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int(h.active.Count())
}

// Stop cancels the underlying scheduler entry.
func (h *Heartbeat) Stop() {
	h.timer.Cancel()
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	fns := make([]func(), 0, h.active.Count())
	for i, ok := h.active.NextSet(0); ok; i, ok = h.active.NextSet(i + 1) {
		fns = append(fns, h.subs[i])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		h.run(fn)
	}
}

func (h *Heartbeat) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Heartbeat subscriber panicked", "panic", r)
		}
	}()

	fn()
}
