package dtimer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Infinite, used as a period, means the entry never repeats.
const Infinite time.Duration = -1

var (
	ErrInvalidDelay  = errors.New("initial delay must be zero or positive")
	ErrInvalidPeriod = errors.New("period must be zero, positive, or Infinite")
)

// Config is the configuration for [New].
type Config struct {
	// Time source for deadlines.
	// Defaults to the wall clock.
	Clock clock.Clock
}

// Scheduler runs callbacks at or after their deadlines, earliest first.
// Callbacks run one at a time, never while the scheduler's lock is held.
type Scheduler struct {
	log *slog.Logger

	clock clock.Clock

	// Only set for simulated schedulers.
	mock *clock.Mock

	mu  sync.Mutex
	q   timerHeap
	seq uint64

	// Buffered to 1; poked when a new earliest entry is queued.
	wake chan struct{}

	done chan struct{}
}

// New returns a Scheduler whose dispatch goroutine runs until ctx is canceled.
// Use [*Scheduler.Wait] to block until that goroutine has returned.
func New(ctx context.Context, log *slog.Logger, cfg Config) *Scheduler {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	s := &Scheduler{
		log:   log,
		clock: c,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	go s.mainLoop(ctx)

	return s
}

// NewSimulated returns a Scheduler driven entirely by m.
// Nothing runs until the caller uses Advance, RunDue, or RunNext.
func NewSimulated(log *slog.Logger, m *clock.Mock) *Scheduler {
	done := make(chan struct{})
	close(done)

	return &Scheduler{
		log:   log,
		clock: m,
		mock:  m,
		wake:  make(chan struct{}, 1),
		done:  done,
	}
}

// Now reports the scheduler's current time.
// Components that measure elapsed time against scheduler deadlines
// must use this rather than [time.Now].
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Wait blocks until the dispatch goroutine has stopped.
// It returns immediately for a simulated scheduler.
func (s *Scheduler) Wait() {
	<-s.done
}

// Schedule registers fn to run once after delay,
// then every period after that if period is positive.
// A zero or [Infinite] period makes fn run only once.
func (s *Scheduler) Schedule(fn func(), delay, period time.Duration) (*Timer, error) {
	if delay < 0 {
		return nil, fmt.Errorf("cannot schedule with delay %s: %w", delay, ErrInvalidDelay)
	}
	if period < 0 && period != Infinite {
		return nil, fmt.Errorf("cannot schedule with period %s: %w", period, ErrInvalidPeriod)
	}
	if fn == nil {
		panic(errors.New("BUG: Schedule called with nil callback"))
	}

	if period == Infinite {
		period = 0
	}

	t := &Timer{
		s:      s,
		fn:     fn,
		period: period,
		index:  -1,
	}

	s.mu.Lock()
	t.at = s.clock.Now().Add(delay)
	s.push(t)
	first := t.index == 0
	s.mu.Unlock()

	if first && s.mock == nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}

	return t, nil
}

// push must be called with s.mu held.
func (s *Scheduler) push(t *Timer) {
	s.seq++
	t.seq = s.seq
	heap.Push(&s.q, t)
}

func (s *Scheduler) remove(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.index >= 0 {
		heap.Remove(&s.q, t.index)
	}
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	defer close(s.done)

	for {
		next, ok := s.runDue(s.clock.Now())

		var timer *clock.Timer
		var timerCh <-chan time.Time
		if ok {
			d := next.Sub(s.clock.Now())
			if d <= 0 {
				continue
			}
			timer = s.clock.Timer(d)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-s.wake:
		case <-timerCh:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// runDue runs every entry whose deadline is not after now.
// It returns the earliest remaining deadline, if any.
func (s *Scheduler) runDue(now time.Time) (time.Time, bool) {
	for {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.mu.Unlock()
			return time.Time{}, false
		}

		t := s.q[0]
		if t.at.After(now) {
			s.mu.Unlock()
			return t.at, true
		}

		heap.Pop(&s.q)
		if t.stopped.Load() {
			s.mu.Unlock()
			continue
		}

		// Requeue before running, so a slow or panicking callback
		// cannot lose its next firing.
		if t.period > 0 {
			t.at = now.Add(t.period)
			s.push(t)
		}
		s.mu.Unlock()

		s.invoke(t)
	}
}

func (s *Scheduler) invoke(t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Timer callback panicked", "panic", r)
		}
	}()

	t.fn()
}

// Advance moves a simulated clock forward by d,
// running every entry that comes due along the way in deadline order,
// with the clock set to each entry's deadline while it runs.
func (s *Scheduler) Advance(d time.Duration) {
	s.mustBeSimulated("Advance")

	target := s.mock.Now().Add(d)
	for {
		s.mu.Lock()
		if len(s.q) == 0 || s.q[0].at.After(target) {
			s.mu.Unlock()
			break
		}
		at := s.q[0].at
		s.mu.Unlock()

		if at.After(s.mock.Now()) {
			s.mock.Set(at)
		}
		s.runDue(at)
	}

	if target.After(s.mock.Now()) {
		s.mock.Set(target)
	}
}

// RunDue runs every entry already due on a simulated clock.
func (s *Scheduler) RunDue() {
	s.mustBeSimulated("RunDue")
	s.runDue(s.mock.Now())
}

// RunNext jumps a simulated clock to the earliest deadline and runs what is due there.
// It reports false if nothing was queued.
func (s *Scheduler) RunNext() bool {
	s.mustBeSimulated("RunNext")

	s.mu.Lock()
	if len(s.q) == 0 {
		s.mu.Unlock()
		return false
	}
	at := s.q[0].at
	s.mu.Unlock()

	if at.After(s.mock.Now()) {
		s.mock.Set(at)
	}
	s.runDue(at)
	return true
}

// Pending reports how many entries are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q)
}

func (s *Scheduler) mustBeSimulated(method string) {
	if s.mock == nil {
		panic(fmt.Errorf("BUG: %s is only valid on a simulated scheduler", method))
	}
}

// Timer is a handle to a scheduled entry.
type Timer struct {
	s *Scheduler

	fn     func()
	period time.Duration

	// Guarded by s.mu.
	at    time.Time
	seq   uint64
	index int

	stopped atomic.Bool
}

// Cancel prevents any future run of t.
// A run that has already begun is not interrupted.
// Cancel may be called any number of times.
func (t *Timer) Cancel() {
	if t.stopped.Swap(true) {
		return
	}
	t.s.remove(t)
}

// timerHeap orders timers by deadline, then by insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
