package collector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// minSleepThreshold is the minimum gap worth sleeping for; anything
// shorter is coalesced into an immediate next tick.
const minSleepThreshold = time.Millisecond

// Scheduler runs the single-threaded Collector loop: each tick samples and
// pushes every due, subscribed manager in registry order, then sleeps
// until the next manager is due.
type Scheduler struct {
	log      *zap.Logger
	callback PushCallback

	mu       sync.Mutex // guards managers for the duration of one tick or one subscription swap
	managers []*InfoClassManager

	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	now       func() time.Time
	tickHook  func() // test hook, invoked once per tick after processing
}

// NewScheduler constructs a Scheduler. callback delivers sealed batches
// upstream and must not block for longer than the minimum sampling period.
func NewScheduler(callback PushCallback, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log:      log,
		callback: callback,
		now:      time.Now,
	}
}

// SetManagers installs the initial manager list in registry order. Must be
// called before Start.
func (s *Scheduler) SetManagers(managers []*InfoClassManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers = append([]*InfoClassManager(nil), managers...)
}

// Managers returns a snapshot of the current manager list, in registry
// order.
func (s *Scheduler) Managers() []*InfoClassManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*InfoClassManager(nil), s.managers...)
}

// Start begins the scheduler loop on a new goroutine. Fails with
// ErrAlreadyExists if a loop is already running.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: scheduler loop", ErrAlreadyExists)
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run()
	return nil
}

// Stop halts the loop after the current tick completes and waits up to
// timeout for it to exit. Idempotent: calling Stop twice succeeds both
// times with identical effect.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	close(s.stopCh)

	if timeout <= 0 {
		<-s.doneCh
		return nil
	}

	select {
	case <-s.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: scheduler did not stop within %s", ErrUnavailable, timeout)
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		wake := s.tick()

		if s.tickHook != nil {
			s.tickHook()
		}

		sleep := time.Until(wake)
		if sleep < minSleepThreshold {
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs exactly one pass over all managers and returns the computed
// next wake time.
func (s *Scheduler) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Registry order is preserved by SetManagers/ApplySubscriptionSwap, so
	// iterating s.managers in order satisfies the tie-break rule for
	// managers that come due at the same instant.
	for _, m := range s.managers {
		if !m.Subscribed() {
			continue
		}
		if m.SamplingRequired(now) {
			m.SampleData(now)
		}
		if m.PushRequired(now) {
			m.PushData(now, s.callback)
		}
	}

	if len(s.managers) == 0 {
		// No sources: sleep for an arbitrarily long interval. Nothing wakes
		// the loop early — ApplySubscriptionSwap only takes the lock — so
		// managers it installs are first visited when this interval ends.
		return now.Add(24 * time.Hour)
	}

	wake := s.managers[0].NextSampleTime()
	for _, m := range s.managers {
		if t := m.NextSampleTime(); t.Before(wake) {
			wake = t
		}
		if t := m.NextPushTime(); t.Before(wake) {
			wake = t
		}
	}
	return wake
}

// ApplySubscriptionSwap flushes every currently-subscribed manager's
// buffered rows, replaces each manager's table with a fresh one, and
// installs newManagers as the new registry-order list. It holds the same
// lock a tick holds, so it is serialized against any in-flight tick:
// every row sampled under the old subscription is delivered before any
// row sampled under the new one.
func (s *Scheduler) ApplySubscriptionSwap(newManagers []*InfoClassManager) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.managers {
		if m.Subscribed() {
			m.FlushNow(s.callback)
		}
		m.SetDataTable(NewDataTable(m.Schema(), 0))
	}

	// newManagers is expected to already be in registry order — that
	// invariant belongs to the registry/caller, not the scheduler.
	s.managers = append([]*InfoClassManager(nil), newManagers...)
}

// IsRunning reports whether the loop is currently active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
