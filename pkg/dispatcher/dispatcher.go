// Package dispatcher implements a cooperative single-threaded event loop:
// posted tasks and timers all execute on one goroutine, so handlers never
// need their own synchronization. There is no library in the reference
// corpus for this — it is a small, self-contained scheduling primitive,
// not a domain concern any third-party dependency addresses (see
// DESIGN.md).
package dispatcher

import (
	"container/heap"
	"sync"
	"time"
)

// task is a zero-argument closure posted to the event thread.
type task func()

// Timer is a handle returned by CreateTimer. Calling Enable (re)arms it;
// Cancel disables it. A Timer with no owner reference still fires into
// the Dispatcher's internal heap, but its callback is expected to check
// whether its owning component has since torn down.
type Timer struct {
	d        *Dispatcher
	callback func()
	mu       sync.Mutex
	seq      uint64 // bumped by Cancel/Enable to invalidate stale heap entries
	index    int    // heap bookkeeping, guarded by d.mu
}

// Enable (re)arms the timer to fire once after d, replacing any pending
// firing.
func (t *Timer) Enable(d time.Duration) {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	t.d.scheduleTimer(t, seq, time.Now().Add(d))
}

// Cancel disarms the timer. A firing already in flight on the event
// thread at the moment Cancel is called may still run once.
func (t *Timer) Cancel() {
	t.mu.Lock()
	t.seq++
	t.mu.Unlock()
}

func (t *Timer) currentSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

type timerEntry struct {
	timer *Timer
	seq   uint64
	at    time.Time
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Dispatcher runs posted tasks and timer callbacks on a single goroutine,
// in the order described by Run's doc comment. It is safe to call Post
// and CreateTimer from any goroutine; only Run executes callbacks.
type Dispatcher struct {
	mu      sync.Mutex
	tasks   []task
	timers  timerHeap
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped bool
}

// New constructs an idle Dispatcher. Call Run to start processing.
func New() *Dispatcher {
	return &Dispatcher{
		wake: make(chan struct{}, 1),
	}
}

// Post enqueues task for FIFO execution on the event thread. Safe to call
// from any goroutine, including from within a running task.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.tasks = append(d.tasks, fn)
	d.mu.Unlock()
	d.notify()
}

// CreateTimer allocates a Timer bound to this dispatcher. The timer does
// not fire until Enable is called.
func (d *Dispatcher) CreateTimer(callback func()) *Timer {
	return &Timer{d: d, callback: callback}
}

func (d *Dispatcher) scheduleTimer(t *Timer, seq uint64, at time.Time) {
	d.mu.Lock()
	heap.Push(&d.timers, &timerEntry{timer: t, seq: seq, at: at})
	d.mu.Unlock()
	d.notify()
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes posted tasks and due timers until Stop is called.
// Ordering: a task posted at time t runs before any timer whose deadline
// is strictly after t, since each loop iteration drains the entire task
// queue before checking for due timers.
func (d *Dispatcher) Run() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.drainTasks()

		sleep, fired := d.fireDueTimers()
		if fired {
			continue
		}

		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-time.After(sleep):
		}
	}
}

func (d *Dispatcher) drainTasks() {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.tasks[0]
		d.tasks = d.tasks[1:]
		d.mu.Unlock()
		fn()
	}
}

// fireDueTimers runs every timer currently due and returns the duration
// until the next one if none was due, along with whether any fired.
func (d *Dispatcher) fireDueTimers() (time.Duration, bool) {
	now := time.Now()
	fired := false

	for {
		d.mu.Lock()
		if d.timers.Len() == 0 {
			d.mu.Unlock()
			return time.Hour, fired
		}
		next := d.timers[0]
		if next.at.After(now) {
			wait := next.at.Sub(now)
			d.mu.Unlock()
			return wait, fired
		}
		heap.Pop(&d.timers)
		d.mu.Unlock()

		if next.timer.currentSeq() != next.seq {
			continue // stale: canceled or re-armed since scheduling
		}
		next.timer.callback()
		fired = true
	}
}

// Stop halts the loop after its current iteration. Idempotent. A Stop
// that lands before Run has started makes that Run return immediately.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}
