package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PostRunsFIFO(t *testing.T) {
	d := New()
	go d.Run()
	defer d.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 1; i <= 3; i++ {
		i := i
		d.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDispatcher_TimerFires(t *testing.T) {
	d := New()
	go d.Run()
	defer d.Stop()

	fired := make(chan struct{})
	timer := d.CreateTimer(func() { close(fired) })
	timer.Enable(5 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestDispatcher_CancelPreventsFiring(t *testing.T) {
	d := New()
	go d.Run()
	defer d.Stop()

	var fired bool
	var mu sync.Mutex
	timer := d.CreateTimer(func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	timer.Enable(20 * time.Millisecond)
	timer.Cancel()

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestDispatcher_ReEnableReplacesPendingFiring(t *testing.T) {
	d := New()
	go d.Run()
	defer d.Stop()

	var count int
	var mu sync.Mutex
	timer := d.CreateTimer(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	timer.Enable(100 * time.Millisecond)
	timer.Enable(5 * time.Millisecond) // replaces the 100ms firing

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "only the second arming should have fired")
}

func TestDispatcher_StopIsIdempotentAndHaltsProcessing(t *testing.T) {
	d := New()
	go d.Run()

	require.NotPanics(t, func() {
		d.Stop()
		d.Stop()
	})

	var ran bool
	d.Post(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran, "posted after Stop should not run")
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for posted tasks")
	}
}
