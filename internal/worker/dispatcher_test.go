package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherSerializesPerKey(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16})
	defer d.Stop()

	var active, peak atomic.Int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := d.Submit(context.Background(), "conv-1", func(context.Context) {
				cur := active.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				active.Add(-1)
			})
			if err != nil {
				t.Errorf("submit %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected one job at a time per key, saw %d", peak.Load())
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 jobs to run, got %d", len(order))
	}
}

func TestDispatcherRunsKeysInParallel(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 2, QueueSize: 4})
	defer d.Stop()

	started := make(chan struct{})
	errs := make(chan error, 2)
	go func() {
		errs <- d.Submit(context.Background(), "a", func(context.Context) {
			select {
			case <-started:
			case <-time.After(2 * time.Second):
				t.Errorf("key b never ran alongside key a")
			}
		})
	}()
	go func() {
		errs <- d.Submit(context.Background(), "b", func(context.Context) {
			close(started)
		})
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func TestDispatcherBusy(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- d.Submit(context.Background(), "a", func(context.Context) {
			close(running)
			<-release
		})
	}()
	<-running

	second := make(chan error, 1)
	go func() {
		second <- d.Submit(context.Background(), "a", func(context.Context) {})
	}()
	waitFor(t, func() bool { return d.Pending() == 1 })

	if err := d.Submit(context.Background(), "b", func(context.Context) {}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second: %v", err)
	}
}

func TestDispatcherReportsPanic(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	err := d.Submit(context.Background(), "a", func(context.Context) { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
	ran := false
	if err := d.Submit(context.Background(), "a", func(context.Context) { ran = true }); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if !ran {
		t.Fatalf("key should accept work after a panic")
	}
}

func TestDispatcherSkipsCancelledJobs(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	if err := d.Submit(ctx, "a", func(context.Context) { ran.Store(true) }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := d.Submit(context.Background(), "a", func(context.Context) {}); err != nil {
		t.Fatalf("follow-up submit: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled job should not run")
	}
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 2, QueueSize: 4})
	if running, idle := d.pool.size(); running != 2 || idle != 2 {
		t.Fatalf("expected warm pool of 2, got running=%d idle=%d", running, idle)
	}
	d.Stop()
	d.Stop()
	if err := d.Submit(context.Background(), "a", func(context.Context) {}); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}
	waitFor(t, func() bool {
		running, _ := d.pool.size()
		return running == 0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
