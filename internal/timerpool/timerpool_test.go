package timerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayResolves(t *testing.T) {
	p := New(10)
	start := time.Now()
	if err := p.Delay(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Delay() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Delay resolved after %v, want >= 20ms", elapsed)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d after completion, want 0", got)
	}
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	const maxConcurrent = 4
	p := New(maxConcurrent, WithPollInterval(time.Millisecond))

	var wg sync.WaitGroup
	var violations atomic.Int32
	stop := make(chan struct{})

	// Sample the active count while delays churn.
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if p.ActiveCount() > maxConcurrent {
					violations.Add(1)
				}
			}
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Delay(context.Background(), 10*time.Millisecond); err != nil {
				t.Errorf("Delay() = %v", err)
			}
		}()
	}
	wg.Wait()
	close(stop)

	if n := violations.Load(); n > 0 {
		t.Fatalf("active count exceeded cap %d times", n)
	}
	if s := p.Stats(); s.PeakActive > maxConcurrent {
		t.Fatalf("PeakActive = %d, want <= %d", s.PeakActive, maxConcurrent)
	}
}

func TestFullPoolDelaysInsteadOfRejecting(t *testing.T) {
	p := New(1, WithPollInterval(time.Millisecond))

	release := make(chan struct{})
	go func() {
		_ = p.Delay(context.Background(), 30*time.Millisecond)
		close(release)
	}()

	// Give the first delay time to occupy the only slot.
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	if err := p.Delay(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("Delay() = %v, want nil (delayed, not rejected)", err)
	}
	// First delay holds the slot for ~25 more ms, plus our own 5ms.
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("second Delay resolved after %v, expected to wait for a slot", elapsed)
	}
	<-release
}

func TestClearAllCancelsOutstanding(t *testing.T) {
	p := New(10)

	const waiters = 5
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			errs <- p.Delay(context.Background(), time.Minute)
		}()
	}

	// Wait for all timers to register.
	deadline := time.Now().Add(time.Second)
	for p.ActiveCount() < waiters {
		if time.Now().After(deadline) {
			t.Fatalf("only %d timers registered", p.ActiveCount())
		}
		time.Sleep(time.Millisecond)
	}

	if cleared := p.ClearAll(); cleared != waiters {
		t.Fatalf("ClearAll() = %d, want %d", cleared, waiters)
	}
	for i := 0; i < waiters; i++ {
		if err := <-errs; !errors.Is(err, ErrCancelled) {
			t.Fatalf("Delay() = %v, want ErrCancelled", err)
		}
	}
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d after ClearAll, want 0", got)
	}
	if s := p.Stats(); s.Cancelled != waiters {
		t.Fatalf("Stats().Cancelled = %d, want %d", s.Cancelled, waiters)
	}
}

func TestDelayContextCancelled(t *testing.T) {
	p := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Delay(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Delay() = %v, want context.Canceled", err)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
}

func TestSlotWaitHonorsContext(t *testing.T) {
	p := New(1, WithPollInterval(time.Millisecond))
	go p.Delay(context.Background(), 200*time.Millisecond) //nolint:errcheck

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.Delay(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Delay() = %v, want deadline exceeded while waiting for slot", err)
	}
}

func TestStatsCounters(t *testing.T) {
	p := New(10)
	for i := 0; i < 3; i++ {
		if err := p.Delay(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("Delay() = %v", err)
		}
	}
	s := p.Stats()
	if s.Scheduled != 3 || s.Completed != 3 || s.Cancelled != 0 {
		t.Fatalf("Stats() = %+v, want 3 scheduled, 3 completed", s)
	}
}
