package timerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_DelayChurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(3, WithPollInterval(time.Millisecond))
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Delay(context.Background(), 5*time.Millisecond)
		}()
	}
	wg.Wait()
}

func TestLeakCheck_ClearAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Delay(context.Background(), time.Minute)
		}()
	}

	deadline := time.Now().Add(time.Second)
	for p.ActiveCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.ClearAll()
	wg.Wait()
}
