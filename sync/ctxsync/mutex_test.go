package ctxsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/sync/ctxsync"
)

// TestExclusion verifies that a mutex provides basic mutually exclusive
// access: only one goroutine can have it locked at a time.
func TestExclusion(t *testing.T) {
	var (
		mu ctxsync.Mutex
		wg sync.WaitGroup
		x  int
	)
	if err := mu.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mu.Lock(context.Background()); err != nil {
			return
		}
		x = 100
		mu.Unlock()
	}()
	for i := 1; i <= 10; i++ {
		if x != i-1 {
			t.Fatalf("x = %d, want %d", x, i-1)
		}
		x = i
		time.Sleep(time.Millisecond)
	}
	mu.Unlock()
	wg.Wait()
	if x != 100 {
		t.Fatalf("x = %d, want 100", x)
	}
}

// TestOtherGoroutineUnlock verifies that locked mutexes can be unlocked by a
// different goroutine, and that the lock still provides mutual exclusion
// across them.
func TestOtherGoroutineUnlock(t *testing.T) {
	const n = 100
	var (
		mu       ctxsync.Mutex
		g        errgroup.Group
		chLocked = make(chan struct{})
		x        int
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := mu.Lock(context.Background()); err != nil {
				return err
			}
			x++
			chLocked <- struct{}{}
			return nil
		})
		g.Go(func() error {
			<-chLocked
			x++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if x != n*2 {
		t.Fatalf("x = %d, want %d", x, n*2)
	}
}

// TestCancel verifies that canceling the Lock context causes the attempt to
// lock the mutex to fail and return a Lock-kind error.
func TestCancel(t *testing.T) {
	var (
		mu        ctxsync.Mutex
		wg        sync.WaitGroup
		errWaiter error
	)
	if err := mu.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if errWaiter = mu.Lock(ctx); errWaiter != nil {
			return
		}
		mu.Unlock()
	}()
	cancel()
	wg.Wait()
	mu.Unlock()
	// Verify that we can still lock and unlock after the canceled attempt.
	if err := mu.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Unlock()
	if !jlogerr.Is(errWaiter, jlogerr.Lock) {
		t.Fatalf("errWaiter = %v, want Lock-kind error", errWaiter)
	}
}

// TestUnlockUnlocked verifies that unlocking a mutex that is not locked
// panics.
func TestUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var mu ctxsync.Mutex
	mu.Unlock()
}
