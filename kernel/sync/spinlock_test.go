package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var yieldCalls int32
	var yieldMu sync.Mutex
	yieldFn = func() {
		yieldMu.Lock()
		yieldCalls++
		yieldMu.Unlock()
		runtime.Gosched()
	}

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	if !sl.Held() {
		t.Error("expected Held to report an acquired lock")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			sl.Acquire()
			counter++
			sl.Release()
		}()
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to be %d; got %d", numWorkers, counter)
	}

	if sl.Held() {
		t.Fatal("expected lock to be free after all workers released it")
	}

	yieldMu.Lock()
	defer yieldMu.Unlock()
	if yieldCalls == 0 {
		t.Fatal("expected contended workers to yield")
	}
}

func TestSpinlockReleaseFromOtherGoroutine(t *testing.T) {
	var sl Spinlock
	sl.Lock()

	done := make(chan struct{})
	go func() {
		sl.Unlock()
		close(done)
	}()
	<-done

	if !sl.TryToAcquire() {
		t.Fatal("expected lock released by another goroutine to be acquirable")
	}
}
