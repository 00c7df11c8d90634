package admission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vodmark/internal/admission"
)

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDoRunsWorkExactlyOnce(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 2, QueueMax: 2})
	var runs atomic.Int64
	if err := controller.Do(context.Background(), func() error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
}

func TestSecondSubmissionWaitsForFirst(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 4})

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	done := make(chan struct{}, 2)
	go func() {
		controller.Do(context.Background(), func() error {
			record("first")
			close(firstStarted)
			<-releaseFirst
			return nil
		})
		done <- struct{}{}
	}()
	<-firstStarted

	go func() {
		controller.Do(context.Background(), func() error {
			record("second")
			return nil
		})
		done <- struct{}{}
	}()

	waitUntil(t, time.Second, func() bool {
		_, queued := controller.Stats()
		return queued == 1
	})
	orderMu.Lock()
	ran := len(order)
	orderMu.Unlock()
	if ran != 1 {
		t.Fatalf("second unit ran before the first finished")
	}

	close(releaseFirst)
	<-done
	<-done

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go controller.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- controller.Do(context.Background(), func() error { return nil })
	}()
	waitUntil(t, time.Second, func() bool {
		_, queued := controller.Stats()
		return queued == 1
	})

	err := controller.Do(context.Background(), func() error {
		t.Error("rejected unit must not run")
		return nil
	})
	if !errors.Is(err, admission.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
	if err := <-queuedDone; err != nil {
		t.Fatalf("queued unit failed: %v", err)
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 8})

	block := make(chan struct{})
	started := make(chan struct{})
	go controller.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	var orderMu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			controller.Do(context.Background(), func() error {
				orderMu.Lock()
				order = append(order, i)
				orderMu.Unlock()
				return nil
			})
		}()
		waitUntil(t, time.Second, func() bool {
			_, queued := controller.Stats()
			return queued == i+1
		})
	}

	close(block)
	wg.Wait()

	orderMu.Lock()
	defer orderMu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestCancelledWaiterNeverRuns(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 2})

	block := make(chan struct{})
	started := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		controller.Do(context.Background(), func() error {
			close(started)
			<-block
			return nil
		})
		close(holderDone)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- controller.Do(ctx, func() error {
			t.Error("cancelled unit must not run")
			return nil
		})
	}()
	waitUntil(t, time.Second, func() bool {
		_, queued := controller.Stats()
		return queued == 1
	})

	cancel()
	if err := <-waitErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(block)
	<-holderDone
	waitUntil(t, time.Second, func() bool {
		active, queued := controller.Stats()
		return active == 0 && queued == 0
	})
}

func TestWaitIsExemptFromQueueBound(t *testing.T) {
	controller := admission.New(admission.Config{MaxConcurrency: 1, QueueMax: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go controller.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- controller.Do(context.Background(), func() error { return nil })
	}()
	waitUntil(t, time.Second, func() bool {
		_, queued := controller.Stats()
		return queued == 1
	})

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- controller.Wait(context.Background(), func() error { return nil })
	}()
	waitUntil(t, time.Second, func() bool {
		_, queued := controller.Stats()
		return queued == 2
	})

	close(block)
	if err := <-queuedErr; err != nil {
		t.Fatalf("queued Do failed: %v", err)
	}
	if err := <-waitDone; err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestOnStatsFollowsSlotChanges(t *testing.T) {
	var mu sync.Mutex
	var last [2]int
	var first *[2]int
	controller := admission.New(admission.Config{
		MaxConcurrency: 1,
		QueueMax:       4,
		OnStats: func(active, queued int) {
			mu.Lock()
			last = [2]int{active, queued}
			if first == nil {
				snapshot := last
				first = &snapshot
			}
			mu.Unlock()
		},
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go controller.Do(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan struct{})
	go func() {
		controller.Do(context.Background(), func() error { return nil })
		close(done)
	}()
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == [2]int{1, 1}
	})

	close(release)
	<-done

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == [2]int{0, 0}
	})
	mu.Lock()
	defer mu.Unlock()
	if first == nil || *first != ([2]int{1, 0}) {
		t.Fatalf("first report = %v, want [1 0]", first)
	}
}

func TestWorkErrorPropagates(t *testing.T) {
	controller := admission.New(admission.Config{})
	boom := errors.New("boom")
	if err := controller.Do(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected work error, got %v", err)
	}
	active, queued := controller.Stats()
	if active != 0 || queued != 0 {
		t.Fatalf("slot leaked after failure: active=%d queued=%d", active, queued)
	}
}
