package concurrency

import (
	"testing"
	"time"

	"grid_trader/internal/logging"
)

func TestWorkerPool_BatchRunsConcurrently(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MinWorkers: 2, MaxWorkers: 2}, logging.NopLogger{})
	defer wp.Stop()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	task := func() {
		entered <- struct{}{}
		<-release
	}

	done := make(chan struct{})
	go func() {
		wp.SubmitBatch([]func(){task, task})
		close(done)
	}()

	// Both tasks must be running at once: serialized execution never
	// reaches the second entry while the first blocks on release
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("batch tasks did not run concurrently")
		}
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestWorkerPool_MinWorkersClampedToMax(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "clamp", MinWorkers: 8, MaxWorkers: 2}, logging.NopLogger{})
	defer wp.Stop()

	if got := wp.config.MinWorkers; got != 2 {
		t.Fatalf("MinWorkers = %d, want 2", got)
	}
}
