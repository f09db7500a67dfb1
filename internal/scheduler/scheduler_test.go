package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRunsJobOnInterval(t *testing.T) {
	var runs atomic.Int32

	r := NewRunner()
	r.Register(&Job{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	r.Stop()

	if got := runs.Load(); got < 2 {
		t.Errorf("expected at least 2 runs, got %d", got)
	}
}

func TestRunnerRunOnceFiresImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)

	r := NewRunner()
	r.Register(&Job{
		Name:     "immediate",
		Interval: time.Hour,
		RunOnce:  true,
		Fn: func(ctx context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("run-once job did not fire at startup")
	}
}

func TestRunnerSkipsOverlappingRuns(t *testing.T) {
	var active atomic.Int32
	var overlapped atomic.Bool

	r := NewRunner()
	r.Register(&Job{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			if active.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			return nil
		},
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	r.Stop()

	if overlapped.Load() {
		t.Error("job runs overlapped")
	}
}

func TestRunnerContinuesAfterJobError(t *testing.T) {
	var runs atomic.Int32

	r := NewRunner()
	r.Register(&Job{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("transient failure")
		},
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	if got := runs.Load(); got < 2 {
		t.Errorf("expected job to keep running after errors, got %d runs", got)
	}
}

func TestRunnerDoubleStart(t *testing.T) {
	r := NewRunner()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	r.Stop()
}
