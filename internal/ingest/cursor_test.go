package ingest

import (
	"testing"
	"time"
)

func TestPageWalkForwardAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	walk := &pageWalk{interval: time.Minute, maxBatches: 5, cursor: &start}

	first := start
	last := start.Add(9 * time.Minute)
	if reason := walk.advance(first, last, 10); reason != walkContinue {
		t.Fatalf("advance = %q, want continue", reason)
	}
	if !walk.cursor.Equal(last.Add(time.Minute)) {
		t.Errorf("cursor = %v, want %v", walk.cursor, last.Add(time.Minute))
	}
	if walk.lastCursor == nil || !walk.lastCursor.Equal(start) {
		t.Errorf("lastCursor = %v, want %v", walk.lastCursor, start)
	}
	if walk.batchesDone != 1 {
		t.Errorf("batchesDone = %d, want 1", walk.batchesDone)
	}
}

func TestPageWalkBackwardAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	walk := &pageWalk{interval: time.Minute, backward: true, maxBatches: 5, cursor: &start}

	first := start.Add(-10 * time.Minute)
	if reason := walk.advance(first, start, 10); reason != walkContinue {
		t.Fatalf("advance = %q, want continue", reason)
	}
	if !walk.cursor.Equal(first.Add(-time.Minute)) {
		t.Errorf("cursor = %v, want %v", walk.cursor, first.Add(-time.Minute))
	}
}

func TestPageWalkEmptyPage(t *testing.T) {
	walk := &pageWalk{interval: time.Minute, maxBatches: 5}
	if reason := walk.advance(time.Time{}, time.Time{}, 0); reason != walkEmptyPage {
		t.Errorf("advance = %q, want %q", reason, walkEmptyPage)
	}
	if walk.batchesDone != 0 {
		t.Errorf("empty page must not count as a batch, got %d", walk.batchesDone)
	}
}

func TestPageWalkMaxBatches(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	walk := &pageWalk{interval: time.Minute, maxBatches: 2, cursor: &start}

	page := func(n int) (time.Time, time.Time) {
		base := start.Add(time.Duration(n*10) * time.Minute)
		return base, base.Add(9 * time.Minute)
	}

	first, last := page(0)
	if reason := walk.advance(first, last, 10); reason != walkContinue {
		t.Fatalf("first advance = %q, want continue", reason)
	}
	first, last = page(1)
	if reason := walk.advance(first, last, 10); reason != walkMaxBatches {
		t.Errorf("second advance = %q, want %q", reason, walkMaxBatches)
	}
}

func TestPageWalkStall(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	forward := &pageWalk{interval: time.Minute, maxBatches: 5, cursor: &start}
	// A page ending before the cursor would step backwards.
	if reason := forward.advance(start.Add(-3*time.Minute), start.Add(-2*time.Minute), 2); reason != walkStalled {
		t.Errorf("forward advance = %q, want %q", reason, walkStalled)
	}

	backward := &pageWalk{interval: time.Minute, backward: true, maxBatches: 5, cursor: &start}
	if reason := backward.advance(start.Add(2*time.Minute), start.Add(3*time.Minute), 2); reason != walkStalled {
		t.Errorf("backward advance = %q, want %q", reason, walkStalled)
	}
}

func TestPageWalkEpochUnderflow(t *testing.T) {
	start := time.UnixMilli(30)
	walk := &pageWalk{interval: time.Minute, backward: true, maxBatches: 5, cursor: &start}

	if reason := walk.advance(time.UnixMilli(10), time.UnixMilli(20), 2); reason != walkEpoch {
		t.Errorf("advance = %q, want %q", reason, walkEpoch)
	}
}

func TestFirstLastOpen(t *testing.T) {
	if _, _, n := firstLastOpen(nil); n != 0 {
		t.Errorf("nil page rows = %d, want 0", n)
	}
}
