package ingest

import (
	"time"

	"goldflow/internal/market"
)

// Walk stop reasons returned by pageWalk.advance. Empty string means the walk
// may continue.
const (
	walkContinue   = ""
	walkEmptyPage  = "empty_page"
	walkMaxBatches = "max_batches"
	walkStalled    = "stalled"
	walkEpoch      = "epoch"
)

// pageWalk holds the pagination state for one cursor walk over a feed.
// Forward walks request rows at or after the cursor and advance past the last
// row of each page; backward walks request rows at or before the cursor and
// retreat past the first row. The step is pure so termination (empty page,
// stall, max batches, epoch underflow) can be tested without network I/O.
type pageWalk struct {
	interval   time.Duration
	backward   bool
	maxBatches int

	cursor      *time.Time
	lastCursor  *time.Time
	batchesDone int
}

// advance consumes one page described by its first and last row times and
// steps the cursor. The returned reason is empty while the walk should
// continue.
func (w *pageWalk) advance(firstRow, lastRow time.Time, rows int) string {
	if rows == 0 {
		return walkEmptyPage
	}
	w.batchesDone++

	var next time.Time
	if w.backward {
		next = firstRow.Add(-w.interval)
		if next.UnixMilli() <= 0 {
			return walkEpoch
		}
		if w.cursor != nil && !next.Before(*w.cursor) {
			return walkStalled
		}
	} else {
		next = lastRow.Add(w.interval)
		if w.cursor != nil && !next.After(*w.cursor) {
			return walkStalled
		}
	}

	w.lastCursor = w.cursor
	stepped := next
	w.cursor = &stepped

	if w.maxBatches > 0 && w.batchesDone >= w.maxBatches {
		return walkMaxBatches
	}
	return walkContinue
}

// firstLastOpen unpacks a candle page into the advance arguments.
func firstLastOpen(rows []market.Candle) (time.Time, time.Time, int) {
	if len(rows) == 0 {
		return time.Time{}, time.Time{}, 0
	}
	return rows[0].OpenTime, rows[len(rows)-1].OpenTime, len(rows)
}
