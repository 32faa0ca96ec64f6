package pipeline

import (
	"time"

	"github.com/ajitpratap0/nebulastream/pkg/models"
)

// Accumulator buffers claimed entries until a size or age threshold fires.
// It performs no I/O and is owned by a single worker.
type Accumulator struct {
	maxSize int
	maxAge  time.Duration
	now     func() time.Time

	entries []models.ClaimedEntry
	firstAt time.Time
}

// NewAccumulator creates an accumulator. A nil now uses time.Now.
func NewAccumulator(maxSize int, maxAge time.Duration, now func() time.Time) *Accumulator {
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     now,
		entries: make([]models.ClaimedEntry, 0, maxSize),
	}
}

// Add appends an entry and reports whether the batch must now be flushed.
// The caller drains before adding again once Add returns true.
func (a *Accumulator) Add(entry models.ClaimedEntry) bool {
	if len(a.entries) == 0 {
		a.firstAt = a.now()
	}
	a.entries = append(a.entries, entry)
	return a.ShouldFlush()
}

// ShouldFlush reports whether the size or age threshold has been reached.
func (a *Accumulator) ShouldFlush() bool {
	if len(a.entries) == 0 {
		return false
	}
	return len(a.entries) >= a.maxSize || a.now().Sub(a.firstAt) >= a.maxAge
}

// TimeUntilDue returns how long until the age threshold fires. ok is false
// when the accumulator is empty.
func (a *Accumulator) TimeUntilDue() (d time.Duration, ok bool) {
	if len(a.entries) == 0 {
		return 0, false
	}
	d = a.maxAge - a.now().Sub(a.firstAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the number of buffered entries
func (a *Accumulator) Len() int {
	return len(a.entries)
}

// Drain returns the buffered entries as a batch and resets the accumulator.
func (a *Accumulator) Drain() models.Batch {
	b := models.Batch{Entries: a.entries, FirstAt: a.firstAt}
	a.entries = make([]models.ClaimedEntry, 0, a.maxSize)
	a.firstAt = time.Time{}
	return b
}
