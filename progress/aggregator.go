// Package progress merges byte counts reported by concurrent transfers into
// a single percentage that only moves forward.
package progress

import "sync"

// Sink receives percentages in [0, 100]. Values arrive in increasing order
// and are never repeated; steps may be skipped.
type Sink func(percent int)

// Band maps transfer progress onto a slice of the 0-100 scale, leaving room
// for set-up and finalization steps outside of it.
type Band struct {
	Low, High int
}

// FullBand reports transfer progress over the whole scale.
var FullBand = Band{Low: 0, High: 100}

// Aggregator tracks confirmed bytes plus the latest partial count of every
// in-flight part. It is safe for concurrent use. The sink is called with the
// aggregator's lock held, so it must not call back into the aggregator.
type Aggregator struct {
	total int64
	band  Band
	sink  Sink

	mu        sync.Mutex
	confirmed int64
	inFlight  map[int]int64
	last      int
}

// NewAggregator ... A nil sink is allowed; Percent still tracks the value.
func NewAggregator(total int64, band Band, sink Sink) *Aggregator {
	return &Aggregator{
		total:    total,
		band:     band,
		sink:     sink,
		inFlight: map[int]int64{},
		last:     -1,
	}
}

// Report records that part index has sent transferred bytes so far.
func (a *Aggregator) Report(index int, transferred int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight[index] = transferred
	a.emitLocked(a.scaleLocked())
}

// Complete moves part index from in-flight to confirmed.
func (a *Aggregator) Complete(index int, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inFlight, index)
	a.confirmed += size
	a.emitLocked(a.scaleLocked())
}

// Discard forgets the partial count of part index, e.g. before a retry.
// Already emitted values are not withdrawn.
func (a *Aggregator) Discard(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inFlight, index)
}

// Set emits an absolute percentage, such as a milestone outside the band.
func (a *Aggregator) Set(percent int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.emitLocked(percent)
}

// Confirmed returns the bytes of completed parts.
func (a *Aggregator) Confirmed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.confirmed
}

// Percent returns the last emitted value, or 0 if nothing was emitted.
func (a *Aggregator) Percent() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last < 0 {
		return 0
	}
	return a.last
}

func (a *Aggregator) scaleLocked() int {
	if a.total <= 0 {
		return a.band.High
	}

	done := a.confirmed
	for _, n := range a.inFlight {
		done += n
	}
	if done > a.total {
		done = a.total
	}

	span := int64(a.band.High - a.band.Low)
	return a.band.Low + int(done*span/a.total)
}

func (a *Aggregator) emitLocked(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 || percent <= a.last {
		return
	}
	a.last = percent
	if a.sink != nil {
		a.sink(percent)
	}
}
