// Package progress tracks update/build progress counters and estimates
// transfer rates over a rolling window.
package progress

import "time"

// Counters is a vector of cumulative progress counters. The download
// and apply stages each own their fields; merging is plain addition.
type Counters struct {
	DownloadedFiles    uint64
	DownloadedBytes    uint64
	AppliedFiles       uint64
	AppliedInputBytes  uint64
	AppliedOutputBytes uint64
	CheckedFiles       uint64
	CheckedBytes       uint64
	FailedFiles        uint64
}

// Add accumulates delta into c.
func (c *Counters) Add(delta Counters) {
	c.DownloadedFiles += delta.DownloadedFiles
	c.DownloadedBytes += delta.DownloadedBytes
	c.AppliedFiles += delta.AppliedFiles
	c.AppliedInputBytes += delta.AppliedInputBytes
	c.AppliedOutputBytes += delta.AppliedOutputBytes
	c.CheckedFiles += delta.CheckedFiles
	c.CheckedBytes += delta.CheckedBytes
	c.FailedFiles += delta.FailedFiles
}

// Sub removes delta from c.
func (c *Counters) Sub(delta Counters) {
	c.DownloadedFiles -= delta.DownloadedFiles
	c.DownloadedBytes -= delta.DownloadedBytes
	c.AppliedFiles -= delta.AppliedFiles
	c.AppliedInputBytes -= delta.AppliedInputBytes
	c.AppliedOutputBytes -= delta.AppliedOutputBytes
	c.CheckedFiles -= delta.CheckedFiles
	c.CheckedBytes -= delta.CheckedBytes
	c.FailedFiles -= delta.FailedFiles
}

// Rate is Counters per second.
type Rate struct {
	DownloadedBytes float64
	AppliedBytes    float64
	CheckedBytes    float64
}

type step struct {
	duration time.Duration
	delta    Counters
}

// Histogram estimates rates over a rolling window of recent progress.
// It keeps up to steps entries, each covering at least window/steps of
// wall time, so the estimate smooths over bursts without trailing the
// whole transfer. Not safe for concurrent use; the single progress
// owner feeds it.
type Histogram struct {
	speed           step
	last            time.Time
	total           Counters
	history         []step
	steps           int
	stepMinDuration time.Duration

	now func() time.Time // for tests
}

// New returns a histogram keeping steps entries over the given window.
func New(steps int, window time.Duration) *Histogram {
	h := &Histogram{
		steps:           steps,
		stepMinDuration: window / time.Duration(steps),
		now:             time.Now,
	}
	h.last = h.now()
	return h
}

// NewDefault returns the standard 10-step, 2 second histogram.
func NewDefault() *Histogram { return New(10, 2*time.Second) }

// Inc records a progress delta at the current time.
func (h *Histogram) Inc(delta Counters) {
	now := h.now()
	duration := now.Sub(h.last)
	h.last = now
	h.total.Add(delta)
	h.speed.duration += duration
	h.speed.delta.Add(delta)

	if n := len(h.history); n > 0 && h.history[n-1].duration < h.stepMinDuration {
		h.history[n-1].duration += duration
		h.history[n-1].delta.Add(delta)
		return
	}
	if len(h.history) == h.steps {
		front := h.history[0]
		h.history = append(h.history[:0], h.history[1:]...)
		h.history = h.history[:h.steps-1]
		h.speed.duration -= front.duration
		h.speed.delta.Sub(front.delta)
	}
	h.history = append(h.history, step{duration: duration, delta: delta})
}

// Total is the cumulative progress recorded so far.
func (h *Histogram) Total() Counters { return h.total }

// Speed estimates current rates from the rolling window.
func (h *Histogram) Speed() Rate {
	secs := h.speed.duration.Seconds()
	if secs <= 0 {
		return Rate{}
	}
	return Rate{
		DownloadedBytes: float64(h.speed.delta.DownloadedBytes) / secs,
		AppliedBytes:    float64(h.speed.delta.AppliedOutputBytes) / secs,
		CheckedBytes:    float64(h.speed.delta.CheckedBytes) / secs,
	}
}
