package ros

import (
	"context"
	"math"
	"time"
)

// Rate paces a loop at a fixed frequency. Deadlines are computed as
// start + n*period so that jitter in one cycle does not accumulate. When a
// deadline has already passed, Sleep returns immediately and the schedule is
// re-anchored at the current instant, so an overrun never produces a burst of
// catch-up cycles.
type Rate struct {
	period   time.Duration
	start    time.Time
	cycles   int64
	last     time.Time
	actual   time.Duration
	overruns int64
	now      func() time.Time
}

// MinCycleTime is the shortest period a Rate runs at.
const MinCycleTime = time.Microsecond

// NewRate returns a Rate ticking frequency times per second. Frequencies
// above 1/MinCycleTime run at MinCycleTime.
func NewRate(frequency float64) *Rate {
	period := float64(time.Second) / frequency
	if period >= math.MaxInt64 {
		return CycleTime(math.MaxInt64)
	}
	if !(period >= float64(MinCycleTime)) {
		return CycleTime(MinCycleTime)
	}
	return CycleTime(time.Duration(period))
}

// CycleTime returns a Rate with the given period, at least MinCycleTime.
func CycleTime(d time.Duration) *Rate {
	if d < MinCycleTime {
		d = MinCycleTime
	}
	r := &Rate{period: d, now: time.Now}
	r.Reset()
	return r
}

// ExpectedCycleTime is the configured period.
func (r *Rate) ExpectedCycleTime() time.Duration {
	return r.period
}

// CycleTime is the measured duration of the last completed cycle.
func (r *Rate) CycleTime() time.Duration {
	return r.actual
}

// Overruns counts cycles whose deadline had already passed.
func (r *Rate) Overruns() int64 {
	return r.overruns
}

// Reset restarts the schedule from now.
func (r *Rate) Reset() {
	r.start = r.now()
	r.last = r.start
	r.cycles = 0
	r.actual = 0
}

// Sleep blocks until the next deadline or until ctx is done, in which case
// ctx.Err() is returned.
func (r *Rate) Sleep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.now()
	r.cycles++
	next := r.start.Add(time.Duration(r.cycles) * r.period)
	if !next.After(now) {
		r.overruns++
		r.start = now
		r.cycles = 0
		r.actual = now.Sub(r.last)
		r.last = now
		return nil
	}

	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	woke := r.now()
	r.actual = woke.Sub(r.last)
	r.last = woke
	return nil
}
