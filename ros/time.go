package ros

import (
	gotime "time"
)

// Time is a ROS timestamp: seconds and nanoseconds since the Unix epoch.
type Time struct {
	Sec  uint32
	NSec uint32
}

// NewTime creates a normalized Time.
func NewTime(sec uint32, nsec uint32) Time {
	s, ns := normalizeTemporal(int64(sec), int64(nsec))
	return Time{s, ns}
}

// Now returns the current wall-clock time.
func Now() Time {
	return TimeFromGo(gotime.Now())
}

// TimeFromGo converts a time.Time. Instants before the epoch map to zero.
func TimeFromGo(t gotime.Time) Time {
	s, ns := normalizeTemporal(t.Unix(), int64(t.Nanosecond()))
	return Time{s, ns}
}

// Go converts t to a time.Time.
func (t Time) Go() gotime.Time {
	return gotime.Unix(int64(t.Sec), int64(t.NSec))
}

func (t Time) IsZero() bool {
	return t.Sec == 0 && t.NSec == 0
}

func (t Time) ToSec() float64 {
	return float64(t.Sec) + float64(t.NSec)*1e-9
}

func (t Time) ToNSec() uint64 {
	return uint64(t.Sec)*nsecPerSec + uint64(t.NSec)
}

// Add returns t shifted by d.
func (t Time) Add(d gotime.Duration) Time {
	s, ns := normalizeTemporal(int64(t.Sec), int64(t.NSec)+int64(d))
	return Time{s, ns}
}

// Sub returns the duration t-from.
func (t Time) Sub(from Time) gotime.Duration {
	return gotime.Duration(int64(t.ToNSec()) - int64(from.ToNSec()))
}

func (t Time) Cmp(other Time) int {
	return cmpUint64(t.ToNSec(), other.ToNSec())
}

// TimeProvider supplies the timestamps a node stamps its messages with.
type TimeProvider interface {
	CurrentTime() Time
}

// WallTimeProvider reads the local wall clock.
type WallTimeProvider struct{}

func (WallTimeProvider) CurrentTime() Time {
	return Now()
}
