package robot

import (
	"math"
	"sync"
	"time"
)

// SimSource moves every joint along a sinusoid. It is meant for bench runs
// without a controller.
type SimSource struct {
	Amplitude float64 // rad
	Frequency float64 // Hz

	names []string
	start time.Time
	now   func() time.Time

	mu    sync.Mutex
	count int
}

// NewSimSource returns a simulated robot with the given number of joints.
func NewSimSource(robotName string, joints int) *SimSource {
	return &SimSource{
		Amplitude: 0.5,
		Frequency: 0.1,
		names:     JointNames(robotName, joints),
		start:     time.Now(),
		now:       time.Now,
	}
}

func (s *SimSource) Snapshot(frame string) (JointState, error) {
	now := s.now()
	t := now.Sub(s.start).Seconds()
	omega := 2 * math.Pi * s.Frequency

	state := JointState{
		Names:    append([]string(nil), s.names...),
		Position: make([]float64, len(s.names)),
		Velocity: make([]float64, len(s.names)),
		Effort:   make([]float64, len(s.names)),
		Frame:    frame,
		Time:     now,
	}
	for i := range s.names {
		phase := float64(i) * math.Pi / float64(len(s.names))
		state.Position[i] = s.Amplitude * math.Sin(omega*t+phase)
		state.Velocity[i] = s.Amplitude * omega * math.Cos(omega*t+phase)
		state.Effort[i] = -state.Position[i]
	}

	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return state, nil
}

// Snapshots reports how many snapshots have been taken.
func (s *SimSource) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
