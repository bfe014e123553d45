// Package robot provides joint state snapshots of a robot arm.
package robot

import (
	"strconv"
	"time"
)

// JointState is a snapshot of every joint of the robot at one instant.
// Velocity and Effort are empty when the source does not provide them.
type JointState struct {
	Names    []string
	Position []float64
	Velocity []float64
	Effort   []float64
	// Frame is the reference frame Cartesian-derived values relate to.
	// Empty means the flange.
	Frame string
	Time  time.Time
}

// Source produces joint state snapshots. Snapshot must not affect the robot
// and may be called repeatedly.
type Source interface {
	Snapshot(frame string) (JointState, error)
}

// JointNames returns the joint names of an n-joint robot, "<robot>_joint_1"
// through "<robot>_joint_<n>".
func JointNames(robotName string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = robotName + "_joint_" + strconv.Itoa(i+1)
	}
	return names
}

func clone(xs []float64) []float64 {
	if xs == nil {
		return nil
	}
	return append([]float64(nil), xs...)
}
