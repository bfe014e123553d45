package iiwa

import (
	"github.com/edwinhayes/iiwastate/msgs/sensor_msgs"
	"github.com/edwinhayes/iiwastate/msgs/std_msgs"
	"github.com/edwinhayes/iiwastate/robot"
	"github.com/edwinhayes/iiwastate/ros"
)

// DefaultJoints is the joint count of an LBR iiwa.
const DefaultJoints = 7

// MessageGenerator builds joint state messages for one robot and owns the
// header sequence counter. It is not safe for concurrent use.
type MessageGenerator struct {
	robotName string
	frameID   string
	seq       uint32
}

// NewMessageGenerator returns a generator whose first sequence number is
// origin. Sequence numbers wrap at 2^32.
func NewMessageGenerator(robotName string, origin uint32) *MessageGenerator {
	return &MessageGenerator{robotName: robotName, seq: origin}
}

// SetFrameID sets the header frame of generated messages.
func (g *MessageGenerator) SetFrameID(frameID string) {
	g.frameID = frameID
}

// BuildJointState returns an empty message named after the robot's joints.
func (g *MessageGenerator) BuildJointState() *sensor_msgs.JointState {
	msg := sensor_msgs.MsgJointState.NewMessage().(*sensor_msgs.JointState)
	msg.Header.FrameId = g.frameID
	msg.Name = robot.JointNames(g.robotName, DefaultJoints)
	return msg
}

// CurrentJointState copies state into msg. Names reported by the source win
// over the generated ones.
func (g *MessageGenerator) CurrentJointState(msg *sensor_msgs.JointState, state robot.JointState) {
	if len(state.Names) > 0 {
		msg.Name = append(msg.Name[:0], state.Names...)
	}
	msg.Position = append(msg.Position[:0], state.Position...)
	msg.Velocity = append(msg.Velocity[:0], state.Velocity...)
	msg.Effort = append(msg.Effort[:0], state.Effort...)
}

// IncrementSeqNumber stamps header and gives it the next sequence number.
func (g *MessageGenerator) IncrementSeqNumber(header *std_msgs.Header, stamp ros.Time) {
	header.Seq = g.seq
	header.Stamp = stamp
	header.FrameId = g.frameID
	g.seq++
}

// NextSeq is the sequence number the next message will carry.
func (g *MessageGenerator) NextSeq() uint32 {
	return g.seq
}
