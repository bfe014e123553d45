// Package iiwa holds the ROS nodes of the state publisher: the joint state
// publisher and the configuration node.
package iiwa

import (
	"context"
	"fmt"
	"sync"

	"github.com/edwinhayes/iiwastate/msgs/sensor_msgs"
	"github.com/edwinhayes/iiwastate/robot"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/pkg/errors"
)

// JointStatesTopic is resolved in the publisher's namespace, so a robot
// named "iiwa" publishes on /iiwa/joint_states.
const JointStatesTopic = "joint_states"

var (
	// ErrNotStarted is returned when publishing before OnStart opened the topic.
	ErrNotStarted = errors.New("joint publisher has not been started")
	// ErrAlreadyStarted is returned by a second OnStart.
	ErrAlreadyStarted = errors.New("joint publisher already started")
)

// PublishError reports a failed publish of one joint state.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing on %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Cause() error { return e.Err }

// Recorder observes the outcome of each publish attempt.
type Recorder interface {
	Published()
	Skipped()
	Failed()
}

type nopRecorder struct{}

func (nopRecorder) Published() {}
func (nopRecorder) Skipped()   {}
func (nopRecorder) Failed()    {}

// Option configures a JointPublisher.
type Option func(*JointPublisher)

// WithSequenceOrigin sets the sequence number of the first message.
func WithSequenceOrigin(origin uint32) Option {
	return func(p *JointPublisher) {
		p.generator = NewMessageGenerator(p.robotName, origin)
	}
}

// WithFrameID sets the header frame of published messages.
func WithFrameID(frameID string) Option {
	return func(p *JointPublisher) {
		p.frameID = frameID
	}
}

// WithRecorder reports publish outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(p *JointPublisher) {
		p.recorder = r
	}
}

// JointPublisher is a NodeMain publishing sensor_msgs/JointState on
// <robot>/joint_states. Only the publish loop may call PublishCurrentState;
// it is not safe for concurrent publishing.
type JointPublisher struct {
	robotName string
	frameID   string
	generator *MessageGenerator
	recorder  Recorder
	msg       *sensor_msgs.JointState

	ready    chan struct{}
	mu       sync.Mutex
	node     ros.ConnectedNode
	pub      ros.Publisher
	startErr error
}

// NewJointPublisher prepares a publisher for robotName. Nothing is opened
// until OnStart.
func NewJointPublisher(robotName string, opts ...Option) *JointPublisher {
	p := &JointPublisher{
		robotName: robotName,
		generator: NewMessageGenerator(robotName, 0),
		recorder:  nopRecorder{},
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.generator.SetFrameID(p.frameID)
	p.msg = p.generator.BuildJointState()
	return p
}

// SetFrameID changes the header frame of subsequent messages. Call it from
// the publishing goroutine.
func (p *JointPublisher) SetFrameID(frameID string) {
	p.frameID = frameID
	p.generator.SetFrameID(frameID)
}

// RobotName is the name topics are derived from.
func (p *JointPublisher) RobotName() string {
	return p.robotName
}

// PublisherNodeName is the name of the node publishing robotName's joint
// states.
func PublisherNodeName(robotName string) string {
	return robotName + "/joint_state_publisher"
}

func (p *JointPublisher) DefaultNodeName() string {
	return PublisherNodeName(p.robotName)
}

// OnStart advertises the joint states topic. It runs once per publisher;
// a failure is kept and returned by WaitForStart.
func (p *JointPublisher) OnStart(node ros.ConnectedNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pub != nil || p.startErr != nil {
		return ErrAlreadyStarted
	}
	pub, err := node.NewPublisher(JointStatesTopic, sensor_msgs.MsgJointState)
	if err != nil {
		p.startErr = errors.Wrap(err, "advertising joint states")
		close(p.ready)
		return p.startErr
	}
	p.node = node
	p.pub = pub
	close(p.ready)
	node.Logger().Infof("publishing joint states of %s on %s", p.robotName, pub.Topic())
	return nil
}

func (p *JointPublisher) OnShutdown(node ros.ConnectedNode) {
	node.Logger().Debug("joint publisher shutting down")
}

func (p *JointPublisher) started() (ros.ConnectedNode, ros.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node, p.pub
}

// Started reports whether OnStart has opened the topic.
func (p *JointPublisher) Started() bool {
	_, pub := p.started()
	return pub != nil
}

// WaitForStart blocks until OnStart has run or ctx ends. It returns the
// error OnStart failed with, if any.
func (p *JointPublisher) WaitForStart(ctx context.Context) error {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishCurrentState publishes the state of src with Cartesian values
// relative to the flange.
func (p *JointPublisher) PublishCurrentState(src robot.Source) error {
	return p.PublishCurrentStateInFrame(src, "")
}

// PublishCurrentStateInFrame publishes the state of src if the topic has
// subscribers. Without subscribers it returns nil without touching src or
// the sequence counter.
func (p *JointPublisher) PublishCurrentStateInFrame(src robot.Source, frame string) error {
	node, pub := p.started()
	if pub == nil {
		return ErrNotStarted
	}
	if pub.NumSubscribers() == 0 {
		p.recorder.Skipped()
		return nil
	}

	state, err := src.Snapshot(frame)
	if err != nil {
		p.recorder.Failed()
		return &PublishError{Topic: pub.Topic(), Err: errors.Wrap(err, "reading robot state")}
	}
	p.generator.CurrentJointState(p.msg, state)
	p.generator.IncrementSeqNumber(&p.msg.Header, node.CurrentTime())
	if err := pub.Publish(p.msg); err != nil {
		p.recorder.Failed()
		return &PublishError{Topic: pub.Topic(), Err: err}
	}
	p.recorder.Published()
	return nil
}
