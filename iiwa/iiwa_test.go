package iiwa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edwinhayes/iiwastate/msgs/sensor_msgs"
	"github.com/edwinhayes/iiwastate/robot"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/edwinhayes/iiwastate/ros/rostest"
	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topic       string
	subscribers int
	err         error

	mu        sync.Mutex
	published []sensor_msgs.JointState
}

func (p *fakePublisher) Topic() string       { return p.topic }
func (p *fakePublisher) NumSubscribers() int { return p.subscribers }
func (p *fakePublisher) Shutdown()           {}

func (p *fakePublisher) Publish(msg ros.Message) error {
	if p.err != nil {
		return p.err
	}
	js := *msg.(*sensor_msgs.JointState)
	js.Position = append([]float64(nil), js.Position...)
	p.mu.Lock()
	p.published = append(p.published, js)
	p.mu.Unlock()
	return nil
}

type fakeNode struct {
	pub       *fakePublisher
	params    map[string]interface{}
	now       ros.Time
	advertise error
	down      bool
}

func (n *fakeNode) Name() string { return "/iiwa/joint_state_publisher" }

func (n *fakeNode) NewPublisher(topic string, msgType ros.MessageType) (ros.Publisher, error) {
	if n.advertise != nil {
		return nil, n.advertise
	}
	n.pub.topic = "/iiwa/" + topic
	return n.pub, nil
}

func (n *fakeNode) GetParam(key string) (interface{}, error) {
	v, ok := n.params[key]
	if !ok {
		return nil, errors.Errorf("%s not set", key)
	}
	return v, nil
}

func (n *fakeNode) HasParam(key string) (bool, error) {
	_, ok := n.params[key]
	return ok, nil
}

func (n *fakeNode) CurrentTime() ros.Time  { return n.now }
func (n *fakeNode) OK() bool               { return !n.down }
func (n *fakeNode) Logger() modular.Logger { return ros.ModuleLogger(nil, "iiwa") }

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Snapshot(frame string) (robot.JointState, error) {
	s.calls++
	if s.err != nil {
		return robot.JointState{}, s.err
	}
	return robot.JointState{Position: []float64{float64(s.calls)}, Frame: frame}, nil
}

type countingRecorder struct{ published, skipped, failed int }

func (r *countingRecorder) Published() { r.published++ }
func (r *countingRecorder) Skipped()   { r.skipped++ }
func (r *countingRecorder) Failed()    { r.failed++ }

func TestPublishBeforeStart(t *testing.T) {
	p := NewJointPublisher("iiwa")
	source := &countingSource{}
	assert.ErrorIs(t, p.PublishCurrentState(source), ErrNotStarted)
	assert.Zero(t, source.calls)
	assert.False(t, p.Started())
}

func TestOnStartOnce(t *testing.T) {
	p := NewJointPublisher("iiwa")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitForStart(ctx), context.DeadlineExceeded)

	node := &fakeNode{pub: &fakePublisher{}}
	require.NoError(t, p.OnStart(node))
	assert.True(t, p.Started())
	require.NoError(t, p.WaitForStart(context.Background()))
	assert.Equal(t, "/iiwa/joint_states", node.pub.topic)
	assert.ErrorIs(t, p.OnStart(node), ErrAlreadyStarted)
	assert.Equal(t, "iiwa/joint_state_publisher", p.DefaultNodeName())
}

func TestOnStartFailureReachesWaitForStart(t *testing.T) {
	p := NewJointPublisher("iiwa")
	rejected := errors.New("registerPublisher: topic type conflict")
	err := p.OnStart(&fakeNode{advertise: rejected})
	assert.ErrorIs(t, err, rejected)
	assert.False(t, p.Started())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, p.WaitForStart(ctx), rejected)
	assert.ErrorIs(t, p.OnStart(&fakeNode{pub: &fakePublisher{}}), ErrAlreadyStarted)
	assert.ErrorIs(t, p.PublishCurrentState(&countingSource{}), ErrNotStarted)
}

func TestNoSubscribersSkipsSnapshot(t *testing.T) {
	recorder := &countingRecorder{}
	p := NewJointPublisher("iiwa", WithRecorder(recorder), WithSequenceOrigin(5))
	node := &fakeNode{pub: &fakePublisher{}}
	require.NoError(t, p.OnStart(node))

	source := &countingSource{}
	for i := 0; i < 10; i++ {
		require.NoError(t, p.PublishCurrentState(source))
	}
	assert.Zero(t, source.calls)
	assert.Empty(t, node.pub.published)
	assert.Equal(t, uint32(5), p.generator.NextSeq())
	assert.Equal(t, 10, recorder.skipped)
}

func TestSequenceIncreasesByOne(t *testing.T) {
	p := NewJointPublisher("iiwa", WithSequenceOrigin(100), WithFrameID("world"))
	node := &fakeNode{pub: &fakePublisher{subscribers: 1}, now: ros.NewTime(1, 2)}
	require.NoError(t, p.OnStart(node))

	source := &countingSource{}
	for i := 0; i < 5; i++ {
		require.NoError(t, p.PublishCurrentStateInFrame(source, "tool"))
	}
	require.Len(t, node.pub.published, 5)
	for i, msg := range node.pub.published {
		assert.Equal(t, uint32(100+i), msg.Header.Seq)
		assert.Equal(t, ros.NewTime(1, 2), msg.Header.Stamp)
		assert.Equal(t, "world", msg.Header.FrameId)
		assert.Equal(t, []float64{float64(i + 1)}, msg.Position)
	}
	assert.Equal(t, robot.JointNames("iiwa", DefaultJoints), node.pub.published[0].Name)
}

func TestSequenceWraps(t *testing.T) {
	p := NewJointPublisher("iiwa", WithSequenceOrigin(^uint32(0)))
	node := &fakeNode{pub: &fakePublisher{subscribers: 2}}
	require.NoError(t, p.OnStart(node))
	source := &countingSource{}
	require.NoError(t, p.PublishCurrentState(source))
	require.NoError(t, p.PublishCurrentState(source))
	assert.Equal(t, ^uint32(0), node.pub.published[0].Header.Seq)
	assert.Equal(t, uint32(0), node.pub.published[1].Header.Seq)
}

func TestPublishErrors(t *testing.T) {
	recorder := &countingRecorder{}
	p := NewJointPublisher("iiwa", WithRecorder(recorder))
	node := &fakeNode{pub: &fakePublisher{subscribers: 1}}
	require.NoError(t, p.OnStart(node))

	err := p.PublishCurrentState(&countingSource{err: errors.New("controller offline")})
	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, "/iiwa/joint_states", publishErr.Topic)
	assert.Equal(t, uint32(0), p.generator.NextSeq(), "failed snapshot does not consume a sequence number")

	node.pub.err = ros.ErrPublisherClosed
	err = p.PublishCurrentState(&countingSource{})
	assert.ErrorIs(t, err, ros.ErrPublisherClosed)
	assert.Equal(t, 2, recorder.failed)
}

func TestConfigurationNodeReadsParameters(t *testing.T) {
	c := NewConfigurationNode("iiwa", 50)
	assert.Equal(t, "iiwa/iiwa_configuration", c.DefaultNodeName())
	assert.Equal(t, 50.0, c.JointStatePublishFreq())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForInitialization(ctx), context.DeadlineExceeded)

	node := &fakeNode{params: map[string]interface{}{
		ParamJointStatesFrequency: int32(200),
		ParamJointStatesFrameID:   "iiwa_link_0",
	}}
	require.NoError(t, c.OnStart(node))
	require.NoError(t, c.WaitForInitialization(context.Background()))
	assert.Equal(t, 200.0, c.JointStatePublishFreq())
	assert.Equal(t, "iiwa_link_0", c.JointStatesFrameID())
}

func TestConfigurationNodeFallsBack(t *testing.T) {
	c := NewConfigurationNode("iiwa", 50)
	node := &fakeNode{params: map[string]interface{}{ParamJointStatesFrequency: -3.0}}
	require.NoError(t, c.OnStart(node))
	assert.Equal(t, 50.0, c.JointStatePublishFreq())

	c = NewConfigurationNode("iiwa", 50)
	node = &fakeNode{params: map[string]interface{}{ParamJointStatesFrequency: MaxPublishFrequency + 1}}
	require.NoError(t, c.OnStart(node))
	assert.Equal(t, 50.0, c.JointStatePublishFreq())

	c = NewConfigurationNode("iiwa", 50)
	require.NoError(t, c.OnStart(&fakeNode{params: map[string]interface{}{}}))
	assert.Equal(t, 50.0, c.JointStatePublishFreq())
	require.NoError(t, c.WaitForInitialization(context.Background()))
}

func TestConfigurationNodeStartFailure(t *testing.T) {
	c := NewConfigurationNode("iiwa", 50)
	assert.ErrorIs(t, c.OnStart(&fakeNode{down: true}), ros.ErrNodeShutdown)
	assert.ErrorIs(t, c.WaitForInitialization(context.Background()), ros.ErrNodeShutdown)
	assert.Equal(t, 50.0, c.JointStatePublishFreq())
}

func TestJointPublisherOverROS(t *testing.T) {
	master := rostest.NewMaster()
	defer master.Close()
	master.SetParam("/iiwa/"+ParamJointStatesFrequency, 25.0)

	executor := ros.NewDefaultExecutor(nil)
	defer executor.Shutdown(context.Background())

	config := NewConfigurationNode("iiwa", 10)
	publisher := NewJointPublisher("iiwa", WithSequenceOrigin(7))
	for _, x := range []struct {
		main ros.NodeMain
		name string
	}{
		{config, "iiwa/iiwa_configuration"},
		{publisher, "iiwa/joint_state_publisher"},
	} {
		cfg := ros.NewPublicNodeConfiguration("127.0.0.1")
		cfg.MasterURI = master.URI()
		cfg.NodeName = x.name
		cfg.RetryInterval = 10 * time.Millisecond
		require.NoError(t, executor.Execute(x.main, cfg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, config.WaitForInitialization(ctx))
	assert.Equal(t, 25.0, config.JointStatePublishFreq())

	reg, err := master.WaitForPublisher(ctx, "/iiwa/joint_states")
	require.NoError(t, err)
	assert.Equal(t, "/iiwa/joint_state_publisher", reg.CallerID)
	assert.Equal(t, "sensor_msgs/JointState", reg.Type)
	require.Eventually(t, publisher.Started, 5*time.Second, 10*time.Millisecond)

	conn, err := ros.DialTopic(ctx, reg.URI, "/echo", "/iiwa/joint_states", sensor_msgs.MsgJointState)
	require.NoError(t, err)
	defer conn.Close()

	source := robot.NewSimSource("iiwa", DefaultJoints)
	_, pub := publisher.started()
	require.Eventually(t, func() bool { return pub.NumSubscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, publisher.PublishCurrentState(source))
	require.NoError(t, publisher.PublishCurrentState(source))

	for want := uint32(7); want <= 8; want++ {
		msg, err := conn.Receive(time.Now().Add(5 * time.Second))
		require.NoError(t, err)
		js := msg.(*sensor_msgs.JointState)
		assert.Equal(t, want, js.Header.Seq)
		assert.Len(t, js.Position, DefaultJoints)
		assert.Equal(t, "iiwa_joint_1", js.Name[0])
	}
}
