package redisbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/edwinhayes/iiwastate/msgs/std_msgs"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type headerMain struct {
	started   chan ros.ConnectedNode
	pub       ros.Publisher
	shutdowns int
}

func (m *headerMain) DefaultNodeName() string { return "talker" }

func (m *headerMain) OnStart(node ros.ConnectedNode) error {
	pub, err := node.NewPublisher("chatter", std_msgs.MsgHeader)
	if err != nil {
		return err
	}
	m.pub = pub
	m.started <- node
	return nil
}

func (m *headerMain) OnShutdown(node ros.ConnectedNode) { m.shutdowns++ }

func TestExecutorPublishesOverRedis(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	executor := NewExecutor(Config{Addr: mr.Addr()}, nil)
	main := &headerMain{started: make(chan ros.ConnectedNode, 1)}
	cfg := ros.NodeConfiguration{
		NodeName:      "iiwa/talker",
		Args:          []string{"_rate:=25"},
		RetryInterval: 10 * time.Millisecond,
	}
	require.NoError(t, executor.Execute(main, cfg))

	var node ros.ConnectedNode
	select {
	case node = <-main.started:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStart was not called")
	}
	assert.Equal(t, "/iiwa/talker", node.Name())
	assert.Equal(t, "25", mr.HGet(DefaultParamsKey, "/iiwa/talker/rate"))

	rate, err := node.GetParam("~rate")
	require.NoError(t, err)
	assert.Equal(t, int32(25), rate)
	has, err := node.HasParam("missing")
	require.NoError(t, err)
	assert.False(t, has)
	_, err = node.GetParam("missing")
	assert.Error(t, err)

	pub := main.pub
	assert.Equal(t, "/iiwa/chatter", pub.Topic())
	assert.Equal(t, 0, pub.NumSubscribers())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), "/iiwa/chatter")
	_, err = sub.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pub.NumSubscribers())

	sent := &std_msgs.Header{Seq: 42, Stamp: ros.NewTime(3, 4), FrameId: "world"}
	require.NoError(t, pub.Publish(sent))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got std_msgs.Header
	require.NoError(t, got.Deserialize(bytes.NewReader([]byte(msg.Payload))))
	assert.Equal(t, *sent, got)
	require.NoError(t, sub.Close())

	require.NoError(t, executor.Shutdown(context.Background()))
	assert.Equal(t, 1, main.shutdowns)
	assert.False(t, node.OK())
	assert.ErrorIs(t, pub.Publish(sent), ros.ErrPublisherClosed)
	assert.Equal(t, 0, pub.NumSubscribers())

	require.NoError(t, executor.Shutdown(context.Background()))
	assert.Equal(t, 1, main.shutdowns)
	assert.ErrorIs(t, executor.Execute(main, cfg), ros.ErrExecutorShutdown)
}

func TestExecutorWaitsForRedis(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	executor := NewExecutor(Config{Addr: addr}, nil)
	main := &headerMain{started: make(chan ros.ConnectedNode, 1)}
	require.NoError(t, executor.Execute(main, ros.NodeConfiguration{RetryInterval: 10 * time.Millisecond}))

	select {
	case <-main.started:
		t.Fatal("OnStart called without a server")
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, executor.Shutdown(ctx))
	assert.Nil(t, main.pub)
}

func TestExecutorRejectsInvalidNodeName(t *testing.T) {
	executor := NewExecutor(Config{Addr: "127.0.0.1:1"}, nil)
	defer executor.Shutdown(context.Background())
	err := executor.Execute(&headerMain{}, ros.NodeConfiguration{NodeName: "bad name!"})
	assert.Error(t, err)
}
