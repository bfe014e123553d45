// Package ros is a publisher-side ROS1 client runtime: nodes register with a
// master over XML-RPC, serve the slave API and stream messages to
// subscribers over TCPROS.
package ros

import (
	"context"
	"time"

	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
)

var (
	// ErrPublisherClosed is returned when publishing on a shut down publisher.
	ErrPublisherClosed = errors.New("publisher is shut down")
	// ErrNodeShutdown is returned by operations on a node that has shut down.
	ErrNodeShutdown = errors.New("node is shut down")
	// ErrExecutorShutdown is returned by Execute after Shutdown.
	ErrExecutorShutdown = errors.New("executor is shut down")
)

// Publisher is an open output channel on a topic.
type Publisher interface {
	Topic() string
	// NumSubscribers counts subscribers that completed the handshake.
	NumSubscribers() int
	Publish(msg Message) error
	Shutdown()
}

// ConnectedNode is the view of a node handed to NodeMain.OnStart once the
// node is connected to its master.
type ConnectedNode interface {
	// Name is the fully qualified node name.
	Name() string
	NewPublisher(topic string, msgType MessageType) (Publisher, error)
	GetParam(key string) (interface{}, error)
	HasParam(key string) (bool, error)
	CurrentTime() Time
	OK() bool
	Logger() modular.Logger
}

// NodeMain is the behaviour run by an Executor on a node.
type NodeMain interface {
	DefaultNodeName() string
	// OnStart is called once, after the node has reached its master.
	OnStart(node ConnectedNode) error
	// OnShutdown is called while the executor shuts the node down. It is
	// called even if OnStart never ran, in which case node may not be
	// connected.
	OnShutdown(node ConnectedNode)
}

// Executor runs NodeMains, each on its own node.
type Executor interface {
	// Execute creates a node for main using cfg and arranges for
	// main.OnStart to run once the master is reachable. It does not block on
	// the master.
	Execute(main NodeMain, cfg NodeConfiguration) error
	// Shutdown stops accepting work, cancels pending connection attempts and
	// shuts down every node. It waits for background workers until ctx ends.
	Shutdown(ctx context.Context) error
}

// NodeConfiguration carries the network settings of one node.
type NodeConfiguration struct {
	// NodeName may include a namespace, e.g. "iiwa/joint_state_publisher".
	// Empty means NodeMain.DefaultNodeName.
	NodeName  string
	MasterURI string
	// Host is the address advertised to peers. Empty means auto-detect.
	Host         string
	TimeProvider TimeProvider
	// Args holds ROS-style remappings ("from:=to") and private parameters
	// ("_name:=value").
	Args []string
	// RetryInterval paces connection attempts to the master.
	RetryInterval time.Duration
}

// NewPublicNodeConfiguration returns a configuration advertising host.
func NewPublicNodeConfiguration(host string) NodeConfiguration {
	return NodeConfiguration{
		Host:          host,
		TimeProvider:  WallTimeProvider{},
		RetryInterval: 500 * time.Millisecond,
	}
}
