package iiwa

import (
	"context"
	"sync"

	"github.com/edwinhayes/iiwastate/ros"
)

// Parameter keys, resolved in the robot's namespace.
const (
	ParamJointStatesFrequency = "publish_jointstates_frequency"
	ParamJointStatesFrameID   = "joint_states_frame_id"
)

// MaxPublishFrequency is the highest accepted publish frequency in Hz, the
// cycle rate of the robot controller.
const MaxPublishFrequency = 1000.0

// ConfigurationNode reads the robot's runtime parameters from the master.
// Its start marks the moment the master became reachable, which is what
// WaitForInitialization waits for.
type ConfigurationNode struct {
	robotName   string
	defaultFreq float64

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	freq     float64
	frameID  string
	startErr error
}

// NewConfigurationNode returns a node for robotName. defaultFreq is used
// until, or unless, the master provides a publish frequency.
func NewConfigurationNode(robotName string, defaultFreq float64) *ConfigurationNode {
	return &ConfigurationNode{
		robotName:   robotName,
		defaultFreq: defaultFreq,
		freq:        defaultFreq,
		ready:       make(chan struct{}),
	}
}

func (c *ConfigurationNode) DefaultNodeName() string {
	return c.robotName + "/iiwa_configuration"
}

// OnStart reads the parameters. Missing or invalid parameters keep their
// defaults; only a node that is already gone fails the start.
func (c *ConfigurationNode) OnStart(node ros.ConnectedNode) (err error) {
	defer func() {
		c.readyOnce.Do(func() {
			c.mu.Lock()
			c.startErr = err
			c.mu.Unlock()
			close(c.ready)
		})
	}()
	if !node.OK() {
		return ros.ErrNodeShutdown
	}
	log := node.Logger()

	if value, ok := c.param(node, ParamJointStatesFrequency); ok {
		if freq, ok := ros.ParamFloat(value); ok && freq > 0 && freq <= MaxPublishFrequency {
			c.mu.Lock()
			c.freq = freq
			c.mu.Unlock()
			log.Infof("joint state publish frequency %g Hz", freq)
		} else {
			log.Warnf("ignoring %s=%v, keeping %g Hz", ParamJointStatesFrequency, value, c.defaultFreq)
		}
	}
	if value, ok := c.param(node, ParamJointStatesFrameID); ok {
		if frameID, ok := value.(string); ok {
			c.mu.Lock()
			c.frameID = frameID
			c.mu.Unlock()
		}
	}
	return nil
}

// param fetches key, logging instead of failing since every parameter has
// a fallback.
func (c *ConfigurationNode) param(node ros.ConnectedNode, key string) (interface{}, bool) {
	has, err := node.HasParam(key)
	if err != nil {
		node.Logger().WithError(err).Warnf("checking parameter %s", key)
		return nil, false
	}
	if !has {
		return nil, false
	}
	value, err := node.GetParam(key)
	if err != nil {
		node.Logger().WithError(err).Warnf("reading parameter %s", key)
		return nil, false
	}
	return value, true
}

func (c *ConfigurationNode) OnShutdown(node ros.ConnectedNode) {}

// WaitForInitialization blocks until the node has started or ctx ends. It
// returns the error OnStart failed with, if any.
func (c *ConfigurationNode) WaitForInitialization(ctx context.Context) error {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JointStatePublishFreq is the publish frequency in Hz.
func (c *ConfigurationNode) JointStatePublishFreq() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

// JointStatesFrameID is the frame configured on the master, if any.
func (c *ConfigurationNode) JointStatesFrameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameID
}
