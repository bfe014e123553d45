// Package rostest provides an in-process ROS master for tests.
package rostest

import (
	"context"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edwinhayes/iiwastate/xmlrpc"
	"github.com/pkg/errors"
)

// Registration is a publisher known to the Master.
type Registration struct {
	CallerID string
	Topic    string
	Type     string
	URI      string
}

// Master implements the part of the ROS master API used by publishing
// nodes: getUri, registerPublisher, unregisterPublisher and the parameter
// server calls.
type Master struct {
	server  *httptest.Server
	handler *xmlrpc.Handler

	mu            sync.Mutex
	params        map[string]interface{}
	registrations map[string]Registration
	calls         map[string]int
	rejectTopics  map[string]string
}

// NewMaster starts a master on a loopback port.
func NewMaster() *Master {
	m := &Master{
		params:        make(map[string]interface{}),
		registrations: make(map[string]Registration),
		calls:         make(map[string]int),
		rejectTopics:  make(map[string]string),
	}
	m.handler = xmlrpc.NewHandler(map[string]xmlrpc.Method{
		"getUri":              m.getURI,
		"registerPublisher":   m.registerPublisher,
		"unregisterPublisher": m.unregisterPublisher,
		"getParam":            m.getParam,
		"setParam":            m.setParam,
		"hasParam":            m.hasParam,
		"deleteParam":         m.deleteParam,
	})
	m.server = httptest.NewServer(m.handler)
	return m
}

// URI is the master's XML-RPC endpoint.
func (m *Master) URI() string {
	return m.server.URL
}

func (m *Master) Close() {
	m.server.Close()
	m.handler.WaitForShutdown()
}

// SetParam stores a parameter under its global name.
func (m *Master) SetParam(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[key] = value
}

// RejectPublisher makes registerPublisher fail for topic with message, the
// way a master answers a type conflict.
func (m *Master) RejectPublisher(topic, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectTopics[topic] = message
}

// Param returns the value stored under key.
func (m *Master) Param(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.params[key]
	return v, ok
}

// Publishers lists the current registrations for topic.
func (m *Master) Publishers(topic string) []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var regs []Registration
	for _, r := range m.registrations {
		if r.Topic == topic {
			regs = append(regs, r)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].CallerID < regs[j].CallerID })
	return regs
}

// Calls reports how many times method has been called.
func (m *Master) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// WaitForPublisher polls until some node has registered a publisher for
// topic.
func (m *Master) WaitForPublisher(ctx context.Context, topic string) (Registration, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if regs := m.Publishers(topic); len(regs) > 0 {
			return regs[0], nil
		}
		select {
		case <-ctx.Done():
			return Registration{}, errors.Wrapf(ctx.Err(), "no publisher registered for %s", topic)
		case <-ticker.C:
		}
	}
}

func (m *Master) count(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

func result(code int32, message string, value interface{}) interface{} {
	return []interface{}{code, message, value}
}

func registrationKey(callerID, topic string) string {
	return callerID + " " + topic
}

func (m *Master) getURI(callerID string) (interface{}, error) {
	m.count("getUri")
	return result(1, "", m.URI()), nil
}

func (m *Master) registerPublisher(callerID, topic, topicType, callerAPI string) (interface{}, error) {
	m.count("registerPublisher")
	m.mu.Lock()
	defer m.mu.Unlock()
	if message, ok := m.rejectTopics[topic]; ok {
		return result(-1, message, []interface{}{}), nil
	}
	m.registrations[registrationKey(callerID, topic)] = Registration{
		CallerID: callerID,
		Topic:    topic,
		Type:     topicType,
		URI:      callerAPI,
	}
	return result(1, "Registered ["+callerID+"] as publisher of ["+topic+"]", []interface{}{}), nil
}

func (m *Master) unregisterPublisher(callerID, topic, callerAPI string) (interface{}, error) {
	m.count("unregisterPublisher")
	m.mu.Lock()
	defer m.mu.Unlock()
	key := registrationKey(callerID, topic)
	if _, ok := m.registrations[key]; !ok {
		return result(1, "not a publisher", 0), nil
	}
	delete(m.registrations, key)
	return result(1, "Unregistered ["+callerID+"] as publisher of ["+topic+"]", 1), nil
}

func (m *Master) getParam(callerID, key string) (interface{}, error) {
	m.count("getParam")
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.params[key]; ok {
		return result(1, "Parameter ["+key+"]", v), nil
	}
	// A namespace key returns its subtree.
	prefix := strings.TrimSuffix(key, "/") + "/"
	tree := map[string]interface{}{}
	for k, v := range m.params {
		if strings.HasPrefix(k, prefix) && !strings.Contains(k[len(prefix):], "/") {
			tree[k[len(prefix):]] = v
		}
	}
	if len(tree) > 0 {
		return result(1, "Parameter ["+key+"]", tree), nil
	}
	return result(-1, "Parameter ["+key+"] is not set", 0), nil
}

func (m *Master) setParam(callerID, key string, value interface{}) (interface{}, error) {
	m.count("setParam")
	m.SetParam(key, value)
	return result(1, "parameter "+key+" set", 0), nil
}

func (m *Master) hasParam(callerID, key string) (interface{}, error) {
	m.count("hasParam")
	_, ok := m.Param(key)
	return result(1, key, ok), nil
}

func (m *Master) deleteParam(callerID, key string) (interface{}, error) {
	m.count("deleteParam")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.params[key]; !ok {
		return result(-1, "parameter ["+key+"] is not set", 0), nil
	}
	delete(m.params, key)
	return result(1, "parameter "+key+" deleted", 0), nil
}
