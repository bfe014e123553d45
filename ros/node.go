package ros

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwinhayes/iiwastate/xmlrpc"
	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
)

// apiTimeout bounds a single master or slave API call.
const apiTimeout = 5 * time.Second

// ValidateMasterURI checks that uri is an absolute http(s) URI with a host.
func ValidateMasterURI(uri string) error {
	if uri == "" {
		return errors.New("master URI is empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return errors.Wrapf(err, "master URI %q", uri)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("master URI %q: scheme must be http or https", uri)
	}
	if u.Hostname() == "" {
		return errors.Errorf("master URI %q has no host", uri)
	}
	return nil
}

// defaultNode implements ConnectedNode on top of a ROS master.
type defaultNode struct {
	name          string
	namespace     string
	qualifiedName string
	masterURI     string
	xmlrpcURI     string
	hostname      string
	listenIP      string
	listener      net.Listener
	server        *http.Server
	handler       *xmlrpc.Handler
	resolver      *NameResolver
	params        NameMap
	timeProvider  TimeProvider
	root          modular.RootLogger
	logger        modular.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	publishers map[string]*defaultPublisher

	ok           atomic.Bool
	shutdownOnce sync.Once
	waitGroup    sync.WaitGroup
}

func newDefaultNode(cfg NodeConfiguration, root modular.RootLogger) (*defaultNode, error) {
	if err := ValidateMasterURI(cfg.MasterURI); err != nil {
		return nil, err
	}
	remapping, params, specials, _ := processArguments(cfg.Args)

	namespace, name, err := qualifyNodeName(cfg.NodeName)
	if err != nil {
		return nil, err
	}
	if value, ok := specials["__name"]; ok {
		name = value
	}
	if value, ok := specials["__ns"]; ok {
		namespace = canonicalizeName(GlobalNS + value)
	}

	node := &defaultNode{
		name:          name,
		namespace:     namespace,
		qualifiedName: canonicalizeName(namespace + Sep + name),
		masterURI:     cfg.MasterURI,
		params:        params,
		timeProvider:  cfg.TimeProvider,
		publishers:    make(map[string]*defaultPublisher),
	}
	if node.timeProvider == nil {
		node.timeProvider = WallTimeProvider{}
	}
	node.resolver = newNameResolver(namespace, name, remapping)
	if root == nil {
		root = DefaultLogger()
	}
	node.root = root
	node.logger = ModuleLogger(root, "ros").WithField("node", node.qualifiedName)
	node.ctx, node.cancel = context.WithCancel(context.Background())

	var onlyLocalhost bool
	node.hostname, onlyLocalhost = determineHost(cfg.Host)
	if onlyLocalhost {
		node.listenIP = "127.0.0.1"
	} else {
		node.listenIP = "0.0.0.0"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(node.listenIP, "0"))
	if err != nil {
		node.cancel()
		return nil, errors.Wrap(err, "opening slave API listener")
	}
	_, port, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		listener.Close()
		node.cancel()
		return nil, err
	}
	node.listener = listener
	node.xmlrpcURI = "http://" + net.JoinHostPort(node.hostname, port)
	node.handler = xmlrpc.NewHandler(map[string]xmlrpc.Method{
		"getBusStats":      node.getBusStats,
		"getBusInfo":       node.getBusInfo,
		"getMasterUri":     node.getMasterURI,
		"shutdown":         node.shutdownRequested,
		"getPid":           node.getPid,
		"getSubscriptions": node.getSubscriptions,
		"getPublications":  node.getPublications,
		"paramUpdate":      node.paramUpdate,
		"publisherUpdate":  node.publisherUpdate,
		"requestTopic":     node.requestTopic,
	})
	node.server = &http.Server{Handler: node.handler, ReadHeaderTimeout: apiTimeout}
	node.ok.Store(true)

	node.waitGroup.Add(1)
	go func() {
		defer node.waitGroup.Done()
		if err := node.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			node.logger.WithError(err).Warn("slave API server stopped")
		}
	}()
	node.logger.Debugf("slave API listening on %s, master %s", node.xmlrpcURI, node.masterURI)
	return node, nil
}

// call performs a master API call bounded by apiTimeout.
func (node *defaultNode) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	return callRosAPI(ctx, node.masterURI, method, args...)
}

// connect blocks until the master answers, then uploads private parameters
// given as arguments.
func (node *defaultNode) connect(ctx context.Context, retry time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		_, err := node.call(ctx, "getUri", node.qualifiedName)
		if err == nil {
			break
		}
		if attempt == 1 {
			node.logger.WithError(err).Info("waiting for ROS master")
		} else {
			node.logger.WithError(err).Debug("ROS master still unreachable")
		}
		timer.Reset(retry)
	}

	for key, raw := range node.params {
		value, err := loadParamFromString(raw)
		if err != nil {
			return errors.Wrapf(err, "parameter %s", key)
		}
		if _, err := node.call(ctx, "setParam", node.qualifiedName, node.resolver.resolve(key), value); err != nil {
			return errors.Wrapf(err, "setting parameter %s", key)
		}
	}
	return nil
}

func (node *defaultNode) Name() string {
	return node.qualifiedName
}

func (node *defaultNode) OK() bool {
	return node.ok.Load()
}

func (node *defaultNode) Logger() modular.Logger {
	return node.logger
}

func (node *defaultNode) CurrentTime() Time {
	return node.timeProvider.CurrentTime()
}

func (node *defaultNode) NewPublisher(topic string, msgType MessageType) (Publisher, error) {
	if !node.OK() {
		return nil, ErrNodeShutdown
	}
	name := node.resolver.resolve(topic)

	node.mu.Lock()
	if pub, ok := node.publishers[name]; ok {
		node.mu.Unlock()
		if pub.msgType.Name() != msgType.Name() {
			return nil, errors.Errorf("topic %s already advertised as %s", name, pub.msgType.Name())
		}
		return pub, nil
	}
	pub, err := newDefaultPublisher(node, name, msgType)
	if err != nil {
		node.mu.Unlock()
		return nil, err
	}
	node.publishers[name] = pub
	node.mu.Unlock()

	if _, err := node.call(node.ctx, "registerPublisher", node.qualifiedName, name, msgType.Name(), node.xmlrpcURI); err != nil {
		node.removePublisher(name)
		pub.close()
		return nil, errors.Wrapf(err, "registering publisher for %s", name)
	}
	node.logger.Infof("advertised %s [%s]", name, msgType.Name())
	return pub, nil
}

func (node *defaultNode) removePublisher(topic string) {
	node.mu.Lock()
	delete(node.publishers, topic)
	node.mu.Unlock()
}

func (node *defaultNode) publisher(topic string) *defaultPublisher {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.publishers[topic]
}

func (node *defaultNode) GetParam(key string) (interface{}, error) {
	return node.call(node.ctx, "getParam", node.qualifiedName, node.resolver.resolve(key))
}

func (node *defaultNode) HasParam(key string) (bool, error) {
	result, err := node.call(node.ctx, "hasParam", node.qualifiedName, node.resolver.resolve(key))
	if err != nil {
		return false, err
	}
	has, ok := result.(bool)
	if !ok {
		return false, errors.New("hasParam: result is not bool")
	}
	return has, nil
}

// shutdown unregisters publishers from the master and releases every
// listener. It is idempotent and bounded by ctx.
func (node *defaultNode) shutdown(ctx context.Context) {
	node.shutdownOnce.Do(func() {
		node.logger.Debug("shutting node down")
		node.ok.Store(false)

		node.mu.Lock()
		pubs := make([]*defaultPublisher, 0, len(node.publishers))
		for _, pub := range node.publishers {
			pubs = append(pubs, pub)
		}
		node.publishers = make(map[string]*defaultPublisher)
		node.mu.Unlock()

		for _, pub := range pubs {
			pub.unregister(ctx)
			pub.close()
		}
		node.cancel()

		if err := node.server.Shutdown(ctx); err != nil {
			node.logger.WithError(err).Debug("forcing slave API server closed")
			node.server.Close()
		}
		node.handler.WaitForShutdown()
		node.waitGroup.Wait()
		node.logger.Debug("node shut down")
	})
}

// Slave API

func (node *defaultNode) getBusStats(callerID string) (interface{}, error) {
	return buildRosAPIResult(APIStatusError, "Not implemented", 0), nil
}

func (node *defaultNode) getBusInfo(callerID string) (interface{}, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	info := []interface{}{}
	for _, pub := range node.publishers {
		info = append(info, pub.busInfo()...)
	}
	return buildRosAPIResult(APIStatusSuccess, "bus info", info), nil
}

func (node *defaultNode) getMasterURI(callerID string) (interface{}, error) {
	return buildRosAPIResult(APIStatusSuccess, "Success", node.masterURI), nil
}

func (node *defaultNode) shutdownRequested(callerID string, msg string) (interface{}, error) {
	node.logger.Warnf("shutdown requested by %s: %s", callerID, msg)
	node.ok.Store(false)
	return buildRosAPIResult(APIStatusSuccess, "Success", 0), nil
}

func (node *defaultNode) getPid(callerID string) (interface{}, error) {
	return buildRosAPIResult(APIStatusSuccess, "Success", os.Getpid()), nil
}

func (node *defaultNode) getSubscriptions(callerID string) (interface{}, error) {
	return buildRosAPIResult(APIStatusSuccess, "Success", []interface{}{}), nil
}

func (node *defaultNode) getPublications(callerID string) (interface{}, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	result := []interface{}{}
	for topic, pub := range node.publishers {
		result = append(result, []interface{}{topic, pub.msgType.Name()})
	}
	return buildRosAPIResult(APIStatusSuccess, "Success", result), nil
}

func (node *defaultNode) paramUpdate(callerID string, key string, value interface{}) (interface{}, error) {
	return buildRosAPIResult(APIStatusSuccess, "Success", 0), nil
}

func (node *defaultNode) publisherUpdate(callerID string, topic string, publishers []interface{}) (interface{}, error) {
	// This node subscribes to nothing.
	return buildRosAPIResult(APIStatusSuccess, "Success", 0), nil
}

func (node *defaultNode) requestTopic(callerID string, topic string, protocols []interface{}) (interface{}, error) {
	pub := node.publisher(topic)
	if pub == nil {
		return buildRosAPIResult(APIStatusFailure, "Not a publisher of "+topic, []interface{}{}), nil
	}
	for _, p := range protocols {
		params, ok := p.([]interface{})
		if !ok || len(params) == 0 {
			continue
		}
		if name, _ := params[0].(string); name == "TCPROS" {
			port, err := pub.port()
			if err != nil {
				return nil, err
			}
			return buildRosAPIResult(APIStatusSuccess, "ready",
				[]interface{}{"TCPROS", node.hostname, port}), nil
		}
	}
	return buildRosAPIResult(APIStatusFailure, "No supported protocol", []interface{}{}), nil
}
