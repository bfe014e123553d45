// Package redisbus runs ROS NodeMains over Redis pub/sub instead of a ROS
// master. Topics map to channels named after the resolved topic, payloads
// are serialized ROS messages, and parameters live in a Redis hash.
package redisbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwinhayes/iiwastate/ros"
	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultParamsKey is the hash holding parameters, keyed by global name.
// Values are stored as text, e.g. "25" or "\"world\"".
const DefaultParamsKey = "ros:params"

const opTimeout = 2 * time.Second

// Config selects the Redis server.
type Config struct {
	Addr      string
	Password  string
	DB        int
	ParamsKey string
}

type execution struct {
	main ros.NodeMain
	node *node
}

// Executor implements ros.Executor on Redis. Waiting for the master becomes
// waiting for the Redis server to answer PING.
type Executor struct {
	client    *redis.Client
	paramsKey string
	logger    modular.RootLogger
	log       modular.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	executions []execution
	waitGroup  sync.WaitGroup
}

// NewExecutor returns an executor for cfg. It does not contact the server.
func NewExecutor(cfg Config, logger modular.RootLogger) *Executor {
	if logger == nil {
		logger = ros.DefaultLogger()
	}
	if cfg.ParamsKey == "" {
		cfg.ParamsKey = DefaultParamsKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolSize:     4,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		client:    client,
		paramsKey: cfg.ParamsKey,
		logger:    logger,
		log:       ros.ModuleLogger(logger, "redisbus").WithField("addr", cfg.Addr),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *Executor) Execute(main ros.NodeMain, cfg ros.NodeConfiguration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ros.ErrExecutorShutdown
	}
	if cfg.NodeName == "" {
		cfg.NodeName = main.DefaultNodeName()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = ros.WallTimeProvider{}
	}

	remapping, params := ros.ParseArguments(cfg.Args)
	name, resolver, err := ros.NewNodeNameResolver(cfg.NodeName, remapping)
	if err != nil {
		return errors.Wrapf(err, "creating node %s", cfg.NodeName)
	}
	n := &node{
		executor:     e,
		name:         name,
		resolver:     resolver,
		params:       params,
		timeProvider: cfg.TimeProvider,
		logger:       ros.ModuleLogger(e.logger, "redisbus").WithField("node", name),
	}
	n.ok.Store(true)
	e.executions = append(e.executions, execution{main: main, node: n})
	e.waitGroup.Add(1)
	go e.start(main, n, cfg.RetryInterval)
	return nil
}

func (e *Executor) start(main ros.NodeMain, n *node, retry time.Duration) {
	defer e.waitGroup.Done()
	if err := n.connect(e.ctx, retry); err != nil {
		if e.ctx.Err() != nil {
			n.logger.Debug("connection to redis abandoned")
		} else {
			n.logger.WithError(err).Error("failed to connect to redis")
		}
		return
	}
	n.logger.Info("connected to redis")
	if err := main.OnStart(n); err != nil {
		n.logger.WithError(err).Error("node failed to start")
	}
}

// Shutdown cancels pending connection attempts, calls OnShutdown on every
// NodeMain and closes the Redis client. Calling it again is a no-op.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	executions := e.executions
	e.executions = nil
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.waitGroup.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "waiting for node start-up to finish")
	}

	for _, x := range executions {
		x.main.OnShutdown(x.node)
		x.node.shutdown()
	}
	if cerr := e.client.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "closing redis client")
	}
	e.log.Debugf("executor shut down %d node(s)", len(executions))
	return err
}

type node struct {
	executor     *Executor
	name         string
	resolver     *ros.NameResolver
	params       ros.NameMap
	timeProvider ros.TimeProvider
	logger       modular.Logger

	ok         atomic.Bool
	mu         sync.Mutex
	publishers []*publisher
}

func (n *node) connect(ctx context.Context, retry time.Duration) error {
	client := n.executor.client
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			break
		}
		if attempt == 1 {
			n.logger.WithError(err).Info("waiting for redis")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}

	for key, value := range n.params {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := client.HSet(opCtx, n.executor.paramsKey, n.resolver.Resolve(key), value).Err()
		cancel()
		if err != nil {
			return errors.Wrapf(err, "setting parameter %s", key)
		}
	}
	return nil
}

func (n *node) Name() string {
	return n.name
}

func (n *node) OK() bool {
	return n.ok.Load()
}

func (n *node) Logger() modular.Logger {
	return n.logger
}

func (n *node) CurrentTime() ros.Time {
	return n.timeProvider.CurrentTime()
}

func (n *node) NewPublisher(topic string, msgType ros.MessageType) (ros.Publisher, error) {
	if !n.OK() {
		return nil, ros.ErrNodeShutdown
	}
	pub := &publisher{
		client:  n.executor.client,
		channel: n.resolver.Resolve(topic),
		msgType: msgType,
		logger:  n.logger,
	}
	n.mu.Lock()
	n.publishers = append(n.publishers, pub)
	n.mu.Unlock()
	n.logger.Infof("advertised %s [%s]", pub.channel, msgType.Name())
	return pub, nil
}

func (n *node) GetParam(key string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(n.executor.ctx, opTimeout)
	defer cancel()
	name := n.resolver.Resolve(key)
	raw, err := n.executor.client.HGet(ctx, n.executor.paramsKey, name).Result()
	if err == redis.Nil {
		return nil, errors.Errorf("parameter %s is not set", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading parameter %s", name)
	}
	return ros.ParseParam(raw)
}

func (n *node) HasParam(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(n.executor.ctx, opTimeout)
	defer cancel()
	return n.executor.client.HExists(ctx, n.executor.paramsKey, n.resolver.Resolve(key)).Result()
}

func (n *node) shutdown() {
	if !n.ok.CompareAndSwap(true, false) {
		return
	}
	n.mu.Lock()
	pubs := n.publishers
	n.publishers = nil
	n.mu.Unlock()
	for _, pub := range pubs {
		pub.Shutdown()
	}
}

type publisher struct {
	client  *redis.Client
	channel string
	msgType ros.MessageType
	logger  modular.Logger
	closed  atomic.Bool
}

func (p *publisher) Topic() string {
	return p.channel
}

// NumSubscribers asks the server how many clients subscribe to the
// channel. Errors count as no subscribers.
func (p *publisher) NumSubscribers() int {
	if p.closed.Load() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	counts, err := p.client.PubSubNumSub(ctx, p.channel).Result()
	if err != nil {
		p.logger.WithError(err).Debug("PUBSUB NUMSUB failed")
		return 0
	}
	return int(counts[p.channel])
}

func (p *publisher) Publish(msg ros.Message) error {
	if p.closed.Load() {
		return ros.ErrPublisherClosed
	}
	data, err := ros.SerializeMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "serializing %s", p.msgType.Name())
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return p.client.Publish(ctx, p.channel, data).Err()
}

func (p *publisher) Shutdown() {
	p.closed.Store(true)
}
