package ros

import (
	"context"
	"sync"
	"time"

	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
)

const defaultRetryInterval = 500 * time.Millisecond

type execution struct {
	main NodeMain
	node *defaultNode
}

// DefaultExecutor runs each NodeMain on its own node and connects it to the
// master in the background.
type DefaultExecutor struct {
	logger modular.RootLogger
	log    modular.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	executions []execution
	waitGroup  sync.WaitGroup
}

// NewDefaultExecutor returns an executor whose nodes log through children of
// logger. A nil logger means DefaultLogger.
func NewDefaultExecutor(logger modular.RootLogger) *DefaultExecutor {
	if logger == nil {
		logger = DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DefaultExecutor{
		logger: logger,
		log:    ModuleLogger(logger, "ros").WithField("component", "executor"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Execute creates the node for main. Creating the node only allocates local
// resources; the master is contacted from a background goroutine which calls
// main.OnStart once it answers.
func (e *DefaultExecutor) Execute(main NodeMain, cfg NodeConfiguration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorShutdown
	}
	if cfg.NodeName == "" {
		cfg.NodeName = main.DefaultNodeName()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	node, err := newDefaultNode(cfg, e.logger)
	if err != nil {
		return errors.Wrapf(err, "creating node %s", cfg.NodeName)
	}
	e.executions = append(e.executions, execution{main: main, node: node})
	e.waitGroup.Add(1)
	go e.start(main, node, cfg.RetryInterval)
	return nil
}

func (e *DefaultExecutor) start(main NodeMain, node *defaultNode, retry time.Duration) {
	defer e.waitGroup.Done()
	if err := node.connect(e.ctx, retry); err != nil {
		if e.ctx.Err() != nil {
			node.logger.Debug("connection to master abandoned")
		} else {
			node.logger.WithError(err).Error("failed to connect to master")
		}
		return
	}
	node.logger.Infof("connected to master %s", node.masterURI)
	if err := main.OnStart(node); err != nil {
		node.logger.WithError(err).Error("node failed to start")
	}
}

// Shutdown cancels pending connection attempts, calls OnShutdown on every
// NodeMain and shuts the nodes down. Calling it again is a no-op.
func (e *DefaultExecutor) Shutdown(ctx context.Context) error {
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
		x.node.shutdown(ctx)
	}
	e.log.Debugf("executor shut down %d node(s)", len(executions))
	return err
}
