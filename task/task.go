// Package task drives the joint state publisher through the lifecycle a
// controller host imposes: Initialize, Run on a dedicated goroutine, and
// Dispose from any goroutine. None of the hooks return errors; failures are
// logged and recorded in State and Err.
package task

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwinhayes/iiwastate/config"
	"github.com/edwinhayes/iiwastate/iiwa"
	"github.com/edwinhayes/iiwastate/redisbus"
	"github.com/edwinhayes/iiwastate/robot"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/edwinhayes/iiwastate/timesync"
	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle phase of a BackgroundTask.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Failed
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Failed:
		return "failed"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// ApplicationState is reported by the host when the controller application
// changes state.
type ApplicationState int

const (
	ApplicationRunning ApplicationState = iota
	ApplicationStopping
)

// Recorder observes the publish loop. metrics.Publisher implements it.
type Recorder interface {
	iiwa.Recorder
	Overrun()
	SetFrequency(hz float64)
}

type nopRecorder struct{}

func (nopRecorder) Published()           {}
func (nopRecorder) Skipped()             {}
func (nopRecorder) Failed()              {}
func (nopRecorder) Overrun()             {}
func (nopRecorder) SetFrequency(float64) {}

// periodicTimeProvider is a time provider that keeps itself synchronized
// while the task runs, such as timesync.NTPProvider.
type periodicTimeProvider interface {
	ros.TimeProvider
	StartPeriodicUpdates(ctx context.Context, interval time.Duration)
	Stop()
}

// Dependencies are the collaborators a host may inject. Nil fields are
// built from the configuration during Initialize. An injected TimeProvider
// with StartPeriodicUpdates and Stop methods is updated every ntp_interval
// while the task runs.
type Dependencies struct {
	// Logger is the root of the module loggers. The task, runtime, redisbus
	// and timesync modules log through its children.
	Logger       modular.RootLogger
	Source       robot.Source
	Executor     ros.Executor
	TimeProvider ros.TimeProvider
	Recorder     Recorder
}

// BackgroundTask publishes the robot's joint states while the host keeps
// it running.
type BackgroundTask struct {
	cfg      config.Config
	deps     Dependencies
	logger   modular.RootLogger
	log      modular.Logger
	recorder Recorder

	state   atomic.Int32
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	err           error
	executor      ros.Executor
	source        robot.Source
	clock         periodicTimeProvider
	publisher     *iiwa.JointPublisher
	configuration *iiwa.ConfigurationNode

	cleanupOnce sync.Once
}

// New returns an uninitialized task. It allocates nothing external.
func New(cfg config.Config, deps Dependencies) *BackgroundTask {
	logger := deps.Logger
	if logger == nil {
		logger = ros.DefaultLogger()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTask{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		log:      ros.ModuleLogger(logger, "task").WithField("robot", cfg.RobotName),
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current lifecycle phase.
func (t *BackgroundTask) State() State {
	return State(t.state.Load())
}

// Err returns the reason the task failed, if it did.
func (t *BackgroundTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *BackgroundTask) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

// Initialize validates the configuration, opens the state source and
// hands both nodes to the runtime. Contacting the master happens in the
// background; Run waits for it.
func (t *BackgroundTask) Initialize() {
	if !t.state.CompareAndSwap(int32(Uninitialized), int32(Initialized)) {
		t.log.Warnf("initialize called in state %s", t.State())
		return
	}
	if err := t.initialize(); err != nil {
		t.fail(err)
		t.state.CompareAndSwap(int32(Initialized), int32(Failed))
		t.log.WithError(err).Error("initialization failed")
		return
	}
	t.log.Infof("initialized with master %s", t.cfg.MasterURI)
}

func (t *BackgroundTask) initialize() error {
	if err := config.Validate(&t.cfg); err != nil {
		return &ConfigError{Err: err}
	}

	source := t.deps.Source
	if source == nil {
		var err error
		if source, err = openSource(t.cfg); err != nil {
			return &ConfigError{Err: err}
		}
	}

	timeProvider := t.deps.TimeProvider
	if timeProvider == nil {
		switch t.cfg.TimeProvider {
		case config.TimeProviderNTP:
			timeProvider = timesync.NewNTPProvider(t.cfg.NTPServer, t.logger)
		default:
			timeProvider = ros.WallTimeProvider{}
		}
	}
	clock, _ := timeProvider.(periodicTimeProvider)

	executor := t.deps.Executor
	if executor == nil {
		switch t.cfg.Bus {
		case config.BusRedis:
			executor = redisbus.NewExecutor(redisbus.Config{
				Addr:     t.cfg.Redis.Addr,
				Password: t.cfg.Redis.Password,
				DB:       t.cfg.Redis.DB,
			}, t.logger)
		default:
			executor = ros.NewDefaultExecutor(t.logger)
		}
	}

	configuration := iiwa.NewConfigurationNode(t.cfg.RobotName, t.cfg.PublishFrequency)
	publisher := iiwa.NewJointPublisher(t.cfg.RobotName,
		iiwa.WithSequenceOrigin(t.cfg.SequenceOrigin),
		iiwa.WithFrameID(t.cfg.FrameID),
		iiwa.WithRecorder(t.recorder))

	for _, main := range []ros.NodeMain{configuration, publisher} {
		nodeCfg := ros.NewPublicNodeConfiguration(t.cfg.RobotIP)
		nodeCfg.NodeName = main.DefaultNodeName()
		nodeCfg.MasterURI = t.cfg.MasterURI
		nodeCfg.TimeProvider = timeProvider
		if err := executor.Execute(main, nodeCfg); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
			defer cancel()
			if serr := executor.Shutdown(ctx); serr != nil {
				t.log.WithError(&ShutdownError{Err: serr}).Warn("releasing runtime after failed start")
			}
			closeSource(source, t.log)
			return &ConnectionError{MasterURI: t.cfg.MasterURI, Err: errors.Wrapf(err, "starting node %s", nodeCfg.NodeName)}
		}
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
		defer cancel()
		if err := executor.Shutdown(ctx); err != nil {
			t.log.WithError(&ShutdownError{Err: err}).Warn("releasing runtime after dispose")
		}
		closeSource(source, t.log)
		return errors.New("disposed during initialization")
	}
	t.executor = executor
	t.source = source
	t.clock = clock
	t.configuration = configuration
	t.publisher = publisher
	t.mu.Unlock()
	return nil
}

func openSource(cfg config.Config) (robot.Source, error) {
	switch cfg.Source {
	case config.SourceModbus:
		return robot.NewModbusSource(cfg.RobotName, cfg.Modbus)
	case config.SourceReplay:
		return robot.LoadReplay(cfg.RobotName, cfg.Replay.Path)
	default:
		return robot.NewSimSource(cfg.RobotName, cfg.Joints), nil
	}
}

func closeSource(source robot.Source, log modular.Logger) {
	if c, ok := source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("closing state source")
		}
	}
}

// Run waits for the master, then publishes at the configured frequency
// until the task is stopped or an iteration fails. It always leaves the
// task Stopped with the runtime shut down.
func (t *BackgroundTask) Run() {
	if !t.state.CompareAndSwap(int32(Initialized), int32(Running)) {
		state := t.State()
		switch state {
		case Uninitialized, Failed:
			t.log.WithError(ErrNotInitialized).WithField("reason", t.Err()).Error("fatal: run without initialization")
			t.state.CompareAndSwap(int32(state), int32(Stopped))
			t.cleanup()
		default:
			t.log.Warnf("run called in state %s", state)
		}
		return
	}
	t.running.Store(true)
	defer t.cleanup()

	t.mu.Lock()
	configuration, publisher, source := t.configuration, t.publisher, t.source
	t.mu.Unlock()

	t.log.Info("waiting for master")
	if err := configuration.WaitForInitialization(t.ctx); err != nil {
		t.startFailed(err, "stopped before the master answered", "configuration node failed to start")
		return
	}
	if err := publisher.WaitForStart(t.ctx); err != nil {
		t.startFailed(err, "stopped before the publisher started", "publisher failed to start")
		return
	}
	if frameID := configuration.JointStatesFrameID(); frameID != "" {
		publisher.SetFrameID(frameID)
	}
	freq := configuration.JointStatePublishFreq()
	t.recorder.SetFrequency(freq)

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	t.startClock()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return t.loop(ctx, freq, publisher, source)
	})

	t.log.Infof("publishing at %g Hz", freq)
	if err := g.Wait(); err != nil {
		if t.running.Load() {
			t.fail(err)
			t.log.WithError(err).Error("publish loop failed")
		} else {
			t.log.WithError(err).Debug("publish interrupted by shutdown")
		}
	}
}

// startClock starts the periodic time updates. cleanup stops them after the
// runtime is down, so they are not tied to the loop's context.
func (t *BackgroundTask) startClock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clock != nil {
		t.clock.StartPeriodicUpdates(context.Background(), t.cfg.NTPInterval)
	}
}

// startFailed handles a node that did not start. A wait abandoned by stop
// is not a failure.
func (t *BackgroundTask) startFailed(err error, stopped, failed string) {
	cerr := &ConnectionError{MasterURI: t.cfg.MasterURI, Err: err}
	if t.ctx.Err() != nil && errors.Is(err, t.ctx.Err()) {
		t.log.WithError(cerr).Info(stopped)
		return
	}
	t.fail(cerr)
	t.log.WithError(cerr).Error(failed)
}

func (t *BackgroundTask) loop(ctx context.Context, freq float64, publisher *iiwa.JointPublisher, source robot.Source) error {
	rate := ros.NewRate(freq)
	var overruns int64
	for t.running.Load() {
		if err := publisher.PublishCurrentState(source); err != nil {
			return err
		}
		if err := rate.Sleep(ctx); err != nil {
			return nil
		}
		for ; overruns < rate.Overruns(); overruns++ {
			t.recorder.Overrun()
		}
	}
	return nil
}

// OnApplicationStateChanged stops the loop when the host application is
// stopping.
func (t *BackgroundTask) OnApplicationStateChanged(state ApplicationState) {
	if state == ApplicationStopping {
		t.log.Info("application stopping")
		t.stop()
	}
}

func (t *BackgroundTask) stop() {
	t.running.Store(false)
	t.cancel()
}

// Dispose stops the task and shuts the runtime down. It does not wait for
// a running iteration and may be called any number of times from any
// goroutine.
func (t *BackgroundTask) Dispose() {
	t.stop()
	t.cleanup()
}

// cleanup releases the runtime once; concurrent callers wait for the first.
func (t *BackgroundTask) cleanup() {
	t.cleanupOnce.Do(func() {
		t.stop()
		if state := t.State(); state != Stopped {
			t.state.Store(int32(Stopping))
		}

		t.mu.Lock()
		executor, source, clock := t.executor, t.source, t.clock
		t.executor, t.source, t.clock = nil, nil, nil
		t.configuration, t.publisher = nil, nil
		t.mu.Unlock()

		// Nodes stamp messages until the runtime is down.
		if executor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
			if err := executor.Shutdown(ctx); err != nil {
				t.log.WithError(&ShutdownError{Err: err}).Warn("runtime did not shut down cleanly")
			}
			cancel()
		}
		if clock != nil {
			clock.Stop()
		}
		if source != nil {
			closeSource(source, t.log)
		}
		t.state.Store(int32(Stopped))
		t.log.Info("stopped")
	})
}
