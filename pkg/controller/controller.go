// Package controller builds every dashboard component from configuration and
// runs them as one process.
package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/core-tools/hsu-realmctl/pkg/api"
	"github.com/core-tools/hsu-realmctl/pkg/compose"
	"github.com/core-tools/hsu-realmctl/pkg/control"
	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/logstream"
	"github.com/core-tools/hsu-realmctl/pkg/metrics"
	"github.com/core-tools/hsu-realmctl/pkg/modules"
	"github.com/core-tools/hsu-realmctl/pkg/override"
	"github.com/core-tools/hsu-realmctl/pkg/realms"
	"github.com/core-tools/hsu-realmctl/pkg/soap"
	"github.com/core-tools/hsu-realmctl/pkg/supervisor"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

// State represents the current state of the controller
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Option customizes component construction
type Option func(*options)

type options struct {
	runner compose.Runner
}

// WithRunner replaces the docker compose runner
func WithRunner(runner compose.Runner) Option {
	return func(o *options) {
		o.runner = runner
	}
}

type Controller struct {
	config *Config
	logger logging.Logger

	registry   *units.Registry
	executor   *compose.Executor
	bus        *events.Bus
	supervisor *supervisor.Supervisor
	logs       *logstream.Manager
	engine     *override.Engine
	watcher    *override.Watcher
	console    *soap.Client
	realms     *realms.Store
	modules    *modules.Catalog
	metrics    *prom.Registry
	api        *api.Server

	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *control.HealthReporter
	nats         *events.NATSPublisher

	unsubscribe []func()

	mutex sync.Mutex
	state State
}

// New constructs every component. Nothing is started and no connection is
// made until Start.
func New(config *Config, logger logging.Logger, opts ...Option) (*Controller, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := units.NewRegistry(config.Units.Names, config.Units.Primary)
	if err != nil {
		return nil, err
	}

	runner := o.runner
	if runner == nil {
		runner = compose.NewDockerRunner(compose.DockerRunnerConfig{
			Binary:       config.Project.ComposeBinary,
			ProjectDir:   config.Project.Root,
			ComposeFiles: config.Project.ComposeFiles,
		}, logging.WithPrefix(logger, "compose: "))
	}

	c := &Controller{
		config:   config,
		logger:   logger,
		registry: registry,
		state:    StateNotStarted,
	}

	c.executor = compose.NewExecutor(runner, registry, logging.WithPrefix(logger, "executor: "),
		compose.WithCommandTimeout(config.Project.CommandTimeout),
		compose.WithLogTail(config.Project.LogTail))
	c.bus = events.NewBus(logging.WithPrefix(logger, "events: "))
	c.console = soap.NewClient(config.SOAP, logging.WithPrefix(logger, "soap: "))
	c.supervisor = supervisor.New(config.Supervisor, registry.Primary(), c.executor, c.console, c.bus,
		logging.WithPrefix(logger, "supervisor: "))
	c.logs = logstream.NewManager(logstream.FromExecutor(c.executor), logging.WithPrefix(logger, "logs: "))
	c.engine = override.NewEngine(config.OverridePath(), logging.WithPrefix(logger, "override: "))
	c.modules = modules.NewCatalog(config.Project.Root, logging.WithPrefix(logger, "modules: "))

	store, err := realms.Open(config.Database, logging.WithPrefix(logger, "realms: "))
	if err != nil {
		return nil, err
	}
	c.realms = store

	if *config.Project.WatchOverride {
		c.watcher = override.NewWatcher(c.engine.Path(), override.DefaultDebounce, func(path string) {
			c.bus.Publish(events.ConfigChanged{Path: path})
		}, logging.WithPrefix(logger, "override-watcher: "))
	}

	var metricsHandler http.Handler
	if config.Metrics.Enabled {
		c.metrics = prom.NewRegistry()
		c.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder := metrics.NewRecorder(c.metrics)
		c.unsubscribe = append(c.unsubscribe, c.bus.Subscribe(recorder.Listener()))
		metricsHandler = metrics.Handler(c.metrics)
	}

	if config.GRPC.Port != 0 {
		c.grpcServer = grpc.NewServer()
		c.health = control.RegisterGRPCServerHandler(c.grpcServer, registry.Names(), logging.WithPrefix(logger, "health: "))
		c.unsubscribe = append(c.unsubscribe, c.bus.Subscribe(c.health.Listener()))
	}

	c.api = api.NewServer(config.API, api.Dependencies{
		Lifecycle: c.executor,
		Monitor:   c.supervisor,
		Override:  c.engine,
		Console:   c.console,
		Realms:    c.realms,
		Modules:   c.modules,
		Logs:      c.logs,
		Bus:       c.bus,
		Metrics:   metricsHandler,
	}, logging.WithPrefix(logger, "api: "))

	c.unsubscribe = append(c.unsubscribe, c.bus.Subscribe(c.logEvent))

	return c, nil
}

// Bus returns the event bus, for additional subscribers
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// Supervisor returns the status supervisor
func (c *Controller) Supervisor() *supervisor.Supervisor {
	return c.supervisor
}

// APIAddr returns the bound API address once started
func (c *Controller) APIAddr() string {
	return c.api.Addr()
}

// GRPCAddr returns the bound health service address, or "" when disabled
func (c *Controller) GRPCAddr() string {
	if c.grpcListener == nil {
		return ""
	}
	return c.grpcListener.Addr().String()
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Controller) setState(state State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
}

// Start brings components up in dependency order. A failure stops whatever
// had already started.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.state != StateNotStarted {
		state := c.state
		c.mutex.Unlock()
		return errors.NewValidationError("controller cannot be started", nil).WithContext("state", string(state))
	}
	c.mutex.Unlock()

	c.logger.Infof("Starting controller, %s", c.config.Summary())

	if c.config.NATS.Enabled {
		publisher, err := events.NewNATSPublisher(c.config.NATS, logging.WithPrefix(c.logger, "nats: "))
		if err != nil {
			c.logger.Warnf("Event publishing disabled, url: %s, error: %v", c.config.NATS.URL, err)
		} else {
			c.nats = publisher
			c.unsubscribe = append(c.unsubscribe, c.bus.Subscribe(publisher.Listener()))
		}
	}

	if c.grpcServer != nil {
		address := fmt.Sprintf(":%d", c.config.GRPC.Port)
		listener, err := net.Listen("tcp", address)
		if err != nil {
			c.abort()
			return errors.NewNetworkError("failed to listen for grpc", err).WithContext("address", address)
		}
		c.grpcListener = listener
		go func() {
			if err := c.grpcServer.Serve(listener); err != nil {
				c.logger.Errorf("gRPC server stopped, error: %v", err)
			}
		}()
		c.logger.Infof("Health service listening, address: %s", listener.Addr())
	}

	if c.watcher != nil {
		if err := c.watcher.Start(ctx); err != nil {
			c.logger.Warnf("Override watcher not started, path: %s, error: %v", c.engine.Path(), err)
			c.watcher = nil
		}
	}

	if err := c.api.Start(); err != nil {
		c.abort()
		return err
	}

	if err := c.supervisor.Start(ctx); err != nil {
		c.abort()
		return err
	}

	c.setState(StateRunning)
	c.logger.Infof("Controller started")
	return nil
}

// Stop shuts every component down in reverse start order, bounded by the
// force shutdown timeout
func (c *Controller) Stop(ctx context.Context) {
	c.mutex.Lock()
	if c.state != StateRunning {
		c.mutex.Unlock()
		return
	}
	c.state = StateStopping
	c.mutex.Unlock()

	c.logger.Infof("Stopping controller...")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.ForceShutdownTimeout)
	defer cancel()

	c.shutdown(ctx)

	c.setState(StateStopped)
	c.logger.Infof("Controller stopped")
}

// abort releases whatever a failed Start brought up. The controller cannot be
// started again.
func (c *Controller) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ForceShutdownTimeout)
	defer cancel()
	c.shutdown(ctx)
	c.setState(StateStopped)
}

func (c *Controller) shutdown(ctx context.Context) {
	c.supervisor.Stop()
	c.supervisor.WaitRestarts()

	c.logs.Stop()

	if err := c.api.Shutdown(ctx); err != nil {
		c.logger.Warnf("API server shutdown incomplete, error: %v", err)
	}

	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil {
			c.logger.Warnf("Override watcher stop failed, error: %v", err)
		}
	}

	if c.grpcServer != nil {
		if c.health != nil {
			c.health.Shutdown()
		}
		stopGRPC(ctx, c.grpcServer)
	}

	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	c.unsubscribe = nil

	if c.nats != nil {
		c.nats.Close()
	}

	if err := c.realms.Close(); err != nil {
		c.logger.Warnf("Realm store close failed, error: %v", err)
	}
}

// stopGRPC drains in-flight calls until ctx expires, then forces the stop
func stopGRPC(ctx context.Context, server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
		<-done
	}
}

func (c *Controller) logEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.Crashed:
		c.logger.Warnf("Unit crashed, unit: %s, state: %s, status: %s", e.Snapshot.Unit, e.Snapshot.State, e.Snapshot.StatusText)
	case events.Recovered:
		c.logger.Infof("Unit recovered, unit: %s", e.Snapshot.Unit)
	case events.AutoRestarted:
		c.logger.Infof("Unit restarted automatically, unit: %s", e.Snapshot.Unit)
	case events.RestartFailed:
		c.logger.Errorf("Automatic restart failed, unit: %s, error: %v", e.Snapshot.Unit, e.Err)
	case events.PollFailed:
		c.logger.Warnf("Status poll failed, error: %s", e.Message)
	case events.ConfigChanged:
		c.logger.Infof("Override file changed, path: %s", e.Path)
	}
}
