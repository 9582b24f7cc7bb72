// Package compose issues lifecycle commands for the registered units through
// "docker compose" and parses its status output.
package compose

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

const (
	DefaultCommandTimeout = 120 * time.Second
	DefaultLogTail        = 100
)

// Executor issues lifecycle operations for registered units
type Executor struct {
	runner   Runner
	registry *units.Registry
	timeout  time.Duration
	logTail  int
	logger   logging.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithCommandTimeout sets the hard timeout applied to every command
func WithCommandTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithLogTail sets how many backlog lines a log stream starts with
func WithLogTail(n int) ExecutorOption {
	return func(e *Executor) {
		e.logTail = n
	}
}

func NewExecutor(runner Runner, registry *units.Registry, logger logging.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:   runner,
		registry: registry,
		timeout:  DefaultCommandTimeout,
		logTail:  DefaultLogTail,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout <= 0 {
		e.timeout = DefaultCommandTimeout
	}
	if e.logTail < 0 {
		e.logTail = DefaultLogTail
	}
	return e
}

// Registry returns the unit registry the executor operates on
func (e *Executor) Registry() *units.Registry {
	return e.registry
}

func (e *Executor) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	out, err := e.runner.Run(cmdCtx, args...)
	if err == nil {
		e.logger.Debugf("Command succeeded, operation: %s, duration: %v", op, time.Since(started))
		return out, nil
	}

	switch {
	case ctx.Err() == context.Canceled:
		return nil, errors.NewCancelledError(fmt.Sprintf("%s was cancelled", op), err).WithContext("operation", op)
	case cmdCtx.Err() == context.DeadlineExceeded:
		e.logger.Errorf("Command timed out, operation: %s, timeout: %v", op, e.timeout)
		return nil, errors.NewExecutionError(
			fmt.Sprintf("%s timed out", op),
			errors.NewTimeoutError(fmt.Sprintf("no result after %v", e.timeout), err),
		).WithContext("operation", op)
	default:
		e.logger.Warnf("Command failed, operation: %s, error: %v", op, err)
		return nil, errors.NewExecutionError(fmt.Sprintf("%s failed", op), err).WithContext("operation", op)
	}
}

// Statuses returns one snapshot per registered unit, in registry order.
// Units without a container are reported as NotFound.
func (e *Executor) Statuses(ctx context.Context) ([]units.Snapshot, error) {
	out, err := e.run(ctx, "status", "ps", "--format", "json", "-a")
	if err != nil {
		return nil, err
	}
	return snapshotsFor(e.registry.Names(), parseContainers(out)), nil
}

func (e *Executor) Start(ctx context.Context, unit string) error {
	if err := e.registry.Require(unit); err != nil {
		return err
	}
	e.logger.Infof("Starting unit, unit: %s", unit)
	_, err := e.run(ctx, "start "+unit, "up", "-d", unit)
	return withUnit(err, unit)
}

func (e *Executor) Stop(ctx context.Context, unit string) error {
	if err := e.registry.Require(unit); err != nil {
		return err
	}
	e.logger.Infof("Stopping unit, unit: %s", unit)
	_, err := e.run(ctx, "stop "+unit, "stop", unit)
	return withUnit(err, unit)
}

// Restart stops the unit, ignoring failure since the container may never
// have been created, then starts it. The start outcome is returned.
func (e *Executor) Restart(ctx context.Context, unit string) error {
	if err := e.registry.Require(unit); err != nil {
		return err
	}
	e.logger.Infof("Restarting unit, unit: %s", unit)
	if _, err := e.run(ctx, "stop "+unit, "stop", unit); err != nil {
		if errors.IsCancelledError(err) {
			return withUnit(err, unit)
		}
		e.logger.Debugf("Ignoring stop failure during restart, unit: %s, error: %v", unit, err)
	}
	_, err := e.run(ctx, "start "+unit, "up", "-d", unit)
	return withUnit(err, unit)
}

func (e *Executor) StartAll(ctx context.Context) error {
	names := e.registry.Names()
	e.logger.Infof("Starting all units, units: %v", names)
	_, err := e.run(ctx, "start all", append([]string{"up", "-d"}, names...)...)
	return err
}

func (e *Executor) StopAll(ctx context.Context) error {
	names := e.registry.Names()
	e.logger.Infof("Stopping all units, units: %v", names)
	_, err := e.run(ctx, "stop all", append([]string{"stop"}, names...)...)
	return err
}

// StreamLogs attaches to the unit's combined output. The last logTail lines
// are delivered first, then live output, through onData. An abnormal end of
// the stream is reported once through onError. Close the returned stream to
// terminate it.
func (e *Executor) StreamLogs(unit string, onData func(string), onError func(error)) (*LogStream, error) {
	if err := e.registry.Require(unit); err != nil {
		return nil, err
	}
	if onData == nil {
		onData = func(string) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	reader, wait, err := e.runner.Stream(ctx, "logs", "-f", "--tail", strconv.Itoa(e.logTail), unit)
	if err != nil {
		cancel()
		return nil, errors.NewExecutionError("failed to start log stream", err).WithContext("unit", unit)
	}

	e.logger.Infof("Log stream opened, unit: %s, tail: %d", unit, e.logTail)

	stream := newLogStream(unit, cancel)
	go stream.pump(ctx, reader, wait, onData, onError, e.logger)
	return stream, nil
}

func withUnit(err error, unit string) error {
	if err == nil {
		return nil
	}
	if domainErr, ok := err.(*errors.DomainError); ok {
		return domainErr.WithContext("unit", unit)
	}
	return err
}
