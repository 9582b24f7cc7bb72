// Package supervisor polls unit status on a fixed interval, turns state
// changes into events and optionally restarts crashed units.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
	"github.com/core-tools/hsu-realmctl/pkg/soap"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultInfoTimeout    = 5 * time.Second
	DefaultRestartTimeout = 120 * time.Second
)

// StatusSource fetches snapshots and starts units
type StatusSource interface {
	Statuses(ctx context.Context) ([]units.Snapshot, error)
	Start(ctx context.Context, unit string) error
}

// InfoSource answers the best-effort server info query. A nil result means
// the query failed.
type InfoSource interface {
	ServerInfo(ctx context.Context) *soap.ServerInfo
}

// Publisher receives supervisor events
type Publisher interface {
	Publish(ev events.Event)
}

type Config struct {
	Interval       time.Duration `yaml:"interval,omitempty"`
	AutoRestart    bool          `yaml:"auto_restart"`
	PollTimeout    time.Duration `yaml:"poll_timeout,omitempty"`
	InfoTimeout    time.Duration `yaml:"info_timeout,omitempty"`
	RestartTimeout time.Duration `yaml:"restart_timeout,omitempty"`
}

type Supervisor struct {
	config  Config
	primary string
	source  StatusSource
	info    InfoSource
	events  Publisher
	logger  logging.Logger

	autoRestart atomic.Bool
	inFlight    atomic.Bool

	mu       sync.RWMutex
	previous map[string]units.Snapshot
	latest   []units.Snapshot

	scheduler gocron.Scheduler
	lifeMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	restarts  sync.WaitGroup
}

// New creates a supervisor. info may be nil, in which case no server info
// queries are made. primary names the unit gating those queries.
func New(config Config, primary string, source StatusSource, info InfoSource, publisher Publisher, logger logging.Logger) *Supervisor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.InfoTimeout <= 0 {
		config.InfoTimeout = DefaultInfoTimeout
	}
	if config.RestartTimeout <= 0 {
		config.RestartTimeout = DefaultRestartTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config:  config,
		primary: primary,
		source:  source,
		info:    info,
		events:  publisher,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.autoRestart.Store(config.AutoRestart)
	return s
}

func (s *Supervisor) SetAutoRestart(enabled bool) {
	s.autoRestart.Store(enabled)
	s.logger.Infof("Auto-restart changed, enabled: %t", enabled)
}

func (s *Supervisor) AutoRestart() bool {
	return s.autoRestart.Load()
}

// Start schedules the poll loop. The first cycle runs immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.scheduler != nil {
		return errors.NewValidationError("supervisor already started", nil)
	}
	if s.ctx.Err() != nil {
		return errors.NewValidationError("supervisor has been stopped", nil)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.NewInternalError("failed to create scheduler", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.config.Interval),
		gocron.NewTask(func() { s.Poll(s.ctx) }),
		gocron.WithName("status-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return errors.NewInternalError("failed to schedule status poll", err)
	}

	s.scheduler = scheduler
	scheduler.Start()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()

	s.logger.Infof("Supervisor started, interval: %v, auto_restart: %t", s.config.Interval, s.AutoRestart())
	return nil
}

// Stop halts polling and cancels outstanding auto-restarts. It does not wait
// for them; use WaitRestarts for that.
func (s *Supervisor) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.cancel()
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warnf("Scheduler shutdown failed, error: %v", err)
	}
	s.scheduler = nil
	s.logger.Infof("Supervisor stopped")
}

// WaitRestarts blocks until every auto-restart issued so far has finished
func (s *Supervisor) WaitRestarts() {
	s.restarts.Wait()
}

// Refresh runs a cycle now. It returns false if a cycle was already in flight.
func (s *Supervisor) Refresh(ctx context.Context) bool {
	return s.Poll(ctx)
}

// Snapshots returns a copy of the latest snapshot set
func (s *Supervisor) Snapshots() []units.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]units.Snapshot, len(s.latest))
	copy(out, s.latest)
	return out
}

// Poll runs one cycle unless another is in flight, in which case it returns
// false immediately.
func (s *Supervisor) Poll(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debugf("Poll skipped, previous cycle still in flight")
		return false
	}
	defer s.inFlight.Store(false)

	started := time.Now()

	fetchCtx := ctx
	if s.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.config.PollTimeout)
		defer cancel()
	}

	snapshots, err := s.source.Statuses(fetchCtx)
	if err != nil {
		s.logger.Warnf("Status poll failed, error: %v", err)
		s.events.Publish(events.PollFailed{Message: err.Error()})
		return true
	}

	s.diff(snapshots)
	s.events.Publish(events.StatusUpdated{Snapshots: cloneSnapshots(snapshots), Elapsed: time.Since(started)})

	if primary, ok := units.Find(snapshots, s.primary); ok && primary.State.IsRunning() {
		s.queryServerInfo(ctx)
	}
	return true
}

func (s *Supervisor) diff(snapshots []units.Snapshot) {
	autoRestart := s.AutoRestart()

	s.mu.Lock()
	previous := s.previous
	next := make(map[string]units.Snapshot, len(snapshots))
	for _, snapshot := range snapshots {
		next[snapshot.Unit] = snapshot
	}
	s.previous = next
	s.latest = cloneSnapshots(snapshots)
	s.mu.Unlock()

	for _, current := range snapshots {
		prior, ok := previous[current.Unit]
		if !ok {
			continue
		}

		switch {
		case prior.State.IsRunning() && (current.State == units.StateExited || current.State == units.StateNotFound):
			s.logger.Warnf("Unit crashed, unit: %s, state: %s, status: %s", current.Unit, current.State, current.StatusText)
			s.events.Publish(events.Crashed{Snapshot: current})
			if autoRestart {
				s.restart(current)
			}
		case !prior.State.IsRunning() && current.State.IsRunning():
			s.logger.Infof("Unit recovered, unit: %s", current.Unit)
			s.events.Publish(events.Recovered{Snapshot: current})
		}
	}
}

// restart starts the unit in the background; the cycle does not wait for it
func (s *Supervisor) restart(snapshot units.Snapshot) {
	s.restarts.Add(1)
	go func() {
		defer s.restarts.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.config.RestartTimeout)
		defer cancel()

		s.logger.Infof("Auto-restarting unit, unit: %s", snapshot.Unit)
		if err := s.source.Start(ctx, snapshot.Unit); err != nil {
			s.logger.Errorf("Auto-restart failed, unit: %s, error: %v", snapshot.Unit, err)
			s.events.Publish(events.RestartFailed{Snapshot: snapshot, Err: err})
			return
		}
		s.events.Publish(events.AutoRestarted{Snapshot: snapshot})
	}()
}

func (s *Supervisor) queryServerInfo(ctx context.Context) {
	if s.info == nil {
		return
	}
	infoCtx, cancel := context.WithTimeout(ctx, s.config.InfoTimeout)
	defer cancel()

	info := s.info.ServerInfo(infoCtx)
	if info == nil {
		s.logger.Debugf("Server info unavailable")
		return
	}
	s.events.Publish(events.ServerInfoUpdated{Info: *info})
}

func cloneSnapshots(in []units.Snapshot) []units.Snapshot {
	out := make([]units.Snapshot, len(in))
	copy(out, in)
	return out
}
