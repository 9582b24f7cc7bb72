// Package logstream owns the single live log attachment of the dashboard.
package logstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-realmctl/pkg/compose"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// Stream is a live, cancellable log attachment
type Stream interface {
	// Close terminates the stream and returns once no callback can fire
	Close()
	// Done is closed when the stream has ended for any reason
	Done() <-chan struct{}
}

// Streamer opens log streams
type Streamer interface {
	StreamLogs(unit string, onData func(string), onError func(error)) (Stream, error)
}

type executorStreamer struct {
	executor *compose.Executor
}

// FromExecutor adapts a compose executor to Streamer
func FromExecutor(executor *compose.Executor) Streamer {
	return executorStreamer{executor: executor}
}

func (e executorStreamer) StreamLogs(unit string, onData func(string), onError func(error)) (Stream, error) {
	stream, err := e.executor.StreamLogs(unit, onData, onError)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Session describes the active stream
type Session struct {
	ID        string    `json:"id"`
	Unit      string    `json:"unit"`
	StartedAt time.Time `json:"started_at"`
}

type session struct {
	Session
	stream Stream
	live   atomic.Bool
}

func (s *session) ended() bool {
	select {
	case <-s.stream.Done():
		return true
	default:
		return false
	}
}

// Manager guarantees at most one live stream at a time
type Manager struct {
	mu       sync.Mutex
	streamer Streamer
	active   *session
	logger   logging.Logger
}

func NewManager(streamer Streamer, logger logging.Logger) *Manager {
	return &Manager{
		streamer: streamer,
		logger:   logger,
	}
}

// Start replaces any active stream with a new one for unit. The previous
// stream is fully terminated before the new one is opened, so its callbacks
// never interleave with the new stream's.
func (m *Manager) Start(unit string, onData func(string), onError func(error)) error {
	_, err := m.Open(unit, onData, onError)
	return err
}

// Open behaves like Start and returns the new session
func (m *Manager) Open(unit string, onData func(string), onError func(error)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeActiveLocked()

	s := &session{
		Session: Session{
			ID:        uuid.NewString(),
			Unit:      unit,
			StartedAt: time.Now(),
		},
	}
	s.live.Store(true)

	stream, err := m.streamer.StreamLogs(unit,
		func(data string) {
			if s.live.Load() && onData != nil {
				onData(data)
			}
		},
		func(err error) {
			if s.live.Load() && onError != nil {
				onError(err)
			}
		})
	if err != nil {
		s.live.Store(false)
		m.logger.Warnf("Failed to open log stream, unit: %s, error: %v", unit, err)
		return Session{}, err
	}

	s.stream = stream
	m.active = s
	m.logger.Infof("Log session started, unit: %s, session: %s", unit, s.ID)
	return s.Session, nil
}

// Stop terminates the active stream. Calling it with no active stream is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeActiveLocked()
}

// StopSession terminates the active stream only if it is the session with
// the given id. It reports whether a stream was stopped.
func (m *Manager) StopSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != id {
		return false
	}
	m.closeActiveLocked()
	return true
}

func (m *Manager) closeActiveLocked() {
	if m.active == nil {
		return
	}
	s := m.active
	m.active = nil

	s.live.Store(false)
	s.stream.Close()
	m.logger.Infof("Log session stopped, unit: %s, session: %s", s.Unit, s.ID)
}

// ActiveUnit returns the unit of the live stream, if any. A stream that ended
// on its own is not reported.
func (m *Manager) ActiveUnit() (string, bool) {
	session, ok := m.Session()
	if !ok {
		return "", false
	}
	return session.Unit, true
}

// Session returns the live session, if any
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ended() {
		return Session{}, false
	}
	return m.active.Session, true
}
