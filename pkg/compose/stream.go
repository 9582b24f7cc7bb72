package compose

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const streamChunkSize = 32 * 1024

// LogStream is a live log attachment to one unit
type LogStream struct {
	unit      string
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newLogStream(unit string, cancel context.CancelFunc) *LogStream {
	return &LogStream{
		unit:   unit,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Unit returns the unit being streamed
func (s *LogStream) Unit() string {
	return s.unit
}

// Done is closed once the underlying command has exited and no further
// callbacks will be made
func (s *LogStream) Done() <-chan struct{} {
	return s.done
}

// Close terminates the stream and blocks until the underlying command has
// been reaped. No callback fires after Close returns. Safe to call repeatedly.
func (s *LogStream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	<-s.done
}

func (s *LogStream) pump(ctx context.Context, reader io.ReadCloser, wait WaitFunc, onData func(string), onError func(error), logger logging.Logger) {
	defer close(s.done)
	defer s.cancel()

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 && !s.closed.Load() {
			onData(string(buf[:n]))
		}
		if readErr != nil {
			if readErr != io.EOF && !s.closed.Load() {
				logger.Debugf("Log stream read ended, unit: %s, error: %v", s.unit, readErr)
			}
			break
		}
	}

	waitErr := wait()
	if s.closed.Load() || ctx.Err() != nil {
		logger.Infof("Log stream closed, unit: %s", s.unit)
		return
	}
	if waitErr != nil {
		logger.Warnf("Log stream terminated abnormally, unit: %s, error: %v", s.unit, waitErr)
		onError(errors.NewStreamError("log stream terminated", waitErr).WithContext("unit", s.unit))
		return
	}
	logger.Infof("Log stream ended, unit: %s", s.unit)
}
