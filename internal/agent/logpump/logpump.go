// Package logpump is the default ProcessLog implementation: it persists a
// worker's combined stdout/stderr to a local file and ships it upstream
// through a LogSink, with cooperative, time-bounded cancellation.
package logpump

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/forgehq/agentrunner/internal/logger"
)

// pollInterval is how often Run checks for new bytes and re-evaluates the
// caller's stop predicate.
const pollInterval = 250 * time.Millisecond

// hardStopTimeout bounds how long Run keeps draining after stop() first
// returns true. The original implementation this is modeled on used a
// non-volatile flag with no such bound, which let a stuck pump wedge
// cleanup indefinitely; this pump always returns within hardStopTimeout of
// a stop request, drained or not.
var hardStopTimeout = time.Minute

// LogSink ships a chunk of a job's log upstream (e.g. to a queue consumer
// or log-aggregation endpoint).
type LogSink interface {
	Publish(ctx context.Context, instanceID string, chunk []byte) error
}

// FileLog is a ProcessLog backed by a local file, per spec.md §4.5.
type FileLog struct {
	instanceID string
	path       string
	file       *os.File
	sink       LogSink

	shippedOffset int64
	stopRequested atomic.Bool
}

// New creates the local log file for instanceID under dir. dir must already
// exist; callers typically pass a job's procDir.
func New(instanceID, dir string, sink LogSink) (*FileLog, error) {
	path := dir + string(os.PathSeparator) + instanceID + ".log"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logpump: open log file: %w", err)
	}
	return &FileLog{instanceID: instanceID, path: path, file: f, sink: sink}, nil
}

func (l *FileLog) Info(format string, args ...interface{}) {
	l.appendLine("INFO", fmt.Sprintf(format, args...))
}

func (l *FileLog) Error(format string, args ...interface{}) {
	l.appendLine("ERROR", fmt.Sprintf(format, args...))
}

func (l *FileLog) appendLine(level, msg string) {
	line := fmt.Sprintf("[%s] %s\n", level, msg)
	if _, err := l.file.WriteString(line); err != nil {
		logger.Log.Warn().Err(err).Str("instance_id", l.instanceID).Msg("logpump: failed to append line")
	}
}

// Log drains r and appends its bytes to the local file. Called from the
// launcher's combined stdout/stderr pipe in a loop until EOF.
func (l *FileLog) Log(r io.Reader) error {
	_, err := io.Copy(l.file, r)
	if err != nil && err != io.EOF {
		return fmt.Errorf("logpump: drain process output: %w", err)
	}
	return nil
}

// RequestStop is the default stop predicate's trigger: call it once the
// job has finished, with l.Stopped (or any equivalent predicate) passed
// into Run.
func (l *FileLog) RequestStop() {
	l.stopRequested.Store(true)
}

// Stopped reports whether RequestStop has been called - suitable as the
// stop func() bool argument to Run when no external cancellation source is
// needed.
func (l *FileLog) Stopped() bool {
	return l.stopRequested.Load()
}

// Run ships unsent bytes to sink on every poll tick until stop first
// returns true, then keeps draining for up to hardStopTimeout before
// returning unconditionally - the cooperative-with-hard-deadline shape
// spec.md §4.5 calls for.
func (l *FileLog) Run(stop func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var stopRequestedAt time.Time
	stopping := false

	for {
		<-ticker.C

		drained, err := l.shipPending()
		if err != nil {
			return fmt.Errorf("logpump: ship log chunk: %w", err)
		}

		if !stopping && stop() {
			stopping = true
			stopRequestedAt = time.Now()
		}

		if stopping {
			if drained {
				return nil
			}
			if time.Since(stopRequestedAt) > hardStopTimeout {
				logger.Log.Warn().Str("instance_id", l.instanceID).Msg("logpump: hard stop timeout reached with unshipped log data")
				return nil
			}
		}
	}
}

// shipPending publishes any bytes written since the last ship and reports
// whether the file is now fully drained (no bytes left unshipped).
func (l *FileLog) shipPending() (drained bool, err error) {
	info, err := l.file.Stat()
	if err != nil {
		return false, err
	}
	size := info.Size()
	if size == l.shippedOffset {
		return true, nil
	}

	buf := make([]byte, size-l.shippedOffset)
	if _, err := l.file.ReadAt(buf, l.shippedOffset); err != nil && err != io.EOF {
		return false, err
	}

	if l.sink != nil {
		if err := l.sink.Publish(context.Background(), l.instanceID, buf); err != nil {
			return false, err
		}
	}
	l.shippedOffset = size
	return true, nil
}

// Delete closes and removes the local log file, after Run has returned.
func (l *FileLog) Delete() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("logpump: close log file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logpump: remove log file: %w", err)
	}
	return nil
}
