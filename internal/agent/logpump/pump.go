package logpump

import (
	"fmt"
	"io"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
)

// StopTimeout bounds how long Pump waits for a ProcessLog's drain/ship
// goroutines to finish once Stop is requested - spec.md §4.5/§5's
// runner-enforced hard timeout. This bound is enforced by Pump itself,
// independent of whatever (if any) self-bounding the ProcessLog
// implementation does - a ProcessLog.Run that never honors its stop
// predicate must not be able to hang JobRunner.Exec forever.
var StopTimeout = time.Minute

// Pump owns the two goroutines a running job needs around its
// ProcessLog: one draining the process's combined output into it, one
// shipping shipped/unshipped log bytes upstream until told to stop.
// This is the LogPump of spec.md §2/§4.5.
type Pump struct {
	log    agent.ProcessLog
	done   chan struct{}
	logErr chan error
	runErr chan error
}

// Start begins draining output into log and running log's ship loop.
func Start(output io.Reader, log agent.ProcessLog) *Pump {
	p := &Pump{
		log:    log,
		done:   make(chan struct{}),
		logErr: make(chan error, 1),
		runErr: make(chan error, 1),
	}

	go func() {
		p.logErr <- log.Log(output)
	}()
	go func() {
		p.runErr <- log.Run(func() bool {
			select {
			case <-p.done:
				return true
			default:
				return false
			}
		})
	}()

	return p
}

// Stop signals both goroutines to finish and waits up to StopTimeout for
// them to return. If that deadline passes first, Stop returns an error
// instead of blocking further - the goroutines are left to finish (or
// not) on their own; their buffered result channels prevent a leak.
func (p *Pump) Stop() error {
	close(p.done)

	deadline := time.NewTimer(StopTimeout)
	defer deadline.Stop()

	var logErr, runErr error
	logDone, runDone := false, false
	for !logDone || !runDone {
		select {
		case logErr = <-p.logErr:
			logDone = true
		case runErr = <-p.runErr:
			runDone = true
		case <-deadline.C:
			return fmt.Errorf("logpump: hard stop timeout (%s) exceeded", StopTimeout)
		}
	}

	if logErr != nil {
		return logErr
	}
	return runErr
}
