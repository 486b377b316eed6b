// Package agent implements the execution pipeline: a job executor that
// launches, supervises, and recycles external worker processes.
package agent

import (
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
)

// Filesystem layout per running worker, per spec.md §6.
const (
	PayloadDirName       = "payload"
	InstanceIDFileName   = "_instanceId"
	LibrariesDirName     = "lib"
	AgentParamsFileName  = "_agent.json"
	JobAttachmentsDirName = "job-attachments"
	ConcordSystemDirName = ".concord"
	PolicyFileName       = "policy.json"
)

// PayloadDir returns the payload/ subdirectory of a process's working
// directory.
func PayloadDir(procDir string) string {
	return filepath.Join(procDir, PayloadDirName)
}

// ProcessLog is the log sink a RunnerJob writes its worker's output to.
// Before the in-process log file exists, a job uses this interface to
// surface setup errors straight to the remote/control-plane log.
type ProcessLog interface {
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
	// Log drains r and persists its bytes locally.
	Log(r io.Reader) error
	// Run ships persisted log bytes upstream until stop returns true.
	Run(stop func() bool) error
	// Delete discards local log storage after shipping has finished.
	Delete() error
}

// JobRequest is the immutable input to JobRunner.Exec for a single job.
type JobRequest struct {
	InstanceID string
	PayloadDir string
	Cfg        map[string]interface{}
	DebugMode  bool
	Log        ProcessLog
}

// RunnerJob is the canonical, already-validated view of a JobRequest used
// throughout the pipeline.
type RunnerJob struct {
	InstanceID string
	PayloadDir string
	Cfg        map[string]interface{}
	DebugMode  bool
	Log        ProcessLog
}

// FromRequest builds a RunnerJob from a JobRequest. It is a pure
// transformation - no I/O, no validation beyond field copying - per
// spec.md §3's description of RunnerJob as "a canonical view".
func FromRequest(req JobRequest) RunnerJob {
	return RunnerJob{
		InstanceID: req.InstanceID,
		PayloadDir: req.PayloadDir,
		Cfg:        req.Cfg,
		DebugMode:  req.DebugMode,
		Log:        req.Log,
	}
}

const (
	// CfgDependenciesKey holds the job's declared dependency URI strings.
	CfgDependenciesKey = "dependencies"
	// CfgContainerKey holds container launch options, when present.
	CfgContainerKey = "container"
)

// ContainerOptions returns the job's container launch options, or nil when
// absent or empty - the signal CommandBuilder and canUsePrefork use.
func (j RunnerJob) ContainerOptions() map[string]interface{} {
	v, ok := j.Cfg[CfgContainerKey]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}
	return m
}

// DeclaredDependencies returns the job's declared dependency URI strings.
func (j RunnerJob) DeclaredDependencies() []string {
	v, ok := j.Cfg[CfgDependenciesKey]
	if !ok {
		return nil
	}
	switch deps := v.(type) {
	case []string:
		return deps
	case []interface{}:
		out := make([]string, 0, len(deps))
		for _, d := range deps {
			if s, ok := d.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// NopLog is a ProcessLog that discards everything; useful as a zero value
// in tests and for jobs that have no remote log configured yet.
type NopLog struct{}

func (NopLog) Info(string, ...interface{})  {}
func (NopLog) Error(string, ...interface{}) {}
func (NopLog) Log(io.Reader) error           { return nil }
func (NopLog) Run(func() bool) error         { return nil }
func (NopLog) Delete() error                 { return nil }

var _ ProcessLog = NopLog{}

// ProcessEntry owns one launched OS process and its working directory.
// Invariants (spec.md §3): procDir contains payload/ once adopted; while it
// resides in the pool no outside holder references it, and once taken it
// is owned exclusively by the taker.
type ProcessEntry struct {
	Cmd         *exec.Cmd
	ProcDir     string
	Fingerprint fingerprint.Fingerprint
	CreatedAt   time.Time

	// Output is the process's combined stdout+stderr stream.
	Output io.ReadCloser
	// Stdin is non-nil only for pool-held processes that are idle and
	// awaiting a payload handoff line (see agent/runner's prefork path).
	// One-shot processes never set this.
	Stdin io.WriteCloser
}

// PayloadDir returns this entry's payload/ directory.
func (e *ProcessEntry) PayloadDir() string {
	return PayloadDir(e.ProcDir)
}

// Alive reports whether the OS process has not yet exited. A ProcessEntry
// pulled from the pool that is not alive must be evicted, never handed out
// (spec.md §4.3 invariant).
func (e *ProcessEntry) Alive() bool {
	if e.Cmd == nil || e.Cmd.Process == nil {
		return false
	}
	if e.Cmd.ProcessState != nil {
		return false
	}
	// ProcessState is only set once Wait has been called. agent/pool never
	// calls Wait on the entries it holds, so a pre-forked process that exits
	// on its own still reports true here until its taker waits on it.
	return true
}
