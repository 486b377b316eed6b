// Package runner drives a single job from resolved configuration through
// to a terminated, cleaned-up process - the JobRunner of spec.md §4.6.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/cmdbuilder"
	"github.com/forgehq/agentrunner/internal/agent/deps"
	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
	"github.com/forgehq/agentrunner/internal/agent/launcher"
	"github.com/forgehq/agentrunner/internal/agent/logpump"
	"github.com/forgehq/agentrunner/internal/agent/pool"
	"github.com/forgehq/agentrunner/internal/logger"
	"golang.org/x/sync/errgroup"
)

// PostProcessor runs after a job's process has exited and its log has
// finished shipping, before the working directory is removed.
type PostProcessor interface {
	Run(ctx context.Context, job agent.RunnerJob, result ExecResult) error
}

// ExecResult summarizes one completed, failed, or cancelled job run.
type ExecResult struct {
	InstanceID  string
	UsedPrefork bool
	ExitCode    int
	Cancelled   bool
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// PolicyFactory builds a job-scoped PolicyEngine from that job's payload
// directory - policy.json lives under <payload>/.concord/ and so differs
// per job, unlike the ArtifactResolver, which is shared.
type PolicyFactory func(payloadDir string) deps.PolicyEngine

// Runner is the JobRunner of spec.md §4.6.
type Runner struct {
	Pool           *pool.Pool
	Artifacts      deps.ArtifactResolver
	Policy         PolicyFactory
	CmdOpts        cmdbuilder.Options
	LaunchOpts     launcher.Options
	WorkDir        string
	PostProcessors []PostProcessor

	mu      sync.Mutex
	running map[string]*jobHandle
}

type jobHandle struct {
	mu        sync.Mutex
	cancelled bool
	entry     *agent.ProcessEntry
}

func New(p *pool.Pool, artifacts deps.ArtifactResolver, policy PolicyFactory, cmdOpts cmdbuilder.Options, launchOpts launcher.Options, workDir string, postProcessors ...PostProcessor) *Runner {
	return &Runner{
		Pool:           p,
		Artifacts:      artifacts,
		Policy:         policy,
		CmdOpts:        cmdOpts,
		LaunchOpts:     launchOpts,
		WorkDir:        workDir,
		PostProcessors: postProcessors,
		running:        make(map[string]*jobHandle),
	}
}

// Cancel requests cancellation of a running job, killing its process if
// one has already started. It reports false if no such job is running.
func (r *Runner) Cancel(instanceID string) bool {
	r.mu.Lock()
	h, ok := r.running[instanceID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	h.cancelled = true
	entry := h.entry
	h.mu.Unlock()

	if entry != nil && entry.Cmd != nil && entry.Cmd.Process != nil {
		_ = entry.Cmd.Process.Kill()
	}
	return true
}

// Exec resolves dependencies, builds the launch command, runs the job to
// completion (or cancellation), ships its log, and post-processes the
// result.
func (r *Runner) Exec(ctx context.Context, req agent.JobRequest) ExecResult {
	job := agent.FromRequest(req)
	if job.Log == nil {
		job.Log = agent.NopLog{}
	}
	result := ExecResult{InstanceID: job.InstanceID, StartedAt: time.Now()}

	handle := &jobHandle{}
	r.mu.Lock()
	r.running[job.InstanceID] = handle
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.InstanceID)
		r.mu.Unlock()
	}()

	defer func() {
		if err := job.Log.Delete(); err != nil {
			logger.Log.Warn().Err(err).Str("instance_id", job.InstanceID).Msg("runner: failed to delete local log")
		}
	}()

	procDir, err := os.MkdirTemp(r.WorkDir, "job-")
	if err != nil {
		return r.fail(result, job.InstanceID, agent.ErrLaunchFailure, err.Error())
	}
	defer os.RemoveAll(procDir)

	resolver := deps.New(r.Artifacts, r.Policy(job.PayloadDir))
	paths, err := resolver.Resolve(ctx, job.InstanceID, job.DeclaredDependencies(), job.DebugMode)
	if err != nil {
		result.Err = err
		result.FinishedAt = time.Now()
		return result
	}

	manifestPath, err := cmdbuilder.WriteManifest(r.CmdOpts.DependencyListDir, paths)
	if err != nil {
		return r.fail(result, job.InstanceID, agent.ErrLaunchFailure, err.Error())
	}

	entry, usedPrefork, err := r.acquireProcess(job, manifestPath, procDir)
	if err != nil {
		return r.fail(result, job.InstanceID, agent.ErrLaunchFailure, err.Error())
	}
	result.UsedPrefork = usedPrefork

	handle.mu.Lock()
	handle.entry = entry
	killNow := handle.cancelled
	handle.mu.Unlock()
	if killNow {
		_ = entry.Cmd.Process.Kill()
	}

	waitErr, _ := r.drainAndWait(job, entry)

	handle.mu.Lock()
	cancelled := handle.cancelled
	handle.mu.Unlock()

	switch {
	case cancelled:
		result.Cancelled = true
		result.Err = &agent.ExecError{Kind: agent.ErrExecutionInterrupted, InstanceID: job.InstanceID}
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Err = &agent.ExecError{
				Kind:       agent.ErrNonZeroExit,
				InstanceID: job.InstanceID,
				Msg:        fmt.Sprintf("exit code: %d", result.ExitCode),
				Code:       result.ExitCode,
			}
		} else {
			result.Err = &agent.ExecError{Kind: agent.ErrLaunchFailure, InstanceID: job.InstanceID, Msg: waitErr.Error()}
		}
	}
	result.FinishedAt = time.Now()

	if perr := r.postProcess(ctx, job, result); perr != nil && result.Err == nil {
		result.Err = &agent.ExecError{Kind: agent.ErrPostProcessingFailure, InstanceID: job.InstanceID, Msg: perr.Error()}
	}

	if usedPrefork && result.Err == nil {
		go r.replenish(manifestPath)
	}

	return result
}

func (r *Runner) fail(result ExecResult, instanceID string, kind error, msg string) ExecResult {
	result.Err = &agent.ExecError{Kind: kind, InstanceID: instanceID, Msg: msg}
	result.FinishedAt = time.Now()
	return result
}

// acquireProcess obtains the OS process that will run job. An eligible job
// always goes through the pool: Take returns a warm process when one is
// held, and otherwise spawns a fresh awaiting process that receives the
// same stdin handoff. The one-shot launch is used for container jobs,
// ineligible jobs, and when the take or the handoff fails.
func (r *Runner) acquireProcess(job agent.RunnerJob, manifestPath, procDir string) (*agent.ProcessEntry, bool, error) {
	if containerOpts := job.ContainerOptions(); containerOpts != nil {
		argv, err := cmdbuilder.BuildContainerArgv(r.CmdOpts, job, manifestPath, containerOpts)
		if err != nil {
			return nil, false, err
		}
		entry, err := launcher.Launch(procDir, argv, r.launchOptionsFor(job))
		return entry, false, err
	}

	base := cmdbuilder.BuildArgv(r.CmdOpts, manifestPath)

	if canUsePrefork(job) {
		fp := fingerprint.Of(base)
		entry, err := r.Pool.Take(fp, func() (*agent.ProcessEntry, error) {
			return r.spawnTemplate(base)
		})
		switch {
		case err != nil:
			logger.Log.Warn().Err(err).Str("instance_id", job.InstanceID).Msg("runner: prefork take failed, falling back to one-shot")
		case handoff(entry, job.PayloadDir) == nil:
			return entry, true, nil
		default:
			logger.Log.Warn().Str("instance_id", job.InstanceID).Msg("runner: prefork handoff failed, falling back to one-shot")
			abandonTemplate(entry)
		}
	}

	entry, err := launcher.Launch(procDir, base, r.launchOptionsFor(job))
	return entry, false, err
}

// abandonTemplate cleans up a template entry the pool already handed
// over once a handoff to it fails - it can no longer go back in the pool.
func abandonTemplate(entry *agent.ProcessEntry) {
	if entry.Cmd != nil && entry.Cmd.Process != nil {
		_ = entry.Cmd.Process.Kill()
	}
	_ = os.RemoveAll(entry.ProcDir)
}

func (r *Runner) spawnTemplate(base []string) (*agent.ProcessEntry, error) {
	tmplDir, err := os.MkdirTemp(r.WorkDir, "tmpl-")
	if err != nil {
		return nil, err
	}
	return launcher.LaunchAwaiting(tmplDir, base, r.LaunchOpts)
}

// replenish keeps the pool stocked after a prefork entry is consumed,
// subject to the pool's own maxCount eviction of the globally oldest entry.
func (r *Runner) replenish(manifestPath string) {
	base := cmdbuilder.BuildArgv(r.CmdOpts, manifestPath)
	fp := fingerprint.Of(base)
	if err := r.Pool.Prewarm(fp, func() (*agent.ProcessEntry, error) {
		return r.spawnTemplate(base)
	}); err != nil {
		logger.Log.Warn().Err(err).Msg("runner: failed to replenish prefork pool")
	}
}

func (r *Runner) launchOptionsFor(job agent.RunnerJob) launcher.Options {
	opts := r.LaunchOpts
	opts.PayloadDir = job.PayloadDir
	return opts
}

// handoff hands a payload directory to an idle pre-forked process waiting
// on stdin, per agent/launcher.LaunchAwaiting's protocol.
func handoff(entry *agent.ProcessEntry, payloadDir string) error {
	if entry.Stdin == nil {
		return fmt.Errorf("runner: prefork entry has no stdin handoff channel")
	}
	if _, err := entry.Stdin.Write([]byte(payloadDir + "\n")); err != nil {
		return err
	}
	return entry.Stdin.Close()
}

// drainAndWait starts the job's log pump, waits for the process to exit,
// then stops the pump - enforcing spec.md §4.5's one-minute hard stop
// timeout via logpump.Pump regardless of how job.Log itself behaves.
// A pump error is reported through handleError rather than failing the
// job outright: spec.md §8 scenario 6 has the runner complete cleanup
// after a log-pump timeout, not abort the run.
func (r *Runner) drainAndWait(job agent.RunnerJob, entry *agent.ProcessEntry) (waitErr, pumpErr error) {
	pump := logpump.Start(entry.Output, job.Log)

	waitErr = entry.Cmd.Wait()

	pumpErr = pump.Stop()
	if pumpErr != nil {
		r.handleError(job, entry, pumpErr)
	}
	return waitErr, pumpErr
}

// handleError is JobRunner.handleError (spec.md §4.5): it logs the
// error, marks the job's process log with it, and kills the process if
// it hasn't already exited.
func (r *Runner) handleError(job agent.RunnerJob, entry *agent.ProcessEntry, err error) {
	logger.Log.Warn().Err(err).Str("instance_id", job.InstanceID).Msg("runner: log pump reported an error")
	job.Log.Error("log pump error: %v", err)
	if entry.Cmd != nil && entry.Cmd.Process != nil {
		_ = entry.Cmd.Process.Kill()
	}
}

func (r *Runner) postProcess(ctx context.Context, job agent.RunnerJob, result ExecResult) error {
	if len(r.PostProcessors) == 0 {
		return nil
	}
	eg, pctx := errgroup.WithContext(ctx)
	for _, pp := range r.PostProcessors {
		pp := pp
		eg.Go(func() error {
			return pp.Run(pctx, job, result)
		})
	}
	return eg.Wait()
}

// canUsePrefork mirrors the original canUsePrefork predicate: a job can
// only reuse a warm process when it has no container options, no bundled
// native libraries, and no custom agent parameters file - any of those
// need a fresh, job-specific process.
func canUsePrefork(job agent.RunnerJob) bool {
	if job.ContainerOptions() != nil {
		return false
	}
	if dirNonEmpty(filepath.Join(job.PayloadDir, agent.LibrariesDirName)) {
		return false
	}
	if fileExists(filepath.Join(job.PayloadDir, agent.AgentParamsFileName)) {
		return false
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
