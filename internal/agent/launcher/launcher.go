// Package launcher starts the OS process for a job's argv. The returned
// ProcessEntry carries its combined stdout+stderr stream for the log pump
// to consume.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
)

// dockerLocalModeEnvKey is the agent's own env var signalling Docker
// local-execution mode; when set it must be forwarded to every launched
// process verbatim (original_source's RunnerJobExecutor.start() reads it
// via System.getenv and re-injects it into the child's env).
const dockerLocalModeEnvKey = "CONCORD_DOCKER_LOCAL_MODE"

// Options carries the environment variables every launched process needs,
// regardless of which job it is running.
type Options struct {
	TempDir        string
	AttachmentsDir string
	DockerHost     string
	PayloadDir     string
	ExtraEnv       map[string]string
}

// Launch starts argv[0] with argv[1:] as arguments, working directory set
// to opts.PayloadDir, stdout/stderr merged into a single stream on the
// returned entry's Output field, and no stdin attached. This is the
// one-shot path: the process already knows its payload (via env), runs to
// completion, and is never returned to the pool.
func Launch(procDir string, argv []string, opts Options) (*agent.ProcessEntry, error) {
	return launch(procDir, argv, opts, false)
}

// LaunchAwaiting starts argv as a long-lived, pre-forked process that does
// not yet know which job it will serve: opts.PayloadDir is empty and the
// process is expected to block reading one line (a payload directory path)
// from stdin before doing any work. The returned entry's Stdin field is
// non-nil so agent/runner's prefork path can perform that handoff later.
// Such an entry belongs to agent/pool until Take hands it to a job.
func LaunchAwaiting(procDir string, argv []string, opts Options) (*agent.ProcessEntry, error) {
	return launch(procDir, argv, opts, true)
}

func launch(procDir string, argv []string, opts Options, awaiting bool) (*agent.ProcessEntry, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launcher: empty argv")
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: create output pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if opts.PayloadDir != "" {
		cmd.Dir = opts.PayloadDir
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = buildEnv(opts)

	var stdin *os.File
	if awaiting {
		stdinR, stdinW, perr := os.Pipe()
		if perr != nil {
			w.Close()
			r.Close()
			return nil, fmt.Errorf("launcher: create stdin pipe: %w", perr)
		}
		cmd.Stdin = stdinR
		stdin = stdinW
		defer stdinR.Close()
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		if stdin != nil {
			stdin.Close()
		}
		return nil, fmt.Errorf("launcher: start process: %w", err)
	}
	// The write end belongs to the child now; closing our copy lets r see
	// EOF once the child (and any of its own children sharing the fd) exit.
	w.Close()

	entry := &agent.ProcessEntry{
		Cmd:         cmd,
		ProcDir:     procDir,
		Fingerprint: fingerprint.Of(argv),
		CreatedAt:   time.Now(),
		Output:      r,
	}
	if awaiting {
		entry.Stdin = stdin
	}
	return entry, nil
}

func buildEnv(opts Options) []string {
	env := os.Environ()
	env = append(env, "TMP_DIR="+opts.TempDir)
	if opts.PayloadDir != "" {
		env = append(env, "_CONCORD_PAYLOAD_DIR="+opts.PayloadDir)
	}
	if opts.AttachmentsDir != "" {
		env = append(env, "_CONCORD_ATTACHMENTS_DIR="+opts.AttachmentsDir)
	}
	if opts.DockerHost != "" {
		env = append(env, "DOCKER_HOST="+opts.DockerHost)
	}
	extra := withDockerLocalMode(opts.ExtraEnv)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// withDockerLocalMode forwards the agent's own docker-local-mode env var,
// if set, into a launched process's extra env without mutating the
// caller's map.
func withDockerLocalMode(extraEnv map[string]string) map[string]string {
	dockerMode, ok := os.LookupEnv(dockerLocalModeEnvKey)
	if !ok {
		return extraEnv
	}

	merged := make(map[string]string, len(extraEnv)+1)
	for k, v := range extraEnv {
		merged[k] = v
	}
	merged[dockerLocalModeEnvKey] = dockerMode
	return merged
}

// PreparePayload ensures procDir and its payload/ subdirectory exist before
// Launch runs, writing the instance ID marker file the original runner
// protocol expects to find alongside the payload.
func PreparePayload(procDir, instanceID string) error {
	payloadDir := agent.PayloadDir(procDir)
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return fmt.Errorf("launcher: create payload dir: %w", err)
	}
	marker := procDir + string(os.PathSeparator) + agent.InstanceIDFileName
	if err := os.WriteFile(marker, []byte(instanceID), 0o644); err != nil {
		return fmt.Errorf("launcher: write instance id marker: %w", err)
	}
	return nil
}
