// Package cmdbuilder turns a resolved job and its dependency paths into the
// exact argv used to launch (or re-launch, from the pre-fork pool) a worker
// process. Builds must be deterministic: the same (job config, dependency
// paths) pair must always yield byte-identical argv, since the pool keys
// warm-process reuse on a hash of that argv (agent/fingerprint).
package cmdbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgehq/agentrunner/internal/agent"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Options carries the agent-wide paths and toggles BuildArgv and
// BuildContainerArgv need. All
// fields are read-only configuration, not per-job state.
type Options struct {
	JavaPath            string
	RunnerPath          string
	DependencyListDir   string
	DependencyCacheDir  string
	SecurityManagerOn   bool
	TempDir             string
	DockerHost          string
}

// WriteManifest writes the resolved dependency paths (already
// lexicographically sorted by agent/deps) to a content-addressed file under
// opts.DependencyListDir, reusing the file if one with the same hash already
// exists. The returned path is what gets passed to the runner on argv.
func WriteManifest(listDir string, paths []string) (string, error) {
	h := sha256.Sum256([]byte(strings.Join(paths, "\n")))
	name := hex.EncodeToString(h[:]) + ".deps"
	manifestPath := filepath.Join(listDir, name)

	if _, err := os.Stat(manifestPath); err == nil {
		return manifestPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat dependency manifest: %w", err)
	}

	if err := os.MkdirAll(listDir, 0o755); err != nil {
		return "", fmt.Errorf("create dependency list dir: %w", err)
	}

	content := strings.Join(paths, "\n")
	if len(paths) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(manifestPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write dependency manifest: %w", err)
	}
	return manifestPath, nil
}

// BuildArgv constructs the bare (non-containerized) launch command common
// to every job sharing opts and manifestPath. The job's payload directory
// is deliberately NOT part of argv - it travels as an environment variable
// or, for a pool-held process, a stdin handoff line - so that two jobs
// with identical dependencies and config produce byte-identical argv and
// therefore the same pool fingerprint regardless of which payload each one
// carries.
func BuildArgv(opts Options, manifestPath string) []string {
	argv := []string{opts.JavaPath}
	if opts.SecurityManagerOn {
		argv = append(argv, "-Djava.security.manager=default")
	}
	argv = append(argv,
		"-Ddeps.list="+manifestPath,
		"-Ddeps.cache.dir="+opts.DependencyCacheDir,
		"-Djava.io.tmpdir="+opts.TempDir,
		"-jar", opts.RunnerPath,
	)
	return argv
}

// BuildContainerArgv wraps BuildArgv's command for execution inside a
// container, mounting the directories the runner needs to see and
// rewriting manifestPath to its in-container path. A job with container
// options can never use the pre-fork pool (see agent/runner's
// canUsePrefork), so determinism here matters only for reproducibility,
// not for fingerprint reuse.
func BuildContainerArgv(opts Options, job agent.RunnerJob, manifestPath string, containerOpts map[string]interface{}) ([]string, error) {
	image, _ := containerOpts["image"].(string)
	if image == "" {
		return nil, fmt.Errorf("container options missing image")
	}

	if err := validateSeccomp(containerOpts); err != nil {
		return nil, err
	}

	const (
		inContainerDeps    = "/concord/deps"
		inContainerCache   = "/concord/deps-cache"
		inContainerPayload = "/concord/payload"
		inContainerTmp     = "/tmp"
	)

	argv := []string{"docker", "run", "--rm"}
	if opts.DockerHost != "" {
		argv = append(argv, "-H", opts.DockerHost)
	}
	argv = append(argv,
		"-v", manifestPath+":"+filepath.Join(inContainerDeps, filepath.Base(manifestPath))+":ro",
		"-v", opts.DependencyCacheDir+":"+inContainerCache+":ro",
		"-v", job.PayloadDir+":"+inContainerPayload,
		"-e", "TMP_DIR="+inContainerTmp,
		"-e", "_CONCORD_PAYLOAD_DIR="+inContainerPayload,
	)

	if cpu, ok := containerOpts["cpu"].(string); ok && cpu != "" {
		argv = append(argv, "--cpus", cpu)
	}
	if mem, ok := containerOpts["memory"].(string); ok && mem != "" {
		argv = append(argv, "--memory", mem)
	}

	argv = append(argv, image)

	inContainerManifest := filepath.Join(inContainerDeps, filepath.Base(manifestPath))
	innerOpts := opts
	innerOpts.DependencyCacheDir = inContainerCache
	innerOpts.TempDir = inContainerTmp

	argv = append(argv, BuildArgv(innerOpts, inContainerManifest)...)
	return argv, nil
}

// validateSeccomp checks a job-supplied seccomp profile (when present)
// against the runtime-spec schema before it is ever handed to the
// container runtime, so a malformed profile fails at command-build time
// rather than producing a cryptic runtime error.
func validateSeccomp(containerOpts map[string]interface{}) error {
	raw, ok := containerOpts["seccompProfile"]
	if !ok {
		return nil
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("seccompProfile must be a JSON string")
	}

	var profile specs.LinuxSeccomp
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid seccomp profile: %w", err)
	}
	if profile.DefaultAction == "" {
		return fmt.Errorf("seccomp profile missing defaultAction")
	}
	return nil
}
