package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/runner"
	"github.com/forgehq/agentrunner/internal/cache"
	"github.com/forgehq/agentrunner/internal/util"
)

// OutputHashRecorder computes a sha256 over the payload's produced output
// (everything outside job-attachments/ and .concord/) and memoizes it,
// grounded on the teacher's output-hash cache-write shape.
type OutputHashRecorder struct {
	Cache cache.Cache
}

var _ runner.PostProcessor = OutputHashRecorder{}

func (r OutputHashRecorder) Run(ctx context.Context, job agent.RunnerJob, result runner.ExecResult) error {
	if result.Cancelled || result.Err != nil {
		return nil
	}

	sum, err := hashOutput(job.PayloadDir)
	if err != nil {
		return err
	}

	ttl := r.Cache.GetDefaultTTL()
	return r.Cache.Put(ctx, util.OutputHashKey(job.InstanceID), sum, ttl)
}

func hashOutput(payloadDir string) (string, error) {
	var files []string
	err := filepath.WalkDir(payloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		if isExcludedFromOutput(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		f, err := os.Open(filepath.Join(payloadDir, rel))
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isExcludedFromOutput(rel string) bool {
	top := rel
	if idx := len(rel); idx > 0 {
		for i, c := range rel {
			if c == os.PathSeparator {
				top = rel[:i]
				break
			}
		}
	}
	return top == agent.JobAttachmentsDirName || top == agent.ConcordSystemDirName
}
