// Package postprocess implements runner.PostProcessor: work that runs
// after a job's process has exited and its log has finished shipping, but
// before its working directory is removed (spec.md §4.6/§5 ordering).
package postprocess

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/runner"
	"github.com/forgehq/agentrunner/internal/logger"
	"github.com/forgehq/agentrunner/internal/storage"
	"github.com/forgehq/agentrunner/internal/util"
)

// AttachmentUploader uploads every file under payload/job-attachments/**
// to object storage, grounded on the teacher's upload/download shape.
type AttachmentUploader struct {
	Storage storage.Storage
}

var _ runner.PostProcessor = AttachmentUploader{}

func (u AttachmentUploader) Run(ctx context.Context, job agent.RunnerJob, result runner.ExecResult) error {
	attachmentsDir := filepath.Join(job.PayloadDir, agent.JobAttachmentsDirName)

	info, err := os.Stat(attachmentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(attachmentsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(attachmentsDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		objectPath := util.AttachmentPath(job.InstanceID, rel)
		if err := u.Storage.UploadAttachment(ctx, objectPath, data); err != nil {
			return fmt.Errorf("uploading attachment %s: %w", rel, err)
		}
		logger.Log.Info().Str("instance_id", job.InstanceID).Str("attachment", rel).Msg("postprocess: uploaded attachment")
		return nil
	})
}
