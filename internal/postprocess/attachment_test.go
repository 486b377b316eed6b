package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/runner"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	uploaded map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{uploaded: map[string][]byte{}} }

func (s *fakeStorage) UploadDependency(context.Context, string, []byte) error { return nil }
func (s *fakeStorage) DownloadDependency(context.Context, string) ([]byte, error) {
	return nil, nil
}
func (s *fakeStorage) UploadAttachment(_ context.Context, objectPath string, data []byte) error {
	s.uploaded[objectPath] = data
	return nil
}
func (s *fakeStorage) DownloadAttachment(context.Context, string) ([]byte, error) { return nil, nil }
func (s *fakeStorage) Close()                                                     {}

func TestAttachmentUploader_UploadsAllFiles(t *testing.T) {
	payloadDir := t.TempDir()
	attachmentsDir := filepath.Join(payloadDir, agent.JobAttachmentsDirName)
	require.NoError(t, os.MkdirAll(filepath.Join(attachmentsDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(attachmentsDir, "report.txt"), []byte("r1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(attachmentsDir, "sub", "nested.txt"), []byte("n1"), 0o644))

	store := newFakeStorage()
	u := AttachmentUploader{Storage: store}
	job := agent.RunnerJob{InstanceID: "inst-1", PayloadDir: payloadDir}

	require.NoError(t, u.Run(context.Background(), job, runner.ExecResult{}))
	require.Len(t, store.uploaded, 2)
}

func TestAttachmentUploader_NoAttachmentsDirIsNoop(t *testing.T) {
	u := AttachmentUploader{Storage: newFakeStorage()}
	job := agent.RunnerJob{InstanceID: "inst-2", PayloadDir: t.TempDir()}
	require.NoError(t, u.Run(context.Background(), job, runner.ExecResult{}))
}
