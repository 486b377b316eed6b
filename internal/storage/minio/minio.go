package minio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/forgehq/agentrunner/internal/config"
	"github.com/forgehq/agentrunner/internal/storage"
	"github.com/forgehq/agentrunner/internal/telemetry"
	"github.com/forgehq/agentrunner/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient wraps the MinIO SDK client, holding both buckets
// config.MinioConfig names.
type MinioClient struct {
	client           *minio.Client
	depsBucket       string
	attachmentBucket string
	transport        *http.Transport
}

// NewMinioClient initializes and returns a MinIO client.
func NewMinioClient(cfg *config.MinioConfig) (storage.Storage, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true,
		DisableKeepAlives:  false,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &MinioClient{
		client:           cli,
		depsBucket:       cfg.DepsBucket,
		attachmentBucket: cfg.AttachmentBucket,
		transport:        transport,
	}, nil
}

func (m *MinioClient) UploadDependency(ctx context.Context, objectPath string, data []byte) error {
	return m.upload(ctx, "MinIO/UploadDependency", m.depsBucket, objectPath, data)
}

func (m *MinioClient) DownloadDependency(ctx context.Context, objectPath string) ([]byte, error) {
	return m.download(ctx, "MinIO/DownloadDependency", m.depsBucket, objectPath)
}

func (m *MinioClient) UploadAttachment(ctx context.Context, objectPath string, data []byte) error {
	return m.upload(ctx, "MinIO/UploadAttachment", m.attachmentBucket, objectPath, data)
}

func (m *MinioClient) DownloadAttachment(ctx context.Context, objectPath string) ([]byte, error) {
	return m.download(ctx, "MinIO/DownloadAttachment", m.attachmentBucket, objectPath)
}

func (m *MinioClient) upload(ctx context.Context, spanName, bucket, objectPath string, data []byte) error {
	ctx, span := telemetry.Tracer().Start(ctx, spanName)
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, bucket, objectPath, reader, int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) download(ctx context.Context, spanName, bucket, objectPath string) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanName)
	defer span.End()

	object, err := m.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) Close() {
	m.transport.CloseIdleConnections()
}
