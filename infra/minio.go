package infra

import (
	"context"
	"fmt"

	"github.com/gpufleet/control-plane/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient archives rotated supervisor log segments. It is optional
// infrastructure: without it, rotated logs simply stay on local disk.
type MinioClient struct {
	Client    *minio.Client
	LogBucket string
}

func NewMinioClient(cfg *config.EnvConfig) (*MinioClient, error) {
	if cfg.Minio.Endpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint is not configured")
	}

	client, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Minio.RootUser, cfg.Minio.RootPassword, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	m := &MinioClient{Client: client, LogBucket: cfg.Minio.LogBucket}
	if err := m.ensureBucket(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MinioClient) ensureBucket(ctx context.Context) error {
	exists, err := m.Client.BucketExists(ctx, m.LogBucket)
	if err != nil {
		return fmt.Errorf("failed to check log bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.Client.MakeBucket(ctx, m.LogBucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create log bucket: %w", err)
	}
	return nil
}

// UploadLogSegment stores a rotated log file under logs/<org>/<segment>.
func (m *MinioClient) UploadLogSegment(ctx context.Context, orgID, segmentName, filePath string) error {
	objectName := fmt.Sprintf("logs/%s/%s", orgID, segmentName)
	_, err := m.Client.FPutObject(ctx, m.LogBucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("failed to upload log segment %s: %w", objectName, err)
	}
	return nil
}
