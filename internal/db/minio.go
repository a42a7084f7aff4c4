package db

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/config"
)

// QuarantinePrefix is the object prefix for quarantined payloads
const QuarantinePrefix = "quarantine/"

// MinIOClient wraps the MinIO connection
type MinIOClient struct {
	client *minio.Client
	cfg    config.MinIOConfig
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg config.MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Check if bucket exists, create if not
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("Created MinIO bucket")
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("Connected to MinIO")

	return &MinIOClient{client: client, cfg: cfg}, nil
}

// Bucket returns the configured bucket name
func (m *MinIOClient) Bucket() string {
	return m.cfg.Bucket
}

// Ping checks that the bucket is reachable
func (m *MinIOClient) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	return err
}

// ========== Object Operations ==========

// GetObjectBytes downloads a whole object, refusing anything above maxBytes
func (m *MinIOClient) GetObjectBytes(ctx context.Context, objectName string, maxBytes int64) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.cfg.Bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", objectName, maxBytes)
	}

	log.Debug().
		Str("object", objectName).
		Int("size", len(data)).
		Msg("Downloaded object from MinIO")

	return data, nil
}

// UploadBytes uploads byte content to MinIO
func (m *MinIOClient) UploadBytes(ctx context.Context, objectName string, content []byte, contentType string, meta map[string]string) (*minio.UploadInfo, error) {
	reader := bytes.NewReader(content)

	info, err := m.client.PutObject(ctx, m.cfg.Bucket, objectName, reader, int64(len(content)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload bytes: %w", err)
	}

	log.Debug().
		Str("object", objectName).
		Int64("size", info.Size).
		Msg("Uploaded bytes to MinIO")

	return &info, nil
}

// Quarantine stores a flagged payload under quarantine/<sha256> with the verdict
// as object metadata. An object already present is left untouched.
func (m *MinIOClient) Quarantine(ctx context.Context, sha256 string, content []byte, meta map[string]string) (string, error) {
	objectName := QuarantinePrefix + sha256

	exists, err := m.ObjectExists(ctx, objectName)
	if err != nil {
		return "", err
	}
	if exists {
		return objectName, nil
	}

	if _, err := m.UploadBytes(ctx, objectName, content, "application/octet-stream", meta); err != nil {
		return "", err
	}
	return objectName, nil
}

// ObjectExists checks if an object exists
func (m *MinIOClient) ObjectExists(ctx context.Context, objectName string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.cfg.Bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
