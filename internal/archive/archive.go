// Package archive provides an optional S3-compatible audit trail of
// forwarded deliveries. When S3 is not configured (empty bucket), the
// NoopArchiver is used and all uploads are skipped, keeping the relay in
// local-only mode. Archiving is best effort and never affects a cycle's
// outcome.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/mailrelay/internal/config"
	"github.com/hyperengineering/mailrelay/internal/types"
)

// Archiver stores forwarded payloads for audit.
type Archiver interface {
	// Store uploads one forwarded payload.
	Store(ctx context.Context, payload types.ForwardPayload) error
}

// s3Client defines the minimal minio.Client operations used by S3Archiver.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// S3Archiver uploads delivery records to S3-compatible storage.
type S3Archiver struct {
	client s3Client
	bucket string
}

// Store uploads the payload as a JSON object keyed by mailbox and delivery ID.
func (a *S3Archiver) Store(ctx context.Context, payload types.ForwardPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delivery record: %w", err)
	}
	key := objectKey(payload.Mailbox, payload.DeliveryID)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("upload delivery record to S3: %w", err)
	}
	return nil
}

// NoopArchiver is used when S3 storage is not configured.
type NoopArchiver struct{}

// Store is a no-op when S3 is not configured.
func (NoopArchiver) Store(ctx context.Context, payload types.ForwardPayload) error {
	return nil
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return &NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// objectKey returns the S3 object key for a delivery record.
// Convention: {mailbox}/deliveries/{delivery_id}.json
func objectKey(mailbox, deliveryID string) string {
	if mailbox == "" {
		mailbox = "default"
	}
	return mailbox + "/deliveries/" + deliveryID + ".json"
}
