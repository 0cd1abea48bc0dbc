// Package attachments resolves and uploads the attachment blobs referenced
// opaquely as `attachments[]` on a Message. Client construction (bucket
// exists-or-create, sanitized object keys) follows a typical minio-go
// storage wrapper, reduced to the single upload/resolve pair a chat turn's
// attachment_id needs, rather than a full server-side artifact lifecycle.
package attachments

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
)

// Store resolves and uploads attachment blobs.
type Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New constructs a Store, creating the bucket if it does not yet exist.
func New(ctx context.Context, cfg config.AttachmentsConfig, logger *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check attachments bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create attachments bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func sanitize(id string) string {
	id = strings.TrimPrefix(id, "/")
	return strings.ReplaceAll(id, "..", "")
}

// Upload stores the attachment under attachmentID and returns its object
// key, the value carried as Message.Attachments[].ID going forward.
func (s *Store) Upload(ctx context.Context, attachmentID, filename string, data io.Reader, size int64) (string, error) {
	attachmentID = sanitize(attachmentID)
	filename = sanitize(filename)
	if attachmentID == "" || filename == "" {
		return "", taskerrors.NewArtifactNotFoundError("invalid attachment id or filename")
	}

	objectName := fmt.Sprintf("%s/%s", attachmentID, filename)
	if _, err := s.client.PutObject(ctx, s.bucket, objectName, data, size, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	return objectName, nil
}

// Resolve returns a reader over a previously uploaded attachment.
func (s *Store) Resolve(ctx context.Context, attachmentID, filename string) (io.ReadCloser, error) {
	attachmentID = sanitize(attachmentID)
	filename = sanitize(filename)
	if attachmentID == "" || filename == "" {
		return nil, taskerrors.NewArtifactNotFoundError("invalid attachment id or filename")
	}

	objectName := fmt.Sprintf("%s/%s", attachmentID, filename)
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("resolve attachment: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, taskerrors.NewArtifactNotFoundError(objectName)
	}
	return obj, nil
}

// Delete removes a previously uploaded attachment.
func (s *Store) Delete(ctx context.Context, attachmentID, filename string) error {
	attachmentID = sanitize(attachmentID)
	filename = sanitize(filename)
	if attachmentID == "" || filename == "" {
		return taskerrors.NewArtifactNotFoundError("invalid attachment id or filename")
	}
	objectName := fmt.Sprintf("%s/%s", attachmentID, filename)
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
