package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
	mio "github.com/you-humble/swapbot/internal/libs/minio"

	"github.com/minio/minio-go/v7"
)

// minioStore is the archive backend: delivered outputs are copied here so a
// user-visible result survives the local janitor for a while.
type minioStore struct {
	db       *minio.Client
	bucket   string
	basePath string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config) (*minioStore, error) {
	mioClient, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &minioStore{
		db:       mioClient,
		bucket:   cfg.Bucket,
		basePath: basePath,
	}, nil
}

func (s *minioStore) Save(ctx context.Context, reader io.Reader, handle string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	objectName, err := s.objectName(handle)
	if err != nil {
		return 0, err
	}

	info, err := s.db.PutObject(ctx, s.bucket, objectName, reader, -1, minio.PutObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}

	return info.Size, nil
}

func (s *minioStore) Open(ctx context.Context, handle string) (io.ReadCloser, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	objectName, err := s.objectName(handle)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, 0, fmt.Errorf("%s: %w", handle, domain.ErrBlobNotFound)
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}

	return obj, st.Size, nil
}

func (s *minioStore) Delete(ctx context.Context, handle string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	objectName, err := s.objectName(handle)
	if err != nil {
		return err
	}

	err = s.db.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}

	return nil
}

func (s *minioStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	opts := minio.ListObjectsOptions{
		Prefix:    s.basePath,
		Recursive: true,
	}

	for objectInfo := range s.db.ListObjects(ctx, s.bucket, opts) {
		if objectInfo.Err != nil {
			continue
		}

		if !objectInfo.LastModified.Before(cutoff) {
			continue
		}

		err := s.db.RemoveObject(ctx, s.bucket, objectInfo.Key, minio.RemoveObjectOptions{})
		if err != nil {
			return fmt.Errorf("remove old object %s: %w", objectInfo.Key, err)
		}
	}

	return nil
}

func (s *minioStore) objectName(handle string) (string, error) {
	if strings.TrimSpace(handle) == "" {
		return "", fmt.Errorf("empty handle")
	}

	clean := path.Clean(handle)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid handle: %s", handle)
	}

	clean = strings.TrimLeft(clean, "/")

	return s.basePath + clean, nil
}
