package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
)

// localStore keeps conversation blobs (inbound media, downloaded outputs) in
// a flat temp directory. Handles are filenames relative to the base dir.
type localStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{baseDir: baseDir}, nil
}

func (s *localStore) Save(ctx context.Context, reader io.Reader, handle string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(handle)
	if err != nil {
		return 0, err
	}

	tempPath := fullPath + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	written, err := io.Copy(f, reader)
	if err != nil {
		return 0, fmt.Errorf("write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	return written, nil
}

func (s *localStore) Open(ctx context.Context, handle string) (io.ReadCloser, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(handle)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%s: %w", handle, domain.ErrBlobNotFound)
		}
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open file: %w", err)
	}

	return f, info.Size(), nil
}

// Delete releases a blob. A handle that is already gone is not an error, so
// cleanup can run twice.
func (s *localStore) Delete(ctx context.Context, handle string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(handle)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove file: %w", err)
	}

	return nil
}

func (s *localStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("read base dir: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.baseDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old file %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func (s *localStore) fullFilePath(handle string) (string, error) {
	if strings.TrimSpace(handle) == "" {
		return "", fmt.Errorf("empty handle")
	}

	clean := filepath.Clean(handle)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid handle: %s", handle)
	}

	return filepath.Join(s.baseDir, clean), nil
}
