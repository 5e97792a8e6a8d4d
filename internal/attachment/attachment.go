// Package attachment stores attachment bodies outside the message database.
//
// A Blobstore holds encrypted-at-rest blobs addressed by key; S3Blobstore targets S3 or any
// S3-compatible endpoint, FSBlobstore a local directory.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Blobstore stores attachment bodies.
type Blobstore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// RemoteKey is the blobstore key for an attachment id.
func RemoteKey(attachmentID string) string {
	return "attachments/" + attachmentID
}

// sanitizeKey keeps keys relative and free of parent references.
func sanitizeKey(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, nil
}

// Upload sends the file at path to bs under key and returns its size.
func Upload(ctx context.Context, bs Blobstore, key, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat attachment: %w", err)
	}
	if err := bs.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return 0, err
	}
	slog.Debug("attachment.Upload: uploaded", "key", key, "size", info.Size())
	return info.Size(), nil
}

// Fetch copies the blob under key into dir/name and returns the local path. The file appears
// atomically, so a partially written download is never mistaken for a complete one.
func Fetch(ctx context.Context, bs Blobstore, key, dir, name string) (string, error) {
	body, err := bs.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close attachment: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(name))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("move attachment into place: %w", err)
	}
	slog.Debug("attachment.Fetch: downloaded", "key", key, "path", dest)
	return dest, nil
}
