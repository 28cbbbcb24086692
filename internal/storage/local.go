package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LocalStorage implements ObjectStorage on a directory. Used for single-node
// deployments and tests.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies the file into the store. The ETag is the MD5 of the content,
// as S3 reports for single-part objects.
func (l *LocalStorage) Upload(ctx context.Context, localPath, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	destPath := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", uploadFailed(key, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", uploadFailed(key, err)
	}
	defer src.Close()

	// Write to a temp file and rename so readers never see a partial object.
	tmp := destPath + ".partial"
	dst, err := os.Create(tmp)
	if err != nil {
		return "", uploadFailed(key, err)
	}

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", uploadFailed(key, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", uploadFailed(key, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return "", uploadFailed(key, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Download copies an object out of the store.
func (l *LocalStorage) Download(ctx context.Context, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := l.fullPath(key)
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrObjectNotFound.WithDetails(map[string]interface{}{"key": key})
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return downloadFailed(key, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return downloadFailed(key, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return downloadFailed(key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return downloadFailed(key, err)
	}
	return nil
}

// Delete removes an object.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects returns all keys under prefix. In-flight uploads are skipped.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Ext(path) == ".partial" {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(objects)
	return objects, nil
}

func (l *LocalStorage) fullPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}
