package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps blobs under dir/<bucket>/<name> and serves them from this
// process at <baseURL>/files/<bucket>/<name>. URLs it hands out stop working
// when the process goes away.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocal(dir, baseURL string) *LocalStore {
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalStore) EnsureBucket(_ context.Context, bucket string) error {
	path, err := l.path(bucket, "")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	return nil
}

func (l *LocalStore) Upload(_ context.Context, bucket, name string, body io.Reader, _ string) (string, error) {
	path, err := l.path(bucket, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return l.PublicURL(bucket, name), nil
}

// Adopt moves a file already on disk into the store. It falls back to a copy
// when src is on another filesystem.
func (l *LocalStore) Adopt(bucket, name, src string) (string, error) {
	dst, err := l.path(bucket, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return l.PublicURL(bucket, name), nil
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	url, err := l.Upload(context.Background(), bucket, name, in, "")
	in.Close()
	if err != nil {
		return "", err
	}
	os.Remove(src)
	return url, nil
}

func (l *LocalStore) Remove(_ context.Context, bucket string, names []string) error {
	var errs []error
	for _, name := range names {
		path, err := l.path(bucket, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *LocalStore) PublicURL(bucket, name string) string {
	return fmt.Sprintf("%s/files/%s/%s", l.baseURL, bucket, escapeKey(name))
}

// Handler serves the store's files. Mount it under /files/.
func (l *LocalStore) Handler() http.Handler {
	return http.StripPrefix("/files/", http.FileServer(http.Dir(l.dir)))
}

// path resolves bucket/name under dir and refuses anything that escapes it.
func (l *LocalStore) path(bucket, name string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	clean := filepath.Clean("/" + name)
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	return filepath.Join(l.dir, bucket, clean), nil
}
