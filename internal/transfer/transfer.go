// Package transfer moves whole directory trees between a local workspace and a
// prefix in object storage.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/deployer/internal/objectstore"
)

const defaultConcurrency = 8

// Direction labels transfer metrics.
const (
	DirectionFetch   = "fetch"
	DirectionPublish = "publish"
)

// Observer receives one call per transferred or failed item.
type Observer interface {
	ObserveTransfer(direction string, ok bool, bytes int64)
}

// Report summarises one bulk transfer. Failures of individual items are counted
// here rather than returned as errors.
type Report struct {
	Listed      int
	Transferred int
	Skipped     int
	Failed      int
	Bytes       int64
}

// Transfer performs best-effort bulk copies with a bounded number of concurrent
// object operations.
type Transfer struct {
	store       objectstore.Store
	logger      *slog.Logger
	concurrency int
	observer    Observer
}

// Option customises a Transfer.
type Option func(*Transfer)

// WithConcurrency caps concurrent object operations per call.
func WithConcurrency(n int) Option {
	return func(t *Transfer) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithObserver reports per-item outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(t *Transfer) {
		t.observer = o
	}
}

// New creates a Transfer backed by store.
func New(store objectstore.Store, logger *slog.Logger, opts ...Option) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transfer{store: store, logger: logger, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FetchPrefix downloads every object under prefix into localRoot, keeping the
// key layout below prefix. Keys ending in "/" are directory markers and are skipped.
func (t *Transfer) FetchPrefix(ctx context.Context, prefix, localRoot string) (Report, error) {
	var report Report
	objects, err := t.store.List(ctx, prefix)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", prefix, err)
	}
	report.Listed = len(objects)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(t.concurrency)
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			report.Skipped++
			continue
		}
		dest, ok := localPath(localRoot, strings.TrimPrefix(obj.Key, prefix))
		if !ok {
			t.logger.Warn("skipping object outside workspace", "key", obj.Key)
			report.Skipped++
			continue
		}
		key := obj.Key
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}
			n, err := t.download(ctx, key, dest)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				t.logger.Error("download failed", "key", key, "error", err)
			} else {
				report.Transferred++
				report.Bytes += n
				t.logger.Debug("downloaded", "key", key, "path", dest)
			}
			t.observe(DirectionFetch, err == nil, n)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// PublishTree uploads every regular file below dir as keyPrefix/<path relative to root>,
// always using "/" separators. Paths with any dot-prefixed component are skipped.
func (t *Transfer) PublishTree(ctx context.Context, root, dir, keyPrefix string) (Report, error) {
	var report Report
	var files []string
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			t.logger.Warn("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if walkErr != nil {
		return report, fmt.Errorf("walk %s: %w", dir, walkErr)
	}
	report.Listed = len(files)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(t.concurrency)
	for _, file := range files {
		rel, err := filepath.Rel(root, file)
		if err != nil || isHidden(rel) {
			report.Skipped++
			continue
		}
		key := ObjectKey(keyPrefix, rel)
		src := file
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}
			n, err := t.upload(ctx, src, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				t.logger.Error("upload failed", "path", src, "key", key, "error", err)
			} else {
				report.Transferred++
				report.Bytes += n
				t.logger.Debug("uploaded", "path", src, "key", key)
			}
			t.observe(DirectionPublish, err == nil, n)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// ObjectKey joins a key prefix and an OS-specific relative path using "/".
func ObjectKey(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func (t *Transfer) download(ctx context.Context, key, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	body, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, nil
}

func (t *Transfer) upload(ctx context.Context, src, key string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if err := t.store.Put(ctx, key, f, info.Size(), contentType(src)); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (t *Transfer) observe(direction string, ok bool, n int64) {
	if t.observer != nil {
		t.observer.ObserveTransfer(direction, ok, n)
	}
}

// localPath resolves a slash-separated relative key below root, refusing
// anything that would land outside it.
func localPath(root, rel string) (string, bool) {
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", false
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), true
}

func isHidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
