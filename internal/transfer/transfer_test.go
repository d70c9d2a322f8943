package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/localvercel/deployer/internal/objectstore"
)

type memoryStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failKeys map[string]bool
	listErr  error
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, failKeys: map[string]bool{}}
}

func (m *memoryStore) enter() func() {
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return func() { m.active.Add(-1) }
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]objectstore.Object, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []objectstore.Object
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, objectstore.Object{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return nil, fmt.Errorf("simulated failure for %s", key)
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	defer m.enter()()
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return fmt.Errorf("simulated failure for %s", key)
	}
	m.objects[key] = data
	return nil
}

func (m *memoryStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingObserver) ObserveTransfer(direction string, ok bool, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[fmt.Sprintf("%s:%t", direction, ok)]++
}

func TestFetchPrefixSkipsDirectoryMarkers(t *testing.T) {
	store := newMemoryStore()
	store.objects["F/a.txt"] = []byte("a")
	store.objects["F/sub/b.txt"] = []byte("b")
	store.objects["F/marker/"] = nil
	store.objects["G/other.txt"] = []byte("o")

	root := filepath.Join(t.TempDir(), "F")
	tr := New(store, testLogger())
	report, err := tr.FetchPrefix(context.Background(), "F/", root)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if report.Transferred != 2 || report.Skipped != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for rel, want := range map[string]string{"a.txt": "a", "sub/b.txt": "b"} {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("expected %s to exist: %v", rel, err)
		}
		if string(data) != want {
			t.Fatalf("unexpected content for %s: %q", rel, data)
		}
	}
	if info, err := os.Stat(filepath.Join(root, "marker")); err == nil && !info.IsDir() {
		t.Fatalf("directory marker must not be materialised as a file")
	}
	if _, err := os.Stat(filepath.Join(root, "other.txt")); !os.IsNotExist(err) {
		t.Fatalf("object from another prefix was fetched")
	}
}

func TestFetchPrefixContinuesPastFailures(t *testing.T) {
	store := newMemoryStore()
	store.objects["F/good.txt"] = []byte("ok")
	store.objects["F/bad.txt"] = []byte("nope")
	store.failKeys["F/bad.txt"] = true

	obs := &countingObserver{}
	root := t.TempDir()
	report, err := New(store, testLogger(), WithObserver(obs)).FetchPrefix(context.Background(), "F/", root)
	if err != nil {
		t.Fatalf("per-object failures must not fail the batch: %v", err)
	}
	if report.Transferred != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := os.Stat(filepath.Join(root, "good.txt")); err != nil {
		t.Fatalf("sibling download should have completed: %v", err)
	}
	if obs.calls["fetch:true"] != 1 || obs.calls["fetch:false"] != 1 {
		t.Fatalf("unexpected observer calls %v", obs.calls)
	}
}

func TestFetchPrefixRejectsTraversalKeys(t *testing.T) {
	store := newMemoryStore()
	store.objects["F/../escape.txt"] = []byte("x")
	store.objects["F/ok.txt"] = []byte("ok")

	parent := t.TempDir()
	root := filepath.Join(parent, "F")
	report, err := New(store, testLogger()).FetchPrefix(context.Background(), "F/", root)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if report.Skipped != 1 || report.Transferred != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("object escaped the workspace")
	}
}

func TestFetchPrefixListError(t *testing.T) {
	store := newMemoryStore()
	store.listErr = errors.New("boom")
	if _, err := New(store, testLogger()).FetchPrefix(context.Background(), "F/", t.TempDir()); err == nil {
		t.Fatalf("expected listing error to be returned")
	}
}

func TestPublishTreeSkipsHiddenPaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "F")
	writeFile(t, filepath.Join(root, "build", "x.js"), "x")
	writeFile(t, filepath.Join(root, "build", "static", "app.css"), "css")
	writeFile(t, filepath.Join(root, "build", ".hidden", "y.js"), "y")
	writeFile(t, filepath.Join(root, "build", ".env"), "SECRET=1")
	writeFile(t, filepath.Join(root, "src", "index.js"), "src")

	store := newMemoryStore()
	report, err := New(store, testLogger()).PublishTree(context.Background(), root, filepath.Join(root, "build"), "F")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := store.keys()
	want := []string{"F/build/static/app.css", "F/build/x.js"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected keys %v, want %v", got, want)
	}
	if report.Skipped != 2 || report.Transferred != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestPublishTreeMissingDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := New(newMemoryStore(), testLogger()).PublishTree(context.Background(), root, filepath.Join(root, "build"), "F")
	if err == nil {
		t.Fatalf("expected error when build directory is absent")
	}
}

func TestPublishTreeCountsFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "build", "a.js"), "a")
	writeFile(t, filepath.Join(root, "build", "b.js"), "b")
	store := newMemoryStore()
	store.failKeys["F/build/b.js"] = true

	report, err := New(store, testLogger()).PublishTree(context.Background(), root, filepath.Join(root, "build"), "F/")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if report.Transferred != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if keys := store.keys(); len(keys) != 1 || keys[0] != "F/build/a.js" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestTransferConcurrencyIsBounded(t *testing.T) {
	store := newMemoryStore()
	store.delay = 20 * time.Millisecond
	for i := 0; i < 12; i++ {
		store.objects[fmt.Sprintf("F/file-%02d.txt", i)] = []byte("x")
	}

	report, err := New(store, testLogger(), WithConcurrency(3)).FetchPrefix(context.Background(), "F/", t.TempDir())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if report.Transferred != 12 {
		t.Fatalf("expected 12 downloads, got %+v", report)
	}
	if max := store.maxActive.Load(); max > 3 {
		t.Fatalf("expected at most 3 concurrent downloads, saw %d", max)
	}
}

func TestObjectKey(t *testing.T) {
	cases := []struct{ prefix, rel, want string }{
		{"F", filepath.Join("build", "x.js"), "F/build/x.js"},
		{"F/", "index.html", "F/index.html"},
		{"", filepath.Join("a", "b"), "a/b"},
	}
	for _, tc := range cases {
		if got := ObjectKey(tc.prefix, tc.rel); got != tc.want {
			t.Fatalf("ObjectKey(%q, %q) = %q, want %q", tc.prefix, tc.rel, got, tc.want)
		}
	}
}
