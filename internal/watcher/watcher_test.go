package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/rag"
)

type fakeIngester struct {
	mu        sync.Mutex
	accepted  []ingestion.Upload
	submitted []string
	deleted   []string
	acceptErr error
	seq       int
	notify    chan string
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{notify: make(chan string, 16)}
}

func (f *fakeIngester) Accept(_ context.Context, up ingestion.Upload) (*rag.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.seq++
	f.accepted = append(f.accepted, up)
	return &rag.Document{ID: "doc-" + string(rune('0'+f.seq)), Filename: up.Filename}, nil
}

func (f *fakeIngester) Submit(_ context.Context, id string) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, id)
	f.mu.Unlock()
	f.notify <- id
	return nil
}

func (f *fakeIngester) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIngester) snapshot() (accepted []ingestion.Upload, submitted, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingestion.Upload(nil), f.accepted...),
		append([]string(nil), f.submitted...),
		append([]string(nil), f.deleted...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, ing Ingester, scan bool) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(ing, Config{Dir: dir, Debounce: 50 * time.Millisecond, ScanExisting: scan, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, dir
}

func waitSubmitted(t *testing.T, f *fakeIngester) string {
	t.Helper()
	select {
	case id := <-f.notify:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submit")
		return ""
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := New(nil, Config{Dir: dir}); err == nil {
		t.Error("nil ingester: expected error")
	}
	if _, err := New(newFakeIngester(), Config{Dir: filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing dir: expected error")
	}
	if _, err := New(newFakeIngester(), Config{Dir: file}); err == nil {
		t.Error("file as dir: expected error")
	}
}

func TestWatched(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatcher(t, newFakeIngester(), false)
	tests := []struct {
		name string
		want bool
	}{
		{"report.pdf", true},
		{"REPORT.PDF", true},
		{"notes.md", true},
		{"memo.docx", true},
		{"plain.txt", true},
		{"image.png", false},
		{".hidden.txt", false},
		{"noext", false},
	}
	for _, tc := range tests {
		if got := w.watched(tc.name); got != tc.want {
			t.Errorf("watched(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestProcess_AcceptsAndSubmits(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	w, dir := newTestWatcher(t, ing, false)
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("refund policy"), 0o600); err != nil {
		t.Fatal(err)
	}

	w.process(context.Background(), path)

	accepted, submitted, _ := ing.snapshot()
	if len(accepted) != 1 || accepted[0].Filename != "notes.txt" {
		t.Fatalf("accepted = %+v", accepted)
	}
	if accepted[0].Metadata["source_path"] != path {
		t.Errorf("source_path = %q", accepted[0].Metadata["source_path"])
	}
	if len(submitted) != 1 {
		t.Fatalf("submitted = %v", submitted)
	}
	if id, ok := w.Document(path); !ok || id != submitted[0] {
		t.Errorf("Document(%s) = %q, %v", path, id, ok)
	}
}

func TestProcess_ReplacesPreviousVersion(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	w, dir := newTestWatcher(t, ing, false)
	path := filepath.Join(dir, "notes.txt")
	ctx := context.Background()

	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.process(ctx, path)
	first, _ := w.Document(path)

	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.process(ctx, path)

	_, submitted, deleted := ing.snapshot()
	if len(submitted) != 2 {
		t.Fatalf("submitted = %v", submitted)
	}
	if len(deleted) != 1 || deleted[0] != first {
		t.Errorf("deleted = %v, want [%s]", deleted, first)
	}
}

func TestProcess_SkipsEmptyAndMissing(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	w, dir := newTestWatcher(t, ing, false)
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	w.process(context.Background(), empty)
	w.process(context.Background(), filepath.Join(dir, "gone.txt"))

	if accepted, _, _ := ing.snapshot(); len(accepted) != 0 {
		t.Errorf("accepted = %+v, want none", accepted)
	}
}

func TestProcess_RejectedUploadNotTracked(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	ing.acceptErr = rag.ErrTooLarge
	w, dir := newTestWatcher(t, ing, false)
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	w.process(context.Background(), path)

	if _, ok := w.Document(path); ok {
		t.Error("rejected upload should not be tracked")
	}
	if _, submitted, _ := ing.snapshot(); len(submitted) != 0 {
		t.Errorf("submitted = %v", submitted)
	}
}

func TestRun_IngestsNewFile(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	w, dir := newTestWatcher(t, ing, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watch time to register before writing.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "policy.md")
	if err := os.WriteFile(path, []byte("# Refunds\nwithin 30 days"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.png"), []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}

	waitSubmitted(t, ing)

	// Debounce coalesces the create and write events into one upload.
	time.Sleep(200 * time.Millisecond)
	accepted, _, _ := ing.snapshot()
	if len(accepted) != 1 || accepted[0].Filename != "policy.md" {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestRun_ScanExisting(t *testing.T) {
	t.Parallel()

	ing := newFakeIngester()
	w, dir := newTestWatcher(t, ing, true)
	if err := os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitSubmitted(t, ing)
	if _, ok := w.Document(filepath.Join(dir, "existing.txt")); !ok {
		t.Error("existing file not tracked")
	}
}
