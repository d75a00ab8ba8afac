// Package watcher feeds a directory into the ingestion pipeline. New and
// modified files with a supported extension are uploaded and submitted once
// writes have settled; a removed file deletes the document it produced.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/rag"
)

// Ingester is the subset of the pipeline the watcher drives.
type Ingester interface {
	Accept(ctx context.Context, up ingestion.Upload) (*rag.Document, error)
	Submit(ctx context.Context, docID string) error
	Delete(ctx context.Context, docID string) error
}

// Config holds the watcher settings.
type Config struct {
	// Dir is the directory to watch. Subdirectories are not followed.
	Dir string

	// Extensions lists lower-case extensions to pick up, including the dot.
	Extensions []string

	// Debounce is how long a file must stay quiet before it is ingested.
	Debounce time.Duration

	// ScanExisting ingests files already present when Run starts.
	ScanExisting bool

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".pdf", ".docx", ".txt", ".md", ".markdown"}
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher watches one directory. Call Run once.
type Watcher struct {
	ing Ingester
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	docs   map[string]string // path → document id
}

// New validates cfg and returns a Watcher.
func New(ing Ingester, cfg Config) (*Watcher, error) {
	if ing == nil {
		return nil, fmt.Errorf("watcher: ingester must not be nil")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watcher: %s is not a directory: %w", cfg.Dir, rag.ErrInvalidInput)
	}
	cfg.withDefaults()
	return &Watcher{
		ing:    ing,
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("dir", cfg.Dir)),
		timers: make(map[string]*time.Timer),
		docs:   make(map[string]string),
	}, nil
}

// Run watches until ctx is cancelled. Files are processed one at a time in
// the order their debounce timers fire.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.cfg.Dir, err)
	}

	ready := make(chan string, 64)
	defer w.stopTimers()

	if w.cfg.ScanExisting {
		entries, err := os.ReadDir(w.cfg.Dir)
		if err != nil {
			return fmt.Errorf("watcher: scan %s: %w", w.cfg.Dir, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && w.watched(e.Name()) {
				w.schedule(ctx, filepath.Join(w.cfg.Dir, e.Name()), ready)
			}
		}
	}

	w.log.Info("watcher: started", slog.Any("extensions", w.cfg.Extensions))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.watched(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.schedule(ctx, ev.Name, ready)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.cancel(ev.Name)
				w.remove(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher: fsnotify error", slog.String("error", err.Error()))
		case path := <-ready:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) watched(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.cfg.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// process uploads path as a new document, replacing the document an earlier
// version of the file produced, and submits it for ingestion.
func (w *Watcher) process(ctx context.Context, path string) {
	log := w.log.With(slog.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("watcher: read failed", slog.String("error", err.Error()))
		}
		return
	}
	if len(data) == 0 {
		return
	}

	w.remove(ctx, path)

	doc, err := w.ing.Accept(ctx, ingestion.Upload{
		Filename: filepath.Base(path),
		Data:     data,
		Metadata: map[string]string{"source_path": path},
	})
	if err != nil {
		log.Warn("watcher: upload rejected", slog.String("kind", rag.Kind(err)), slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.docs[path] = doc.ID
	w.mu.Unlock()

	if err := w.ing.Submit(ctx, doc.ID); err != nil {
		log.Warn("watcher: submit failed",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Info("watcher: submitted", slog.String("document_id", doc.ID))
}

// remove deletes the document produced by path, if any.
func (w *Watcher) remove(ctx context.Context, path string) {
	w.mu.Lock()
	id, ok := w.docs[path]
	delete(w.docs, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.ing.Delete(ctx, id); err != nil && !errors.Is(err, rag.ErrNotFound) {
		w.log.Warn("watcher: delete failed",
			slog.String("path", path),
			slog.String("document_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Document returns the id of the document produced by path.
func (w *Watcher) Document(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.docs[path]
	return id, ok
}
