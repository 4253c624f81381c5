// Handles durable storage of the store as a single JSON file.

package tablestore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/corates/internal/models"
)

// Persister saves and loads a Store to a JSON file.
//
// The file holds {"table": {"key": row}}. Writes replace the file atomically
// so readers never observe a partial file.
type Persister struct {
	store *Store
	path  string
	gate  Gate

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	dirty    chan struct{}
	// retry is signaled when a deferred reload may run.
	retry chan struct{}
}

// Gate tells whether speculative writes are in flight. syncer.Gate implements
// it.
type Gate interface {
	IfOpen(fn func()) bool
	OnOpen(fn func()) func()
}

// NewPersister returns a Persister for store backed by path.
func NewPersister(store *Store, path string) *Persister {
	return &Persister{store: store, path: path, dirty: make(chan struct{}, 1), retry: make(chan struct{}, 1)}
}

// SetGate defers reloads from Watch while g is closed. The returned function
// detaches g.
func (p *Persister) SetGate(g Gate) func() {
	p.gate = g
	return g.OnOpen(func() {
		select {
		case p.retry <- struct{}{}:
		default:
		}
	})
}

// Path returns the file path.
func (p *Persister) Path() string {
	return p.path
}

// Load replaces the store content with the file content. A missing file is not
// an error and leaves the store untouched.
func (p *Persister) Load() error {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	return p.load(b)
}

func (p *Persister) load(b []byte) error {
	snap, err := p.decode(b)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.lastHash = sha256.Sum256(b)
	p.mu.Unlock()
	return p.store.SetSnapshot(snap)
}

func (p *Persister) decode(b []byte) (Snapshot, error) {
	var raw map[models.TableName]map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	snap := Snapshot{}
	for table, rows := range raw {
		ts, ok := p.store.schema[table]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", table)
		}
		snap[table] = make(map[string]models.Row, len(rows))
		for key, data := range rows {
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("%s/%s: %w", table, key, err)
			}
			row, err := DecodeRow(ts, m, true)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", table, key, err)
			}
			snap[table][key] = row
		}
	}
	return snap, nil
}

// Save writes the current store content.
func (p *Persister) Save() error {
	b, err := json.MarshalIndent(p.store.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	b = append(b, '\n')
	p.mu.Lock()
	defer p.mu.Unlock()
	h := sha256.Sum256(b)
	if h == p.lastHash {
		return nil
	}
	if err := writeFileAtomic(p.path, b); err != nil {
		return err
	}
	p.lastHash = h
	return nil
}

// AutoSave saves the store after every committed change until ctx is done.
//
// Changes committed while a save is running are coalesced into the next save.
// A final save runs before returning.
func (p *Persister) AutoSave(ctx context.Context) error {
	remove := p.store.AddStoreListener(func([]models.TableName) {
		select {
		case p.dirty <- struct{}{}:
		default:
		}
	})
	defer remove()
	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.dirty:
				return p.Save()
			default:
				return nil
			}
		case <-p.dirty:
			if err := p.Save(); err != nil {
				slog.ErrorContext(ctx, "tablestore: autosave failed", "path", p.path, "err", err)
			}
		}
	}
}

// Watch merges the file into the store when another process rewrites it,
// until ctx is done. Writes made by this Persister are recognized by content
// hash and ignored. Pending local rows survive a reload, and with a gate set
// reloads wait until no speculative write is in flight.
func (p *Persister) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Atomic renames replace the inode, so watch the directory.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	want := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != want || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			p.reload(ctx)
		case <-p.retry:
			p.reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "tablestore: error watching file", "path", p.path, "err", err)
		}
	}
}

func (p *Persister) reload(ctx context.Context) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "tablestore: failed to read file", "path", p.path, "err", err)
		}
		return
	}
	p.mu.Lock()
	same := sha256.Sum256(b) == p.lastHash
	p.mu.Unlock()
	if same {
		return
	}
	snap, err := p.decode(b)
	if err != nil {
		// Likely a partial write by a non-atomic writer; the next event retries.
		slog.WarnContext(ctx, "tablestore: failed to reload file", "path", p.path, "err", err)
		return
	}
	merge := func() { err = p.merge(snap) }
	if p.gate == nil {
		merge()
	} else if !p.gate.IfOpen(merge) {
		slog.InfoContext(ctx, "tablestore: reload deferred until local writes settle", "path", p.path)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "tablestore: failed to reload file", "path", p.path, "err", err)
		return
	}
	p.mu.Lock()
	p.lastHash = sha256.Sum256(b)
	p.mu.Unlock()
	slog.InfoContext(ctx, "tablestore: reloaded from disk", "path", p.path)
}

// merge applies snap in one transaction. Pending local rows are kept as they
// are; synced rows missing from snap are deleted.
func (p *Persister) merge(snap Snapshot) error {
	return p.store.Transaction(func(tx *Tx) error {
		for table := range p.store.schema {
			file := snap[table]
			for key, row := range tx.Table(table) {
				if _, ok := file[key]; ok || row.Status().IsPending() {
					continue
				}
				if _, err := tx.DelRow(table, key); err != nil {
					return err
				}
			}
			for key, row := range file {
				if cur, ok := tx.GetRow(table, key); ok && cur.Status().IsPending() {
					continue
				}
				if err := tx.SetRow(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
