// Package localcache stores standalone documents outside the normalized store.
//
// Documents live in buckets keyed by id. Writes replace the whole document;
// there is no partial update. The backing store is a SQLite database so the
// cache survives restarts and can be shared between processes.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Bucket names a document collection.
type Bucket string

const (
	BucketProjects   Bucket = "projects"
	BucketChecklists Bucket = "checklists"
)

// Buckets lists every bucket.
var Buckets = []Bucket{BucketProjects, BucketChecklists}

// Validate returns an error for unknown buckets.
func (b Bucket) Validate() error {
	for _, k := range Buckets {
		if b == k {
			return nil
		}
	}
	return fmt.Errorf("unknown bucket %q", string(b))
}

// Document is one stored document.
type Document struct {
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// ChangeFunc is called after a write with the bucket and id that changed. id
// is empty when the whole bucket was cleared.
type ChangeFunc func(bucket Bucket, id string)

// Cache is a SQLite backed document store.
type Cache struct {
	db *sql.DB

	mu        sync.Mutex
	nextID    int
	listeners map[int]ChangeFunc
}

// Open opens or creates the cache database at path.
func Open(ctx context.Context, path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	for _, b := range Buckets {
		q := `CREATE TABLE IF NOT EXISTS ` + string(b) + ` (
	id TEXT NOT NULL PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bucket %s: %w", b, err)
		}
	}
	return &Cache{db: db, listeners: map[int]ChangeFunc{}}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores doc under id, replacing any previous document.
func (c *Cache) Put(ctx context.Context, bucket Bucket, id string, doc any) error {
	if err := bucket.Validate(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("document id is required")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", bucket, id, err)
	}
	q := `INSERT OR REPLACE INTO ` + string(bucket) + ` (id, data, updated_at) VALUES (?, ?, ?)`
	if _, err := c.db.ExecContext(ctx, q, id, string(b), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, id, err)
	}
	c.notify(bucket, id)
	return nil
}

// Get decodes the document stored under id into out. It returns false if
// there is none.
func (c *Cache) Get(ctx context.Context, bucket Bucket, id string, out any) (bool, error) {
	if err := bucket.Validate(); err != nil {
		return false, err
	}
	var data string
	err := c.db.QueryRowContext(ctx, `SELECT data FROM `+string(bucket)+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", bucket, id, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, id, err)
	}
	return true, nil
}

// All returns every document of bucket, sorted by id.
func (c *Cache) All(ctx context.Context, bucket Bucket) ([]Document, error) {
	if err := bucket.Validate(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, data, updated_at FROM `+string(bucket)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("localcache: failed to close rows", "err", err)
		}
	}()
	var out []Document
	for rows.Next() {
		var d Document
		var data string
		var ms int64
		if err := rows.Scan(&d.ID, &data, &ms); err != nil {
			return nil, fmt.Errorf("scan %s: %w", bucket, err)
		}
		d.Data = json.RawMessage(data)
		d.UpdatedAt = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes the document. It returns false if there was none.
func (c *Cache) Delete(ctx context.Context, bucket Bucket, id string) (bool, error) {
	if err := bucket.Validate(); err != nil {
		return false, err
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM `+string(bucket)+` WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", bucket, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	c.notify(bucket, id)
	return true, nil
}

// Clear removes every document of bucket.
func (c *Cache) Clear(ctx context.Context, bucket Bucket) error {
	if err := bucket.Validate(); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM `+string(bucket)); err != nil {
		return fmt.Errorf("clear %s: %w", bucket, err)
	}
	c.notify(bucket, "")
	return nil
}

// OnChange registers fn for every write. The returned function removes it.
func (c *Cache) OnChange(fn ChangeFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Cache) notify(bucket Bucket, id string) {
	c.mu.Lock()
	fns := make([]ChangeFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(bucket, id)
	}
}
