// Package jsonldb provides a small, concurrent-safe table stored as JSON Lines.
//
// Each line of the file is one row. The whole table is cached in memory;
// Append writes one line, every other mutation rewrites the file atomically.
// Rows are sorted by ID on load, which handles manual edits and clock drift
// between processes.
package jsonldb

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/ksid"
)

// Row is implemented by the row type of a Table.
type Row[T any] interface {
	Clone() T
	GetID() ksid.ID
	Validate() error
}

// Table handles storage and in-memory caching for one JSONL file.
type Table[T Row[T]] struct {
	path string
	mu   sync.RWMutex
	rows []T
}

// NewTable creates a Table and loads all rows from the file, if present.
func NewTable[T Row[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &Table[T]{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.rows = nil
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()

	var rows []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(b, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row %d in %s: %w", line, t.path, err)
		}
		if err := row.Validate(); err != nil {
			return fmt.Errorf("invalid row %d in %s: %w", line, t.path, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	slices.SortStableFunc(rows, func(a, b T) int { return cmp.Compare(a.GetID(), b.GetID()) })
	t.rows = rows
	return nil
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// All returns an iterator over clones of all rows, in ID order.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		rows := make([]T, len(t.rows))
		for i, r := range t.rows {
			rows[i] = r.Clone()
		}
		t.mu.RUnlock()
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	}
}

// Append validates the row, adds it to the table and persists it.
func (t *Table[T]) Append(row T) error {
	if err := row.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	t.rows = append(t.rows, row.Clone())
	return nil
}

// Update replaces the row with the same ID and persists the table. It returns
// false if no row has that ID.
func (t *Table[T]) Update(row T) (bool, error) {
	if err := row.Validate(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.rows, func(r T) bool { return r.GetID() == row.GetID() })
	if i < 0 {
		return false, nil
	}
	rows := slices.Clone(t.rows)
	rows[i] = row.Clone()
	if err := t.write(rows); err != nil {
		return false, err
	}
	t.rows = rows
	return true, nil
}

// Delete removes the row with id and persists the table. It returns false if
// no row has that ID.
func (t *Table[T]) Delete(id ksid.ID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.rows, func(r T) bool { return r.GetID() == id })
	if i < 0 {
		return false, nil
	}
	rows := slices.Delete(slices.Clone(t.rows), i, i+1)
	if err := t.write(rows); err != nil {
		return false, err
	}
	t.rows = rows
	return true, nil
}

// write rewrites the file through a temporary file and a rename.
func (t *Table[T]) write(rows []T) error {
	f, err := os.CreateTemp(filepath.Dir(t.path), "."+filepath.Base(t.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	tmp := f.Name()
	writer := bufio.NewWriter(f)
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		_, _ = writer.Write(data)
		_ = writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close table file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename table file: %w", err)
	}
	return nil
}
