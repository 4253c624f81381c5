// Package tablestore provides the normalized, reactive, in-memory table store.
//
// # Overview
//
// [Store] holds one keyed table per [models.TableName]. Rows are value types
// implementing [models.Row], so every row returned by the store is a copy and
// a [Snapshot] is a deep copy of the whole store.
//
// # Transactions
//
// All writes go through [Store.Transaction]; [Store.SetRow] and
// [Store.DelRow] are single write transactions. A transaction holds the store
// lock while its function runs. When the function returns an error every write
// is undone. Listeners fire after the lock is released, at most once per
// changed table, and never for a transaction that aborted or changed nothing.
//
// # Persistence
//
// [Persister] serializes the store as a JSON object of tables to objects of
// rows keyed by row key, and reloads it when another process rewrites the file.
package tablestore

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/maruel/corates/internal/models"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("tablestore: store is closed")

// Snapshot is a deep copy of every table.
type Snapshot map[models.TableName]map[string]models.Row

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for t, rows := range s {
		out[t] = maps.Clone(rows)
		if out[t] == nil {
			out[t] = map[string]models.Row{}
		}
	}
	return out
}

// Equal reports whether both snapshots hold the same rows.
func (s Snapshot) Equal(o Snapshot) bool {
	for _, t := range unionTables(s, o) {
		if !maps.Equal(s[t], o[t]) {
			return false
		}
	}
	return true
}

// Count returns the total number of rows.
func (s Snapshot) Count() int {
	n := 0
	for _, rows := range s {
		n += len(rows)
	}
	return n
}

func unionTables(a, b Snapshot) []models.TableName {
	seen := map[models.TableName]struct{}{}
	for t := range a {
		seen[t] = struct{}{}
	}
	for t := range b {
		seen[t] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Reader is implemented by Store and Tx.
type Reader interface {
	GetRow(table models.TableName, key string) (models.Row, bool)
	Table(table models.TableName) map[string]models.Row
	Rows(table models.TableName) []models.Row
}

// TableListener is called after a transaction changed the table.
type TableListener func(table models.TableName)

// StoreListener is called once after a transaction with every changed table.
type StoreListener func(changed []models.TableName)

// Option configures a Store.
type Option func(*Store)

// WithStrict rejects unknown columns in DecodeRow instead of dropping them.
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// Store is the normalized table store. It is safe for concurrent use.
type Store struct {
	schema Schema
	strict bool

	mu       sync.Mutex
	tables   map[models.TableName]map[string]models.Row
	versions map[models.TableName]uint64
	closed   bool

	lmu            sync.Mutex
	nextID         int
	tableListeners map[models.TableName]map[int]TableListener
	storeListeners map[int]StoreListener
}

// New returns an empty store ready for use.
func New(schema Schema, opts ...Option) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		schema:         schema,
		tables:         map[models.TableName]map[string]models.Row{},
		versions:       map[models.TableName]uint64{},
		tableListeners: map[models.TableName]map[int]TableListener{},
		storeListeners: map[int]StoreListener{},
	}
	for name := range schema {
		s.tables[name] = map[string]models.Row{}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close tears down the store. Listeners are dropped and writes fail with
// ErrClosed. Reads keep working.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.lmu.Lock()
	clear(s.tableListeners)
	clear(s.storeListeners)
	s.lmu.Unlock()
	return nil
}

// Schema returns the table schemas.
func (s *Store) Schema() Schema {
	return s.schema
}

// Strict reports whether unknown columns are rejected.
func (s *Store) Strict() bool {
	return s.strict
}

// DecodeRow converts a wire row into a typed row using the store's schema.
func (s *Store) DecodeRow(table models.TableName, data map[string]any) (models.Row, error) {
	ts, ok := s.schema[table]
	if !ok {
		return nil, models.Validation(table, "unknown table")
	}
	return DecodeRow(ts, data, s.strict)
}

// GetRow returns the row, if present.
func (s *Store) GetRow(table models.TableName, key string) (models.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[table][key]
	return r, ok
}

// Table returns a copy of the table keyed by row key.
func (s *Store) Table(table models.TableName) map[string]models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTable(s.tables[table])
}

// Rows returns the rows of the table sorted by key.
func (s *Store) Rows(table models.TableName) []models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRows(s.tables[table])
}

// Version returns a counter incremented by every transaction that changed the
// table.
func (s *Store) Version(table models.TableName) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[table]
}

// Snapshot returns a deep copy of all tables.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.tables)
}

// SetRow inserts or replaces the row under its own table and key.
func (s *Store) SetRow(row models.Row) error {
	return s.Transaction(func(tx *Tx) error { return tx.SetRow(row) })
}

// DelRow deletes the row. It returns false if the row was absent.
func (s *Store) DelRow(table models.TableName, key string) (bool, error) {
	var found bool
	err := s.Transaction(func(tx *Tx) error {
		var err error
		found, err = tx.DelRow(table, key)
		return err
	})
	return found, err
}

// SetSnapshot atomically replaces the content of every table.
//
// Every row is validated before anything is written; on error the store is
// left untouched. Tables absent from snap are emptied.
func (s *Store) SetSnapshot(snap Snapshot) error {
	for table, rows := range snap {
		if _, ok := s.schema[table]; !ok {
			return models.Validation(table, "unknown table")
		}
		for key, row := range rows {
			if err := checkRow(row); err != nil {
				return err
			}
			if row.Table() != table || row.Key() != key {
				return models.Validation(table, fmt.Sprintf("row %q stored under %s/%q", row.Key(), row.Table(), key))
			}
		}
	}
	return s.Transaction(func(tx *Tx) error {
		for table := range s.schema {
			want := snap[table]
			for key := range tx.s.tables[table] {
				if _, ok := want[key]; !ok {
					tx.del(table, key)
				}
			}
			for _, row := range want {
				tx.set(row)
			}
		}
		return nil
	})
}

// Transaction runs fn with exclusive access to the store.
//
// If fn returns an error, every write made through tx is undone and the error
// is returned. Listeners are notified once fn returned successfully. fn must
// not call back into Store methods; use tx instead.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tx := &Tx{s: s, changed: map[models.TableName]struct{}{}}
	err := fn(tx)
	tx.done = true
	if err != nil {
		tx.rollback()
		s.mu.Unlock()
		return err
	}
	// Undo entries may cancel each other, e.g. set then delete of a new row.
	changed := tx.netChanged()
	for _, t := range changed {
		s.versions[t]++
	}
	s.mu.Unlock()
	s.notify(changed)
	return nil
}

// AddTableListener registers fn for changes of table. The returned function
// removes it.
func (s *Store) AddTableListener(table models.TableName, fn TableListener) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextID
	s.nextID++
	if s.tableListeners[table] == nil {
		s.tableListeners[table] = map[int]TableListener{}
	}
	s.tableListeners[table][id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.tableListeners[table], id)
	}
}

// AddStoreListener registers fn for every committed change. The returned
// function removes it.
func (s *Store) AddStoreListener(fn StoreListener) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextID
	s.nextID++
	s.storeListeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.storeListeners, id)
	}
}

func (s *Store) notify(changed []models.TableName) {
	if len(changed) == 0 {
		return
	}
	type call struct {
		id int
		fn func()
	}
	var calls []call
	s.lmu.Lock()
	for _, t := range changed {
		for id, fn := range s.tableListeners[t] {
			calls = append(calls, call{id, func() { fn(t) }})
		}
	}
	var storeCalls []call
	for id, fn := range s.storeListeners {
		storeCalls = append(storeCalls, call{id, func() { fn(slices.Clone(changed)) }})
	}
	s.lmu.Unlock()
	// Registration order.
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	sort.Slice(storeCalls, func(i, j int) bool { return storeCalls[i].id < storeCalls[j].id })
	for _, c := range calls {
		c.fn()
	}
	for _, c := range storeCalls {
		c.fn()
	}
}

// Tx is a write transaction. It is only valid inside the function passed to
// Store.Transaction.
type Tx struct {
	s       *Store
	undo    []undoEntry
	changed map[models.TableName]struct{}
	done    bool
}

type undoEntry struct {
	table models.TableName
	key   string
	prev  models.Row
	had   bool
}

// GetRow returns the row, if present.
func (tx *Tx) GetRow(table models.TableName, key string) (models.Row, bool) {
	r, ok := tx.s.tables[table][key]
	return r, ok
}

// Table returns a copy of the table keyed by row key.
func (tx *Tx) Table(table models.TableName) map[string]models.Row {
	return cloneTable(tx.s.tables[table])
}

// Rows returns the rows of the table sorted by key.
func (tx *Tx) Rows(table models.TableName) []models.Row {
	return sortedRows(tx.s.tables[table])
}

// Snapshot returns a deep copy of all tables as seen by the transaction.
func (tx *Tx) Snapshot() Snapshot {
	return snapshotOf(tx.s.tables)
}

// SetRow inserts or replaces the row. An identical row is not rewritten.
func (tx *Tx) SetRow(row models.Row) error {
	if tx.done {
		return errors.New("tablestore: transaction already finished")
	}
	if err := checkRow(row); err != nil {
		return err
	}
	if _, ok := tx.s.schema[row.Table()]; !ok {
		return models.Validation(row.Table(), "unknown table")
	}
	tx.set(row)
	return nil
}

// DelRow deletes the row. It returns false if the row was absent.
func (tx *Tx) DelRow(table models.TableName, key string) (bool, error) {
	if tx.done {
		return false, errors.New("tablestore: transaction already finished")
	}
	if _, ok := tx.s.schema[table]; !ok {
		return false, models.Validation(table, "unknown table")
	}
	return tx.del(table, key), nil
}

func (tx *Tx) set(row models.Row) {
	t, k := row.Table(), row.Key()
	prev, had := tx.s.tables[t][k]
	if had && models.RowsEqual(prev, row) {
		return
	}
	tx.undo = append(tx.undo, undoEntry{table: t, key: k, prev: prev, had: had})
	tx.s.tables[t][k] = row
	tx.changed[t] = struct{}{}
}

func (tx *Tx) del(table models.TableName, key string) bool {
	prev, had := tx.s.tables[table][key]
	if !had {
		return false
	}
	tx.undo = append(tx.undo, undoEntry{table: table, key: key, prev: prev, had: true})
	delete(tx.s.tables[table], key)
	tx.changed[table] = struct{}{}
	return true
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		if u.had {
			tx.s.tables[u.table][u.key] = u.prev
		} else {
			delete(tx.s.tables[u.table], u.key)
		}
	}
	tx.undo = nil
}

// netChanged returns the tables whose content differs from before the
// transaction, sorted in models.Tables order.
func (tx *Tx) netChanged() []models.TableName {
	// The first undo entry of a key holds its state before the transaction.
	type tk struct {
		t models.TableName
		k string
	}
	first := map[tk]undoEntry{}
	for _, u := range tx.undo {
		if _, ok := first[tk{u.table, u.key}]; !ok {
			first[tk{u.table, u.key}] = u
		}
	}
	diff := map[models.TableName]bool{}
	for key, u := range first {
		if diff[key.t] {
			continue
		}
		cur, has := tx.s.tables[key.t][key.k]
		if has != u.had || (has && !models.RowsEqual(cur, u.prev)) {
			diff[key.t] = true
		}
	}
	var out []models.TableName
	for _, t := range models.Tables {
		if diff[t] {
			out = append(out, t)
			delete(diff, t)
		}
	}
	// Tables outside models.Tables, for custom schemas.
	out = append(out, slices.Sorted(maps.Keys(diff))...)
	return out
}

func checkRow(row models.Row) error {
	if row == nil {
		return models.Validation("", "nil row")
	}
	if err := row.Validate(); err != nil {
		return err
	}
	if err := row.Status().Validate(); err != nil {
		return models.Validation(row.Table(), err.Error())
	}
	return nil
}

func cloneTable(m map[string]models.Row) map[string]models.Row {
	out := maps.Clone(m)
	if out == nil {
		out = map[string]models.Row{}
	}
	return out
}

func sortedRows(m map[string]models.Row) []models.Row {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]models.Row, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func snapshotOf(tables map[models.TableName]map[string]models.Row) Snapshot {
	out := make(Snapshot, len(tables))
	for t, rows := range tables {
		out[t] = cloneTable(rows)
	}
	return out
}

// Get returns the row as its concrete type.
func Get[T models.Row](r Reader, table models.TableName, key string) (T, bool) {
	row, ok := r.GetRow(table, key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := row.(T)
	return v, ok
}

// All returns every row of the table as its concrete type, sorted by key.
func All[T models.Row](r Reader, table models.TableName) []T {
	rows := r.Rows(table)
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if v, ok := row.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
