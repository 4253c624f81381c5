// Package speculative implements optimistic local writes with rollback.
//
// A caller begins a [Token] before applying a mutation to the store. The
// token holds a deep copy of the store taken before the mutation and keeps the
// sync gate closed until it settles. When the remote write succeeds the token
// is confirmed: canonical rows are written as synced and temporary ids are
// replaced by server ids everywhere. When it fails the token is rolled back:
// the store is restored to the captured copy.
//
// [Runner] drives tokens from a FIFO queue of remote operations with bounded
// retries and persists the queue in a journal.
package speculative

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/syncer"
	"github.com/maruel/corates/internal/tablestore"
)

// ErrSettled is returned when confirming or rolling back a token twice.
var ErrSettled = errors.New("speculative: token already settled")

// ErrSuperseded is returned for work whose token was rolled back by the
// rollback of an earlier token.
var ErrSuperseded = errors.New("speculative: superseded by an earlier rollback")

// State is the lifecycle state of a token.
type State int

const (
	// Pending tokens wait for their remote write.
	Pending State = iota
	// Confirmed tokens had their remote write accepted.
	Confirmed
	// RolledBack tokens were restored to their snapshot or cancelled.
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Token is one speculative write.
type Token struct {
	id   uint64
	done chan struct{}

	// Guarded by Manager.mu.
	snap       tablestore.Snapshot
	state      State
	superseded bool
}

// ID returns the token number, increasing in Begin order.
func (t *Token) ID() uint64 { return t.id }

// Done is closed once the token settles.
func (t *Token) Done() <-chan struct{} { return t.done }

// Write pairs the row sent to the remote with the row it returned.
type Write struct {
	Sent      models.Row
	Canonical models.Row
}

// Result is what a successful remote write produced.
type Result struct {
	Writes []Write
	// Remaps maps temporary ids to server ids.
	Remaps map[string]string
}

// Manager tracks pending tokens and settles them against a store.
type Manager struct {
	store *tablestore.Store
	gate  *syncer.Gate

	mu      sync.Mutex
	nextID  uint64
	pending []*Token
	onRemap []RemapFunc
}

// RemapFunc is called when a temporary id of a row of table is replaced. It
// runs inside the store transaction and must not call back into the store.
type RemapFunc func(table models.TableName, oldID, newID string)

// NewManager returns a Manager for store. Pending tokens keep gate closed.
func NewManager(store *tablestore.Store, gate *syncer.Gate) *Manager {
	return &Manager{store: store, gate: gate}
}

// Begin captures the store and closes the gate until the token settles.
//
// The gate is entered before the capture so no reconciliation pass can commit
// between the two.
func (m *Manager) Begin() *Token {
	m.gate.Enter()
	snap := m.store.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &Token{id: m.nextID, done: make(chan struct{}), snap: snap}
	m.pending = append(m.pending, t)
	return t
}

// OnRemap registers fn for every id replaced by Confirm.
func (m *Manager) OnRemap(fn RemapFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemap = append(m.onRemap, fn)
}

// State returns the token state.
func (m *Manager) State(t *Token) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.state
}

// Superseded reports whether t was rolled back by an earlier token.
func (m *Manager) Superseded(t *Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.superseded
}

// Pending returns the number of unsettled tokens.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Confirm settles t with the outcome of its remote write.
//
// In one transaction, every temporary id of res.Remaps is replaced in all rows
// and keys, then each canonical row is stored as synced if the local row still
// holds what was sent. A local row edited again in the meantime stays pending;
// a row deleted in the meantime is not recreated. The snapshots of other
// pending tokens are patched the same way so a later rollback keeps the
// confirmed rows.
func (m *Manager) Confirm(t *Token, res Result) error {
	m.mu.Lock()
	i := slices.Index(m.pending, t)
	if i < 0 || t.state != Pending {
		m.mu.Unlock()
		return ErrSettled
	}
	err := m.store.Transaction(func(tx *tablestore.Tx) error {
		for oldID, newID := range res.Remaps {
			table, err := remapTx(tx, oldID, newID)
			if err != nil {
				return err
			}
			if table != "" {
				for _, fn := range m.onRemap {
					fn(table, oldID, newID)
				}
			}
		}
		for _, w := range res.Writes {
			sent := remapRow(w.Sent, res.Remaps)
			cur, ok := tx.GetRow(sent.Table(), sent.Key())
			if !ok || !sameValues(cur, sent) {
				continue
			}
			if sent.Key() != w.Canonical.Key() {
				if _, err := tx.DelRow(sent.Table(), sent.Key()); err != nil {
					return err
				}
			}
			if err := tx.SetRow(w.Canonical.WithStatus(models.StatusSynced)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("speculative: confirm token %d: %w", t.id, err)
	}
	m.pending = slices.Delete(m.pending, i, i+1)
	for _, o := range m.pending {
		o.snap = patchSnapshot(o.snap, res)
	}
	t.state = Confirmed
	t.snap = nil
	close(t.done)
	m.mu.Unlock()
	m.gate.Leave()
	return nil
}

// Rollback restores the store to the state captured by Begin.
//
// Tokens begun after t are superseded: their writes vanished with the restore,
// so they settle as rolled back too. The gate is left once per settled token.
func (m *Manager) Rollback(t *Token) error {
	m.mu.Lock()
	i := slices.Index(m.pending, t)
	if i < 0 || t.state != Pending {
		m.mu.Unlock()
		return ErrSettled
	}
	if err := m.store.SetSnapshot(t.snap); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("speculative: rollback token %d: %w", t.id, err)
	}
	settled := slices.Clone(m.pending[i:])
	m.pending = m.pending[:i]
	for j, o := range settled {
		o.state = RolledBack
		o.superseded = j != 0
		o.snap = nil
		close(o.done)
	}
	m.mu.Unlock()
	if len(settled) > 1 {
		slog.Info("speculative: rollback superseded later writes", "token", t.id, "superseded", len(settled)-1)
	}
	for range settled {
		m.gate.Leave()
	}
	return nil
}

// Cancel settles t without touching the store. It is used when the local
// mutation failed before writing anything.
func (m *Manager) Cancel(t *Token) error {
	m.mu.Lock()
	i := slices.Index(m.pending, t)
	if i < 0 || t.state != Pending {
		m.mu.Unlock()
		return ErrSettled
	}
	m.pending = slices.Delete(m.pending, i, i+1)
	t.state = RolledBack
	t.snap = nil
	close(t.done)
	m.mu.Unlock()
	m.gate.Leave()
	return nil
}

// remapTx replaces oldID in every row. It returns the table of the row whose
// own id was oldID, if any.
func remapTx(tx *tablestore.Tx, oldID, newID string) (models.TableName, error) {
	var owner models.TableName
	for table, rows := range tx.Snapshot() {
		for key, row := range rows {
			r, ok := row.RemapID(oldID, newID)
			if !ok {
				continue
			}
			if key == oldID {
				owner = table
			}
			if r.Key() != key {
				if _, err := tx.DelRow(table, key); err != nil {
					return "", err
				}
			}
			if err := tx.SetRow(r); err != nil {
				return "", err
			}
		}
	}
	return owner, nil
}

func remapRow(row models.Row, remaps map[string]string) models.Row {
	for oldID, newID := range remaps {
		if r, ok := row.RemapID(oldID, newID); ok {
			row = r
		}
	}
	return row
}

// sameValues compares rows ignoring their sync status.
func sameValues(a, b models.Row) bool {
	return models.RowsEqual(a.WithStatus(models.StatusSynced), b.WithStatus(models.StatusSynced))
}

func patchSnapshot(snap tablestore.Snapshot, res Result) tablestore.Snapshot {
	if len(res.Remaps) != 0 {
		out := make(tablestore.Snapshot, len(snap))
		for table, rows := range snap {
			m := make(map[string]models.Row, len(rows))
			for _, row := range rows {
				row = remapRow(row, res.Remaps)
				m[row.Key()] = row
			}
			out[table] = m
		}
		snap = out
	}
	for _, w := range res.Writes {
		sent := remapRow(w.Sent, res.Remaps)
		rows := snap[sent.Table()]
		cur, ok := rows[sent.Key()]
		if !ok || !sameValues(cur, sent) {
			continue
		}
		delete(rows, sent.Key())
		rows[w.Canonical.Key()] = w.Canonical.WithStatus(models.StatusSynced)
	}
	return snap
}
