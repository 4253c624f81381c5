// Handles the merge of authoritative rows into the local tables.

package syncer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	// Upserted rows were inserted or overwritten with the authoritative value.
	Upserted int
	// Evicted synced rows were absent upstream and deleted.
	Evicted int
	// Protected local-only or unsynced rows were left untouched.
	Protected int
	// Unchanged rows already matched the authoritative value.
	Unchanged int
	// Skipped tables had malformed authoritative rows and were not merged.
	Skipped []models.TableName
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Upserted += o.Upserted
	s.Evicted += o.Evicted
	s.Protected += o.Protected
	s.Unchanged += o.Unchanged
	s.Skipped = append(s.Skipped, o.Skipped...)
}

// Batch holds the authoritative rows of one or more tables, as received from
// the wire.
type Batch map[models.TableName][]map[string]any

// Reconciler merges authoritative snapshots into a store.
type Reconciler struct {
	store *tablestore.Store
}

// NewReconciler returns a Reconciler writing to store.
func NewReconciler(store *tablestore.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile merges every table of batch in one transaction.
//
// For each table: synced local rows absent from the authoritative rows are
// deleted; authoritative rows are upserted as synced, except over local rows
// whose status is pending. A table whose rows fail to decode is skipped and
// its error returned together with the stats of the others.
func (r *Reconciler) Reconcile(batch Batch) (Stats, error) {
	return r.reconcile(batch, tableOrder(batch))
}

func (r *Reconciler) reconcile(batch Batch, order []models.TableName) (Stats, error) {
	var st Stats
	var errs []error
	decoded := make(map[models.TableName][]models.Row, len(batch))
	for _, table := range order {
		rows, err := r.decode(table, batch[table])
		if err != nil {
			slog.Warn("syncer: skipping table with malformed rows", "table", table, "err", err)
			st.Skipped = append(st.Skipped, table)
			errs = append(errs, err)
			continue
		}
		decoded[table] = rows
	}
	err := r.store.Transaction(func(tx *tablestore.Tx) error {
		for _, table := range order {
			rows, ok := decoded[table]
			if !ok {
				continue
			}
			if err := mergeTable(tx, table, rows, &st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Stats{Skipped: order}, err
	}
	return st, errors.Join(errs...)
}

func (r *Reconciler) decode(table models.TableName, data []map[string]any) ([]models.Row, error) {
	out := make([]models.Row, 0, len(data))
	for i, d := range data {
		row, err := r.store.DecodeRow(table, d)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func mergeTable(tx *tablestore.Tx, table models.TableName, rows []models.Row, st *Stats) error {
	// The last authoritative row of a key wins.
	present := make(map[string]models.Row, len(rows))
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		k := row.Key()
		if _, ok := present[k]; !ok {
			keys = append(keys, k)
		}
		present[k] = row
	}
	for key, local := range tx.Table(table) {
		if _, ok := present[key]; ok || local.Status() != models.StatusSynced {
			continue
		}
		if _, err := tx.DelRow(table, key); err != nil {
			return err
		}
		st.Evicted++
	}
	for _, k := range keys {
		row := present[k].WithStatus(models.StatusSynced)
		local, ok := tx.GetRow(table, row.Key())
		switch {
		case ok && local.Status().IsPending():
			st.Protected++
		case ok && models.RowsEqual(local, row):
			st.Unchanged++
		default:
			if err := tx.SetRow(row); err != nil {
				return err
			}
			st.Upserted++
		}
	}
	return nil
}

// tableOrder returns the tables of batch, parents first.
func tableOrder(batch Batch) []models.TableName {
	var out []models.TableName
	for _, t := range models.Tables {
		if _, ok := batch[t]; ok {
			out = append(out, t)
		}
	}
	for t := range batch {
		found := false
		for _, k := range out {
			if k == t {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t)
		}
	}
	return out
}
