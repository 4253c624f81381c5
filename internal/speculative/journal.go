// Persists queued remote operations so they survive a restart.

package speculative

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maruel/corates/internal/jsonldb"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
	"github.com/maruel/ksid"
)

// entry is one journaled job, one JSONL line.
type entry struct {
	ID  ksid.ID  `json:"id"`
	Ops []wireOp `json:"ops"`
}

type wireOp struct {
	Kind  Kind             `json:"kind"`
	Table models.TableName `json:"table"`
	Key   string           `json:"key"`
	Row   json.RawMessage  `json:"row,omitempty"`
}

func (e *entry) Clone() *entry {
	c := &entry{ID: e.ID, Ops: make([]wireOp, len(e.Ops))}
	for i, op := range e.Ops {
		op.Row = append(json.RawMessage(nil), op.Row...)
		c.Ops[i] = op
	}
	return c
}

func (e *entry) GetID() ksid.ID {
	return e.ID
}

func (e *entry) Validate() error {
	if e.ID == 0 {
		return errors.New("journal entry id is required")
	}
	if len(e.Ops) == 0 {
		return errors.New("journal entry has no operations")
	}
	for i, op := range e.Ops {
		if err := op.Kind.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		if op.Table == "" || op.Key == "" {
			return fmt.Errorf("op %d: table and key are required", i)
		}
		if op.Kind != Delete && len(op.Row) == 0 {
			return fmt.Errorf("op %d: %s needs a row", i, op.Kind)
		}
	}
	return nil
}

// Journal stores the jobs of a Runner until they settle.
type Journal struct {
	store *tablestore.Store
	table *jsonldb.Table[*entry]
}

// OpenJournal opens or creates the journal at path. Rows are decoded with the
// schema of store.
func OpenJournal(path string, store *tablestore.Store) (*Journal, error) {
	t, err := jsonldb.NewTable[*entry](path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{store: store, table: t}, nil
}

// Len returns the number of journaled jobs.
func (j *Journal) Len() int {
	return j.table.Len()
}

type journaled struct {
	id  ksid.ID
	ops []Op
}

// load returns the journaled jobs in submission order.
func (j *Journal) load() ([]journaled, error) {
	var out []journaled
	for e := range j.table.All() {
		ops := make([]Op, len(e.Ops))
		for i, w := range e.Ops {
			op, err := j.decodeOp(w)
			if err != nil {
				return nil, fmt.Errorf("journal entry %s: %w", e.ID, err)
			}
			ops[i] = op
		}
		out = append(out, journaled{id: e.ID, ops: ops})
	}
	return out, nil
}

func (j *Journal) add(id ksid.ID, ops []Op) error {
	e, err := encodeEntry(id, ops)
	if err != nil {
		return err
	}
	return j.table.Append(e)
}

func (j *Journal) update(id ksid.ID, ops []Op) error {
	e, err := encodeEntry(id, ops)
	if err != nil {
		return err
	}
	_, err = j.table.Update(e)
	return err
}

func (j *Journal) remove(id ksid.ID) error {
	_, err := j.table.Delete(id)
	return err
}

func encodeEntry(id ksid.ID, ops []Op) (*entry, error) {
	e := &entry{ID: id, Ops: make([]wireOp, len(ops))}
	for i, op := range ops {
		w := wireOp{Kind: op.Kind, Table: op.Table, Key: op.Key}
		if op.Row != nil {
			b, err := json.Marshal(op.Row)
			if err != nil {
				return nil, fmt.Errorf("encode %s row %q: %w", op.Table, op.Key, err)
			}
			w.Row = b
		}
		e.Ops[i] = w
	}
	return e, nil
}

func (j *Journal) decodeOp(w wireOp) (Op, error) {
	op := Op{Kind: w.Kind, Table: w.Table, Key: w.Key}
	if len(w.Row) == 0 {
		return op, nil
	}
	var m map[string]any
	if err := json.Unmarshal(w.Row, &m); err != nil {
		return Op{}, err
	}
	row, err := j.store.DecodeRow(w.Table, m)
	if err != nil {
		return Op{}, err
	}
	op.Row = row
	return op, nil
}
