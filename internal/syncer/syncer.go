// Handles queuing of remote snapshots until reconciliation may run.

package syncer

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/shape"
	"github.com/maruel/corates/internal/tablestore"
)

// Mirror is the subset of a shape mirror the syncer consumes.
type Mirror interface {
	Subscribe(fn func(shape.State)) func()
	Data() []map[string]any
	State() shape.State
}

// Status is the sync state shown to the user.
type Status struct {
	// Pending is the number of tables with queued authoritative rows.
	Pending int
	// Deferred is true while queued rows wait for in-flight writes.
	Deferred bool
	// Failed lists tables whose stream is in error; their rows are held.
	Failed []models.TableName
	// LastError is the most recent stream or reconciliation error.
	LastError error
	// LastSyncedAt is when a reconciliation pass last committed.
	LastSyncedAt time.Time
	Totals       Stats
}

// Syncer queues authoritative rows per table and reconciles them whenever the
// gate is open.
//
// Rows submitted for a table replace rows queued earlier for that table, so
// bursts of mirror updates collapse into one pass. Tables whose stream is in
// error are held back until the error clears.
type Syncer struct {
	rec  *Reconciler
	gate *Gate
	kick chan struct{}

	mu        sync.Mutex
	pending   Batch
	order     []models.TableName
	suspended map[models.TableName]error
	status    Status
}

// New returns a Syncer merging into store, serialized with gate.
func New(store *tablestore.Store, gate *Gate) *Syncer {
	s := &Syncer{
		rec:       NewReconciler(store),
		gate:      gate,
		kick:      make(chan struct{}, 1),
		pending:   Batch{},
		suspended: map[models.TableName]error{},
	}
	gate.OnOpen(s.wake)
	return s
}

// Submit queues the authoritative rows of table.
func (s *Syncer) Submit(table models.TableName, rows []map[string]any) {
	s.mu.Lock()
	if _, ok := s.pending[table]; !ok {
		s.order = append(s.order, table)
	}
	s.pending[table] = rows
	s.mu.Unlock()
	s.wake()
}

// SetStreamError suspends reconciliation of table while err is non-nil. A nil
// err resumes it.
func (s *Syncer) SetStreamError(table models.TableName, err error) {
	s.mu.Lock()
	if err != nil {
		s.suspended[table] = err
		s.status.LastError = err
	} else {
		delete(s.suspended, table)
	}
	s.mu.Unlock()
	if err == nil {
		s.wake()
	}
}

// Flush reconciles every queued table that is not suspended, if the gate is
// open. It reports whether a pass ran.
func (s *Syncer) Flush() (Stats, bool, error) {
	var st Stats
	var err error
	ran := s.gate.IfOpen(func() {
		s.mu.Lock()
		batch := Batch{}
		var order, keep []models.TableName
		for _, t := range s.order {
			if _, bad := s.suspended[t]; bad {
				keep = append(keep, t)
				continue
			}
			batch[t] = s.pending[t]
			delete(s.pending, t)
			order = append(order, t)
		}
		s.order = keep
		s.mu.Unlock()
		if len(order) == 0 {
			return
		}
		st, err = s.rec.reconcile(batch, order)
		s.mu.Lock()
		s.status.Totals.Add(st)
		if err != nil {
			s.status.LastError = err
		} else {
			s.status.LastSyncedAt = time.Now()
		}
		s.mu.Unlock()
	})
	return st, ran, err
}

// Run flushes whenever rows are queued or the gate opens, until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			st, ran, err := s.Flush()
			if err != nil {
				slog.WarnContext(ctx, "syncer: reconcile failed", "err", err)
			} else if ran && (st.Upserted != 0 || st.Evicted != 0) {
				slog.InfoContext(ctx, "syncer: reconciled", "upserted", st.Upserted, "evicted", st.Evicted, "protected", st.Protected)
			}
		}
	}
}

// Watch feeds the mirror of table into the syncer. Errors of the stream
// suspend the table; every up to date state submits the current rows. The
// returned function stops watching.
func (s *Syncer) Watch(table models.TableName, m Mirror) func() {
	handle := func(st shape.State) {
		if st.Err != nil {
			s.SetStreamError(table, models.Stream(table, st.Err))
			return
		}
		s.SetStreamError(table, nil)
		if !st.Loading {
			s.Submit(table, m.Data())
		}
	}
	stop := m.Subscribe(handle)
	// The mirror may already be up to date.
	if st := m.State(); !st.Loading || st.Err != nil {
		handle(st)
	}
	return stop
}

// Status returns the current sync state.
func (s *Syncer) Status() Status {
	// Flush takes the gate lock before s.mu.
	inflight := s.gate.Count()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Pending = len(s.order)
	st.Deferred = st.Pending != 0 && inflight != 0
	st.Failed = make([]models.TableName, 0, len(s.suspended))
	for t := range s.suspended {
		st.Failed = append(st.Failed, t)
	}
	slices.Sort(st.Failed)
	st.Totals.Skipped = slices.Clone(st.Totals.Skipped)
	return st
}

func (s *Syncer) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
