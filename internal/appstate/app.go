// Package appstate is the application facade over the local store.
//
// Every mutation applies its rows to the store in one transaction under a
// speculative token, then queues the matching remote operations. The caller
// sees the change at once; the returned future resolves when the remote write
// is confirmed or rolled back.
package appstate

import (
	"context"
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/maruel/corates/internal/localcache"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/syncer"
	"github.com/maruel/corates/internal/tablestore"
	"github.com/maruel/corates/internal/views"
)

// TempIDPrefix starts every id assigned locally before the server replaces it.
const TempIDPrefix = "tmp-"

// Options configures an App.
type Options struct {
	// UserID owns new projects. See apiclient.UserIDFromToken.
	UserID string
	// Now defaults to time.Now.
	Now func() time.Time
	// Cache holds exported documents. Optional.
	Cache *localcache.Cache
	// Runner configures the remote write queue.
	Runner speculative.RunnerOptions
}

// App ties the store, its views, the UI selection and the write queue.
type App struct {
	store  *tablestore.Store
	views  *views.Views
	sel    *views.Selection
	mgr    *speculative.Manager
	runner *speculative.Runner
	userID string
	now    func() time.Time
	cache  *localcache.Cache

	// mu keeps Begin order and queue order the same.
	mu sync.Mutex
}

// New returns an App writing to w. Pending writes keep gate closed.
func New(store *tablestore.Store, gate *syncer.Gate, w speculative.RemoteWriter, opts Options) *App {
	a := &App{
		store:  store,
		views:  views.New(store),
		sel:    views.NewSelection(store),
		userID: opts.UserID,
		now:    opts.Now,
		cache:  opts.Cache,
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.mgr = speculative.NewManager(store, gate)
	a.mgr.OnRemap(a.sel.Rename)
	a.runner = speculative.NewRunner(a.mgr, w, opts.Runner)
	return a
}

// Run processes the write queue until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.runner.Run(ctx)
}

// Close detaches the selection from the store.
func (a *App) Close() {
	a.sel.Close()
}

// Store returns the underlying store.
func (a *App) Store() *tablestore.Store {
	return a.store
}

// Views returns the memoized projections of the store.
func (a *App) Views() *views.Views {
	return a.views
}

// Selection returns the UI selection.
func (a *App) Selection() *views.Selection {
	return a.sel
}

// Manager returns the speculative write manager.
func (a *App) Manager() *speculative.Manager {
	return a.mgr
}

// Runner returns the remote write queue.
func (a *App) Runner() *speculative.Runner {
	return a.runner
}

func (a *App) nowMS() int64 {
	return a.now().UnixMilli()
}

func newTempID() string {
	return TempIDPrefix + ksid.NewID().String()
}

// mutate runs build in one store transaction under a new token and queues the
// operations it returns. A failed build leaves the store untouched.
func (a *App) mutate(build func(tx *tablestore.Tx) ([]speculative.Op, error)) (*speculative.Future, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok := a.mgr.Begin()
	var ops []speculative.Op
	err := a.store.Transaction(func(tx *tablestore.Tx) error {
		var err error
		ops, err = build(tx)
		return err
	})
	if err != nil {
		_ = a.mgr.Cancel(tok)
		return nil, err
	}
	f, err := a.runner.Submit(tok, ops...)
	if err != nil {
		_ = a.mgr.Rollback(tok)
		return nil, err
	}
	return f, nil
}

// pendingStatus returns the status of a row edited locally.
func pendingStatus(status models.SyncStatus) models.SyncStatus {
	if status == models.StatusLocalOnly {
		return status
	}
	return models.StatusUnsynced
}

func create(row models.Row) speculative.Op {
	return speculative.Op{Kind: speculative.Create, Table: row.Table(), Key: row.Key(), Row: row}
}

func update(row models.Row) speculative.Op {
	return speculative.Op{Kind: speculative.Update, Table: row.Table(), Key: row.Key(), Row: row}
}

func remove(table models.TableName, key string) speculative.Op {
	return speculative.Op{Kind: speculative.Delete, Table: table, Key: key}
}

// require returns a validation error on table if the parent row is missing.
func require(tx *tablestore.Tx, table, parent models.TableName, id string) error {
	if id == "" {
		return models.Validation(table, "missing "+string(parent)+" id")
	}
	if _, ok := tx.GetRow(parent, id); !ok {
		return models.Validation(table, "unknown "+string(parent)+" "+id)
	}
	return nil
}
