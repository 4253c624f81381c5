// Drives speculative tokens from a queue of remote operations.

package speculative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
	"github.com/maruel/ksid"
	"golang.org/x/time/rate"
)

// Kind is the kind of a remote operation.
type Kind string

const (
	// Create inserts a row and may return a server id.
	Create Kind = "create"
	// Update replaces a row by key.
	Update Kind = "update"
	// Delete removes a row by key.
	Delete Kind = "delete"
)

// Validate returns an error for unknown kinds.
func (k Kind) Validate() error {
	switch k {
	case Create, Update, Delete:
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", string(k))
	}
}

// Op is one remote write. Row is required for create and update.
type Op struct {
	Kind  Kind
	Table models.TableName
	Key   string
	Row   models.Row
}

// Validate checks the operation is well formed.
func (o Op) Validate() error {
	if err := o.Kind.Validate(); err != nil {
		return models.Validation(o.Table, err.Error())
	}
	if o.Table == "" || o.Key == "" {
		return models.Validation(o.Table, "operation needs a table and a key")
	}
	if o.Kind == Delete {
		return nil
	}
	if o.Row == nil {
		return models.Validation(o.Table, fmt.Sprintf("%s of %q without a row", o.Kind, o.Key))
	}
	if o.Row.Table() != o.Table || o.Row.Key() != o.Key {
		return models.Validation(o.Table, fmt.Sprintf("row %s/%q does not match operation key %q", o.Row.Table(), o.Row.Key(), o.Key))
	}
	return nil
}

// remap replaces temporary ids in the row and key of o.
func (o Op) remap(remaps map[string]string) Op {
	if len(remaps) == 0 {
		return o
	}
	if o.Row != nil {
		o.Row = remapRow(o.Row, remaps)
		o.Key = o.Row.Key()
		return o
	}
	if a, b, ok := models.SplitKey(o.Key); ok {
		o.Key = models.CompositeKey(remapID(a, remaps), remapID(b, remaps))
	} else {
		o.Key = remapID(o.Key, remaps)
	}
	return o
}

func remapID(id string, remaps map[string]string) string {
	if n, ok := remaps[id]; ok {
		return n
	}
	return id
}

// RemoteWriter performs table-scoped writes against the remote API. Create and
// Update return the canonical row.
type RemoteWriter interface {
	Create(ctx context.Context, row models.Row) (models.Row, error)
	Update(ctx context.Context, row models.Row) (models.Row, error)
	Delete(ctx context.Context, table models.TableName, key string) error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// MaxAttempts bounds the attempts of one operation. Defaults to 3.
	MaxAttempts int
	// Backoff is the minimum delay between attempts. Defaults to one second.
	Backoff time.Duration
	// Journal persists queued jobs. Optional.
	Journal *Journal
}

// Future resolves when a submitted job settles.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

// Done is closed once the job settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(res Result, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

type job struct {
	id  ksid.ID
	tok *Token
	ops []Op
	fut *Future
}

// Runner executes jobs in submission order, one at a time.
//
// Each job belongs to a token. The token is confirmed when every operation of
// the job succeeded and rolled back after the first operation that failed
// permanently or ran out of attempts. Jobs of superseded tokens are dropped.
type Runner struct {
	mgr  *Manager
	w    RemoteWriter
	opts RunnerOptions
	kick chan struct{}

	mu    sync.Mutex
	queue []*job
	// remaps holds every temporary id replaced so far. Jobs built before a
	// confirm but submitted after it still carry the temporary ids.
	remaps map[string]string
}

// NewRunner returns a Runner settling tokens of mgr with w.
func NewRunner(mgr *Manager, w RemoteWriter, opts RunnerOptions) *Runner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Runner{mgr: mgr, w: w, opts: opts, kick: make(chan struct{}, 1), remaps: map[string]string{}}
}

// Submit queues ops as the remote side of tok.
func (r *Runner) Submit(tok *Token, ops ...Op) (*Future, error) {
	if len(ops) == 0 {
		return nil, errors.New("speculative: empty job")
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	j := &job{id: ksid.NewID(), tok: tok, ops: slices.Clone(ops), fut: &Future{done: make(chan struct{})}}
	r.mu.Lock()
	for i, op := range j.ops {
		j.ops[i] = op.remap(r.remaps)
	}
	if r.opts.Journal != nil {
		if err := r.opts.Journal.add(j.id, j.ops); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("speculative: journal job: %w", err)
		}
	}
	r.queue = append(r.queue, j)
	r.mu.Unlock()
	r.wake()
	return j.fut, nil
}

// Replay queues the jobs left in the journal by a previous process, each under
// a new token. It returns the number of replayed jobs.
func (r *Runner) Replay() (int, error) {
	if r.opts.Journal == nil {
		return 0, nil
	}
	pending, err := r.opts.Journal.load()
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		r.enqueue(&job{id: p.id, tok: r.mgr.Begin(), ops: p.ops, fut: &Future{done: make(chan struct{})}})
	}
	if len(pending) != 0 {
		slog.Info("speculative: replaying journal", "jobs", len(pending))
	}
	return len(pending), nil
}

// Len returns the number of unsettled jobs.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run processes jobs until ctx is done. A job interrupted by ctx stays queued
// and its token pending.
func (r *Runner) Run(ctx context.Context) error {
	for {
		j := r.head()
		if j == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-r.kick:
			}
			continue
		}
		if err := r.process(ctx, j); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) enqueue(j *job) {
	r.mu.Lock()
	r.queue = append(r.queue, j)
	r.mu.Unlock()
	r.wake()
}

func (r *Runner) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) head() *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	return r.queue[0]
}

func (r *Runner) process(ctx context.Context, j *job) error {
	if r.mgr.State(j.tok) != Pending {
		slog.InfoContext(ctx, "speculative: dropping job of a settled token", "token", j.tok.ID())
		r.finish(j, Result{}, ErrSuperseded)
		return nil
	}
	if err := r.markUnsynced(j.ops); err != nil {
		slog.WarnContext(ctx, "speculative: failed to mark rows unsynced", "err", err)
	}
	res := Result{Remaps: map[string]string{}}
	var created []Op
	for _, op := range j.ops {
		op = op.remap(res.Remaps)
		row, err := r.attempt(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := r.mgr.Rollback(j.tok); rerr != nil {
				slog.ErrorContext(ctx, "speculative: rollback failed", "token", j.tok.ID(), "err", rerr)
			}
			r.compensate(ctx, created)
			r.finish(j, Result{}, remoteError(op, err))
			return nil
		}
		if op.Kind == Delete {
			continue
		}
		if row == nil {
			row = op.Row
		}
		if op.Kind == Create {
			created = append(created, Op{Kind: Delete, Table: op.Table, Key: row.Key()})
		}
		if op.Kind == Create && !op.Table.IsJunction() && row.Key() != op.Row.Key() {
			res.Remaps[op.Row.Key()] = row.Key()
		}
		res.Writes = append(res.Writes, Write{Sent: op.Row, Canonical: row})
	}
	if err := r.mgr.Confirm(j.tok, res); err != nil {
		// The remote side succeeded but the local rows cannot take the
		// canonical values. Settle the token so the gate opens again.
		slog.ErrorContext(ctx, "speculative: confirm failed, rolling back", "token", j.tok.ID(), "err", err)
		if rerr := r.mgr.Rollback(j.tok); rerr != nil {
			slog.ErrorContext(ctx, "speculative: rollback failed", "token", j.tok.ID(), "err", rerr)
		}
		r.finish(j, Result{}, err)
		return nil
	}
	r.remapQueued(res.Remaps)
	r.finish(j, res, nil)
	return nil
}

// attempt runs op up to MaxAttempts times, paced by Backoff.
func (r *Runner) attempt(ctx context.Context, op Op) (models.Row, error) {
	lim := rate.NewLimiter(rate.Every(r.opts.Backoff), 1)
	var err error
	for i := range r.opts.MaxAttempts {
		if werr := lim.Wait(ctx); werr != nil {
			return nil, werr
		}
		var row models.Row
		if row, err = r.call(ctx, op); err == nil {
			return row, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var e *models.Error
		if errors.As(err, &e) && !e.Retryable() {
			break
		}
		slog.WarnContext(ctx, "speculative: remote write failed", "kind", op.Kind, "table", op.Table, "key", op.Key, "attempt", i+1, "err", err)
	}
	return nil, err
}

func (r *Runner) call(ctx context.Context, op Op) (models.Row, error) {
	switch op.Kind {
	case Create:
		return r.w.Create(ctx, op.Row)
	case Update:
		return r.w.Update(ctx, op.Row)
	default:
		err := r.w.Delete(ctx, op.Table, op.Key)
		var e *models.Error
		if models.CodeOf(err) == models.ErrorCodeNotFound || (errors.As(err, &e) && e.StatusCode() == http.StatusNotFound) {
			// Already gone remotely.
			return nil, nil
		}
		return nil, err
	}
}

// compensate deletes, newest first, the rows a failed job already created
// remotely. Failures are logged; the rows then stay on the server until the
// next authoritative snapshot brings them back locally.
func (r *Runner) compensate(ctx context.Context, created []Op) {
	for _, op := range slices.Backward(created) {
		if _, err := r.call(ctx, op); err != nil {
			slog.WarnContext(ctx, "speculative: failed to undo remote create", "table", op.Table, "key", op.Key, "err", err)
		}
	}
}

// markUnsynced advances local-only rows of ops to unsynced before they are
// sent.
func (r *Runner) markUnsynced(ops []Op) error {
	return r.mgr.store.Transaction(func(tx *tablestore.Tx) error {
		for _, op := range ops {
			if op.Row == nil {
				continue
			}
			cur, ok := tx.GetRow(op.Table, op.Row.Key())
			if !ok || !cur.Status().CanAdvanceTo(models.StatusUnsynced) {
				continue
			}
			if err := tx.SetRow(cur.WithStatus(models.StatusUnsynced)); err != nil {
				return err
			}
		}
		return nil
	})
}

// finish removes j from the queue and the journal and resolves its future.
func (r *Runner) finish(j *job, res Result, err error) {
	if r.opts.Journal != nil {
		if jerr := r.opts.Journal.remove(j.id); jerr != nil {
			slog.Error("speculative: failed to remove journal entry", "id", j.id, "err", jerr)
		}
	}
	r.mu.Lock()
	if i := slices.Index(r.queue, j); i >= 0 {
		r.queue = slices.Delete(r.queue, i, i+1)
	}
	r.mu.Unlock()
	j.fut.resolve(res, err)
}

// remapQueued rewrites temporary ids in every queued operation and remembers
// them for jobs submitted later.
func (r *Runner) remapQueued(remaps map[string]string) {
	if len(remaps) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for oldID, newID := range remaps {
		r.remaps[oldID] = newID
	}
	for _, j := range r.queue {
		for i, op := range j.ops {
			j.ops[i] = op.remap(remaps)
		}
		if r.opts.Journal == nil {
			continue
		}
		if err := r.opts.Journal.update(j.id, j.ops); err != nil {
			slog.Error("speculative: failed to update journal entry", "id", j.id, "err", err)
		}
	}
}

func remoteError(op Op, err error) error {
	status := 0
	var e *models.Error
	if errors.As(err, &e) {
		if e.Code() == models.ErrorCodeRemoteWriteFailed {
			return err
		}
		status = e.StatusCode()
	}
	return models.RemoteWrite(op.Table, op.Key, status, err)
}
