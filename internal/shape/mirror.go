// Handles the long polling loop of one shape subscription.

package shape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Protocol headers and control messages.
const (
	headerHandle   = "electric-handle"
	headerOffset   = "electric-offset"
	headerCursor   = "electric-cursor"
	headerUpToDate = "electric-up-to-date"

	controlUpToDate    = "up-to-date"
	controlMustRefetch = "must-refetch"

	// initialOffset requests the shape from the beginning.
	initialOffset = "-1"
)

// message is one entry of a shape response body.
type message struct {
	Headers struct {
		Operation string `json:"operation"`
		Control   string `json:"control"`
	} `json:"headers"`
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

// State is the observable state of a mirror.
type State struct {
	Loading      bool
	Err          error
	LastSyncedAt time.Time
	Offset       string
	Handle       string
}

// changed reports whether downstream consumers should be told about next.
//
// Row content is not compared: the offset moves whenever rows change.
func (s *State) changed(next *State) bool {
	return s.Loading != next.Loading ||
		errString(s.Err) != errString(next.Err) ||
		!s.LastSyncedAt.Equal(next.LastSyncedAt) ||
		s.Offset != next.Offset ||
		s.Handle != next.Handle
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MirrorOptions tunes a mirror.
type MirrorOptions struct {
	// Client performs the requests; it carries authentication.
	Client *http.Client
	// RetryEvery paces reconnection attempts after an error.
	RetryEvery time.Duration
	// LiveTimeout bounds one long poll; zero means the client timeout.
	LiveTimeout time.Duration
}

// Mirror is the local reflection of one remote shape.
type Mirror struct {
	opts    Options
	mopts   MirrorOptions
	limiter *rate.Limiter
	ctx     context.Context
	done    chan struct{}

	mu     sync.Mutex
	keys   []string
	rows   map[string]map[string]any
	state  State
	cursor string
	live   bool
	subs   map[int]func(State)
	nextID int
}

// NewMirror starts mirroring the shape until ctx is done.
func NewMirror(ctx context.Context, opts Options, mopts MirrorOptions) (*Mirror, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if mopts.Client == nil {
		mopts.Client = http.DefaultClient
	}
	if mopts.RetryEvery <= 0 {
		mopts.RetryEvery = time.Second
	}
	m := &Mirror{
		opts:    opts,
		mopts:   mopts,
		limiter: rate.NewLimiter(rate.Every(mopts.RetryEvery), 1),
		ctx:     ctx,
		done:    make(chan struct{}),
		rows:    map[string]map[string]any{},
		state:   State{Loading: true, Offset: initialOffset},
		subs:    map[int]func(State){},
	}
	go m.run(ctx)
	return m, nil
}

// Table returns the mirrored table name.
func (m *Mirror) Table() string {
	return m.opts.Table()
}

// Done is closed once the mirror stopped.
func (m *Mirror) Done() <-chan struct{} {
	return m.done
}

func (m *Mirror) canceled() bool {
	return m.ctx.Err() != nil
}

// Data returns a copy of the current rows in stream order.
func (m *Mirror) Data() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, maps.Clone(m.rows[k]))
	}
	return out
}

// IsLoading reports whether the initial sync has not completed yet.
func (m *Mirror) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Loading
}

// IsError reports whether the last request failed.
func (m *Mirror) IsError() bool {
	return m.Error() != nil
}

// Error returns the last request error, if any.
func (m *Mirror) Error() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Err
}

// LastSyncedAt returns when the mirror was last up to date. It is the zero
// time until the first successful sync.
func (m *Mirror) LastSyncedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastSyncedAt
}

// State returns the current state.
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn, called from the mirror goroutine whenever the state
// changed. The returned function unregisters it.
func (m *Mirror) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Mirror) run(ctx context.Context) {
	defer close(m.done)
	for ctx.Err() == nil {
		if err := m.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "shape: request failed", "table", m.Table(), "err", err)
			m.publish(ctx, func(s *State) { s.Err = err })
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// poll performs one request and applies its messages.
func (m *Mirror) poll(ctx context.Context) error {
	m.mu.Lock()
	live := m.live
	m.mu.Unlock()
	reqCtx := ctx
	if live && m.mopts.LiveTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, m.mopts.LiveTimeout)
		defer cancel()
	}
	req, err := m.request(reqCtx)
	if err != nil {
		return err
	}
	resp, err := m.mopts.Client.Do(req)
	if err != nil {
		if live && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// An idle long poll; ask again.
			return nil
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		m.refetch(ctx, resp.Header.Get(headerHandle))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusNoContent:
		m.advance(ctx, resp.Header, nil)
		return nil
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("shape %s: HTTP %d: %s", m.Table(), resp.StatusCode, b)
	}
	var msgs []message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("shape %s: invalid response: %w", m.Table(), err)
	}
	for _, msg := range msgs {
		if msg.Headers.Control == controlMustRefetch {
			m.refetch(ctx, "")
			return nil
		}
	}
	m.advance(ctx, resp.Header, msgs)
	return nil
}

func (m *Mirror) request(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, v := range m.opts.Params {
		q.Set(k, v)
	}
	m.mu.Lock()
	q.Set("offset", m.state.Offset)
	if m.state.Handle != "" {
		q.Set("handle", m.state.Handle)
	}
	if m.live {
		q.Set("live", "true")
		if m.cursor != "" {
			q.Set("cursor", m.cursor)
		}
	}
	m.mu.Unlock()
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range m.opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// advance applies the messages and moves the offset.
func (m *Mirror) advance(ctx context.Context, h http.Header, msgs []message) {
	upToDate := h.Get(headerUpToDate) != ""
	m.mu.Lock()
	for _, msg := range msgs {
		if msg.Headers.Control == controlUpToDate {
			upToDate = true
			continue
		}
		switch msg.Headers.Operation {
		case "insert":
			if _, ok := m.rows[msg.Key]; !ok {
				m.keys = append(m.keys, msg.Key)
			}
			m.rows[msg.Key] = maps.Clone(msg.Value)
		case "update":
			cur, ok := m.rows[msg.Key]
			if !ok {
				m.keys = append(m.keys, msg.Key)
				cur = map[string]any{}
			}
			// Updates may only carry the changed columns.
			maps.Copy(cur, msg.Value)
			m.rows[msg.Key] = cur
		case "delete":
			if _, ok := m.rows[msg.Key]; ok {
				delete(m.rows, msg.Key)
				for i, k := range m.keys {
					if k == msg.Key {
						m.keys = append(m.keys[:i], m.keys[i+1:]...)
						break
					}
				}
			}
		}
	}
	if c := h.Get(headerCursor); c != "" {
		m.cursor = c
	}
	if upToDate {
		m.live = true
	}
	m.mu.Unlock()
	m.publish(ctx, func(s *State) {
		s.Err = nil
		if v := h.Get(headerHandle); v != "" {
			s.Handle = v
		}
		if v := h.Get(headerOffset); v != "" {
			s.Offset = v
		}
		if upToDate {
			s.Loading = false
			s.LastSyncedAt = time.Now()
		}
	})
}

// refetch drops every row and restarts from the initial offset.
func (m *Mirror) refetch(ctx context.Context, handle string) {
	m.mu.Lock()
	m.keys = nil
	m.rows = map[string]map[string]any{}
	m.live = false
	m.cursor = ""
	m.mu.Unlock()
	m.publish(ctx, func(s *State) {
		s.Err = nil
		s.Loading = true
		s.Offset = initialOffset
		s.Handle = handle
	})
}

func (m *Mirror) publish(ctx context.Context, fn func(*State)) {
	m.mu.Lock()
	prev := m.state
	fn(&m.state)
	next := m.state
	var subs []func(State)
	if prev.changed(&next) && ctx.Err() == nil {
		for _, s := range m.subs {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		s(next)
	}
}
