package apiclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

type request struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []request
	handler  func(w http.ResponseWriter, r request)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := request{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.handler(w, req)
}

func newClient(t *testing.T, handler func(w http.ResponseWriter, r request)) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{handler: handler}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	store, err := tablestore.New(tablestore.DefaultSchema())
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(srv.URL, NewHTTPClient(t.Context(), "secret"), store)
	if err != nil {
		t.Fatal(err)
	}
	return c, api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreate(t *testing.T) {
	c, api := newClient(t, func(w http.ResponseWriter, r request) {
		r.Body["id"] = "srv-42"
		r.Body["updated_at"] = "2024-01-02T03:04:05Z"
		writeJSON(w, http.StatusCreated, r.Body)
	})
	sent := models.Project{ID: "tmp-1", Name: "P", OwnerID: "u1", SyncStatus: models.StatusUnsynced}
	got, err := c.Create(t.Context(), sent)
	if err != nil {
		t.Fatal(err)
	}
	want := models.Project{ID: "srv-42", Name: "P", OwnerID: "u1", UpdatedAt: "2024-01-02T03:04:05Z", SyncStatus: models.StatusSynced}
	if got != models.Row(want) {
		t.Errorf("Create() = %+v", got)
	}
	r := api.requests[0]
	if r.Method != http.MethodPost || r.Path != "/api/v1/projects" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer secret" {
		t.Errorf("Authorization = %q", r.Auth)
	}
	if _, ok := r.Body["sync_status"]; ok {
		t.Error("sync_status sent to the server")
	}
}

func TestUpdateAndDeletePaths(t *testing.T) {
	c, api := newClient(t, func(w http.ResponseWriter, r request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	m := models.ProjectMember{ProjectID: "p1", UserID: "u1", Role: models.RoleMember, SyncStatus: models.StatusUnsynced}
	got, err := c.Update(t.Context(), m)
	if err != nil {
		t.Fatal(err)
	}
	if got != m.WithStatus(models.StatusSynced) {
		t.Errorf("Update() = %+v", got)
	}
	if err := c.Delete(t.Context(), models.TableReviewAssignments, models.CompositeKey("r1", "u1")); err != nil {
		t.Fatal(err)
	}
	data := []struct{ method, path string }{
		{http.MethodPut, "/api/v1/project-members/p1::u1"},
		{http.MethodDelete, "/api/v1/review-assignments/r1::u1"},
	}
	for i, line := range data {
		if r := api.requests[i]; r.Method != line.method || r.Path != line.path {
			t.Errorf("request %d = %s %s, want %s %s", i, r.Method, r.Path, line.method, line.path)
		}
	}
}

func TestErrors(t *testing.T) {
	data := []struct {
		name      string
		status    int
		body      any
		message   string
		retryable bool
	}{
		{"envelope", http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "VALIDATION_FAILED", "message": "name too long"}}, "name too long", false},
		{"detail", http.StatusForbidden, map[string]any{"detail": "not a member"}, "not a member", false},
		{"unavailable", http.StatusServiceUnavailable, nil, "Service Unavailable", true},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"detail": "slow down"}, "slow down", true},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			c, _ := newClient(t, func(w http.ResponseWriter, _ request) {
				if line.body == nil {
					w.WriteHeader(line.status)
					return
				}
				writeJSON(w, line.status, line.body)
			})
			_, err := c.Create(t.Context(), models.Project{ID: "p1", Name: "P", SyncStatus: models.StatusLocalOnly})
			var e *models.Error
			if !errors.As(err, &e) {
				t.Fatalf("err = %v", err)
			}
			if e.Code() != models.ErrorCodeRemoteWriteFailed || e.StatusCode() != line.status {
				t.Errorf("code = %s, status = %d", e.Code(), e.StatusCode())
			}
			if e.Retryable() != line.retryable {
				t.Errorf("Retryable() = %v", e.Retryable())
			}
			if u := errors.Unwrap(err); u == nil || u.Error() != line.message {
				t.Errorf("message = %v", u)
			}
		})
	}
}

func TestCreate_InvalidResponse(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, _ request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "no id"})
	})
	_, err := c.Create(t.Context(), models.Project{ID: "p1", Name: "P", SyncStatus: models.StatusLocalOnly})
	if !errors.Is(err, models.ErrRemoteWrite) {
		t.Errorf("err = %v", err)
	}
}

func TestNew(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "://bad"} {
		if _, err := New(u, nil, nil); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestUserIDFromToken(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	// Expired tokens still identify the user.
	id, err := UserIDFromToken(sign(jwt.MapClaims{"sub": "u1", "exp": 1}))
	if err != nil || id != "u1" {
		t.Errorf("UserIDFromToken() = %q, %v", id, err)
	}
	if _, err := UserIDFromToken(sign(jwt.MapClaims{"name": "x"})); err == nil {
		t.Error("token without subject accepted")
	}
	if _, err := UserIDFromToken("garbage"); err == nil {
		t.Error("garbage accepted")
	}
}
