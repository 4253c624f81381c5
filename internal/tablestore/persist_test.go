package tablestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maruel/corates/internal/models"
)

func TestPersister_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := newTestStore(t)
	rows := []models.Row{
		models.Project{ID: "p1", Name: "P", OwnerID: "u1", UpdatedAt: "2024-01-01T00:00:00Z", SyncStatus: models.StatusSynced},
		models.ProjectMember{ProjectID: "p1", UserID: "u1", Role: models.RoleOwner, SyncStatus: models.StatusSynced},
		models.ChecklistAnswer{ID: "a1", ChecklistID: "c1", QuestionKey: "q2", Answers: "[[true],[false,true]]", Critical: true, SyncStatus: models.StatusUnsynced},
	}
	for _, r := range rows {
		if err := s.SetRow(r); err != nil {
			t.Fatal(err)
		}
	}
	p := NewPersister(s, path)
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["project_members"]["p1::u1"]; !ok {
		t.Errorf("file content = %s", b)
	}

	s2 := newTestStore(t)
	if err := NewPersister(s2, path).Load(); err != nil {
		t.Fatal(err)
	}
	if !s2.Snapshot().Equal(s.Snapshot()) {
		t.Errorf("loaded = %+v, want %+v", s2.Snapshot(), s.Snapshot())
	}
}

func TestPersister_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	if err := NewPersister(s, filepath.Join(t.TempDir(), "none.json")).Load(); err != nil {
		t.Fatal(err)
	}
}

func TestPersister_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte(`{"projects":{"p1":{"id":"p1"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t)
	if err := NewPersister(s, path).Load(); err == nil {
		t.Fatal("expected error for missing required name")
	}
	if n := s.Snapshot().Count(); n != 0 {
		t.Errorf("rows loaded: %d", n)
	}
}

func TestPersister_AutoSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := newTestStore(t)
	p := NewPersister(s, path)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.AutoSave(ctx) }()
	// Give AutoSave time to register its listener.
	waitFor(t, func() bool {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		return len(s.storeListeners) == 1
	})
	if err := s.SetRow(models.Project{ID: "p1", Name: "P", SyncStatus: models.StatusLocalOnly}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	s2 := newTestStore(t)
	if err := NewPersister(s2, path).Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.GetRow(models.TableProjects, "p1"); !ok {
		t.Error("row not saved")
	}
}

func TestPersister_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s := newTestStore(t)
	p := NewPersister(s, path)
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	// Another process rewrites the file.
	other := newTestStore(t)
	if err := other.SetRow(models.Review{ID: "r1", ProjectID: "p1", Name: "R", SyncStatus: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		// The watcher may not be registered yet; rewrite until seen.
		_ = writeFileAtomic(path, mustJSON(t, other.Snapshot()))
		if _, ok := s.GetRow(models.TableReviews, "r1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("store was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeGate is open while open is true.
type fakeGate struct {
	open    bool
	onOpen  []func()
	removed bool
}

func (g *fakeGate) IfOpen(fn func()) bool {
	if !g.open {
		return false
	}
	fn()
	return true
}

func (g *fakeGate) OnOpen(fn func()) func() {
	g.onOpen = append(g.onOpen, fn)
	return func() { g.removed = true }
}

func (g *fakeGate) Open() {
	g.open = true
	for _, fn := range g.onOpen {
		fn()
	}
}

func TestPersister_ReloadKeepsPendingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := newTestStore(t)
	p := NewPersister(s, path)
	for _, r := range []models.Row{
		models.Project{ID: "p1", Name: "One", SyncStatus: models.StatusSynced},
		models.Project{ID: "p5", Name: "Five", SyncStatus: models.StatusSynced},
		models.Project{ID: "p7", Name: "Mine", SyncStatus: models.StatusLocalOnly},
	} {
		if err := s.SetRow(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRow(models.Project{ID: "p9", Name: "Nine", SyncStatus: models.StatusUnsynced}); err != nil {
		t.Fatal(err)
	}

	// Another process rewrites the file with p1 renamed, p5 gone and its
	// own version of p7.
	other := newTestStore(t)
	for _, r := range []models.Row{
		models.Project{ID: "p1", Name: "Renamed", SyncStatus: models.StatusSynced},
		models.Project{ID: "p7", Name: "Theirs", SyncStatus: models.StatusSynced},
	} {
		if err := other.SetRow(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := writeFileAtomic(path, mustJSON(t, other.Snapshot())); err != nil {
		t.Fatal(err)
	}
	p.reload(t.Context())

	if _, ok := s.GetRow(models.TableProjects, "p9"); !ok {
		t.Error("unsynced row evicted by file reload")
	}
	if r, _ := Get[models.Project](s, models.TableProjects, "p7"); r.Name != "Mine" || r.SyncStatus != models.StatusLocalOnly {
		t.Errorf("local-only row overwritten: %+v", r)
	}
	if r, _ := Get[models.Project](s, models.TableProjects, "p1"); r.Name != "Renamed" {
		t.Errorf("p1 = %+v", r)
	}
	if _, ok := s.GetRow(models.TableProjects, "p5"); ok {
		t.Error("synced row missing from the file was kept")
	}
}

func TestPersister_ReloadWaitsForGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := newTestStore(t)
	p := NewPersister(s, path)
	g := &fakeGate{}
	detach := p.SetGate(g)
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}
	other := newTestStore(t)
	if err := other.SetRow(models.Project{ID: "p1", Name: "One", SyncStatus: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}
	if err := writeFileAtomic(path, mustJSON(t, other.Snapshot())); err != nil {
		t.Fatal(err)
	}

	p.reload(t.Context())
	if n := s.Snapshot().Count(); n != 0 {
		t.Fatalf("reload applied while writes were in flight: %d rows", n)
	}
	g.Open()
	select {
	case <-p.retry:
	default:
		t.Fatal("opening the gate did not schedule a reload")
	}
	p.reload(t.Context())
	if _, ok := s.GetRow(models.TableProjects, "p1"); !ok {
		t.Error("deferred reload not applied")
	}
	detach()
	if !g.removed {
		t.Error("gate callback not removed")
	}
}
