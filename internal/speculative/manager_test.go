package speculative

import (
	"errors"
	"testing"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/syncer"
	"github.com/maruel/corates/internal/tablestore"
)

func newStore(t *testing.T, rows ...models.Row) *tablestore.Store {
	t.Helper()
	s, err := tablestore.New(tablestore.DefaultSchema())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	for _, r := range rows {
		if err := s.SetRow(r); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func mutate(t *testing.T, s *tablestore.Store, fn func(tx *tablestore.Tx) error) {
	t.Helper()
	if err := s.Transaction(fn); err != nil {
		t.Fatal(err)
	}
}

func proj(id string, status models.SyncStatus) models.Project {
	return models.Project{ID: id, Name: "Project " + id, OwnerID: "u1", SyncStatus: status}
}

func TestRollback_RestoresExactly(t *testing.T) {
	s := newStore(t,
		proj("p1", models.StatusSynced),
		proj("p2", models.StatusSynced),
		models.Review{ID: "r1", ProjectID: "p2", Name: "R", SyncStatus: models.StatusSynced},
	)
	g := syncer.NewGate()
	m := NewManager(s, g)
	before := s.Snapshot()

	tok := m.Begin()
	if g.Count() != 1 {
		t.Fatalf("gate count = %d", g.Count())
	}
	mutate(t, s, func(tx *tablestore.Tx) error {
		p := proj("p1", models.StatusUnsynced)
		p.Name = "renamed"
		if err := tx.SetRow(p); err != nil {
			return err
		}
		if err := tx.SetRow(proj("tmp-1", models.StatusLocalOnly)); err != nil {
			return err
		}
		if _, err := tx.DelRow(models.TableReviews, "r1"); err != nil {
			return err
		}
		_, err := tx.DelRow(models.TableProjects, "p2")
		return err
	})
	if s.Snapshot().Equal(before) {
		t.Fatal("mutation did not change the store")
	}
	if err := m.Rollback(tok); err != nil {
		t.Fatal(err)
	}
	if !s.Snapshot().Equal(before) {
		t.Errorf("rollback did not restore the captured state")
	}
	if m.State(tok) != RolledBack || m.Superseded(tok) {
		t.Errorf("state = %v, superseded = %v", m.State(tok), m.Superseded(tok))
	}
	if g.Count() != 0 || m.Pending() != 0 {
		t.Errorf("gate = %d, pending = %d", g.Count(), m.Pending())
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done not closed")
	}
	if err := m.Rollback(tok); !errors.Is(err, ErrSettled) {
		t.Errorf("second Rollback() = %v", err)
	}
	if err := m.Confirm(tok, Result{}); !errors.Is(err, ErrSettled) {
		t.Errorf("Confirm after rollback = %v", err)
	}
}

func TestConfirm_RemapsTemporaryID(t *testing.T) {
	s := newStore(t)
	g := syncer.NewGate()
	m := NewManager(s, g)

	tok := m.Begin()
	sent := proj("tmp-1", models.StatusLocalOnly)
	mutate(t, s, func(tx *tablestore.Tx) error {
		for _, r := range []models.Row{
			sent,
			models.ProjectMember{ProjectID: "tmp-1", UserID: "u1", Role: models.RoleOwner, SyncStatus: models.StatusLocalOnly},
			models.Review{ID: "r1", ProjectID: "tmp-1", Name: "R", SyncStatus: models.StatusLocalOnly},
		} {
			if err := tx.SetRow(r); err != nil {
				return err
			}
		}
		return nil
	})

	canonical := sent
	canonical.ID = "srv-42"
	canonical.UpdatedAt = "2024-01-02T03:04:05Z"
	err := m.Confirm(tok, Result{
		Writes: []Write{{Sent: sent, Canonical: canonical}},
		Remaps: map[string]string{"tmp-1": "srv-42"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.GetRow(models.TableProjects, "tmp-1"); ok {
		t.Error("temporary row still present")
	}
	p, ok := tablestore.Get[models.Project](s, models.TableProjects, "srv-42")
	if !ok || p.SyncStatus != models.StatusSynced || p.UpdatedAt != canonical.UpdatedAt {
		t.Errorf("project = %+v, %v", p, ok)
	}
	r, _ := tablestore.Get[models.Review](s, models.TableReviews, "r1")
	if r.ProjectID != "srv-42" || r.SyncStatus != models.StatusLocalOnly {
		t.Errorf("review = %+v", r)
	}
	if _, ok := s.GetRow(models.TableProjectMembers, models.CompositeKey("srv-42", "u1")); !ok {
		t.Error("junction key not remapped")
	}
	if _, ok := s.GetRow(models.TableProjectMembers, models.CompositeKey("tmp-1", "u1")); ok {
		t.Error("old junction key still present")
	}
	if m.State(tok) != Confirmed || g.Count() != 0 {
		t.Errorf("state = %v, gate = %d", m.State(tok), g.Count())
	}
}

func TestConfirm_RespectsLaterLocalChanges(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, syncer.NewGate())

	tok := m.Begin()
	edited := proj("p1", models.StatusUnsynced)
	gone := proj("p2", models.StatusUnsynced)
	mutate(t, s, func(tx *tablestore.Tx) error {
		if err := tx.SetRow(edited); err != nil {
			return err
		}
		return tx.SetRow(gone)
	})
	// Edited again then deleted by the user before the server answered.
	again := edited
	again.Name = "edited again"
	mutate(t, s, func(tx *tablestore.Tx) error {
		if err := tx.SetRow(again); err != nil {
			return err
		}
		_, err := tx.DelRow(models.TableProjects, "p2")
		return err
	})

	err := m.Confirm(tok, Result{Writes: []Write{
		{Sent: edited, Canonical: edited.WithStatus(models.StatusSynced)},
		{Sent: gone, Canonical: gone.WithStatus(models.StatusSynced)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	p1, _ := tablestore.Get[models.Project](s, models.TableProjects, "p1")
	if p1.Name != "edited again" || p1.SyncStatus != models.StatusUnsynced {
		t.Errorf("p1 = %+v", p1)
	}
	if _, ok := s.GetRow(models.TableProjects, "p2"); ok {
		t.Error("deleted row was recreated")
	}
}

func TestRollback_SupersedesLaterTokens(t *testing.T) {
	s := newStore(t)
	g := syncer.NewGate()
	m := NewManager(s, g)
	before := s.Snapshot()

	t1 := m.Begin()
	mutate(t, s, func(tx *tablestore.Tx) error { return tx.SetRow(proj("tmp-1", models.StatusLocalOnly)) })
	t2 := m.Begin()
	mutate(t, s, func(tx *tablestore.Tx) error {
		return tx.SetRow(models.Review{ID: "tmp-2", ProjectID: "tmp-1", Name: "R", SyncStatus: models.StatusLocalOnly})
	})
	if t2.ID() <= t1.ID() {
		t.Errorf("ids = %d, %d", t1.ID(), t2.ID())
	}
	if g.Count() != 2 {
		t.Fatalf("gate = %d", g.Count())
	}
	if err := m.Rollback(t1); err != nil {
		t.Fatal(err)
	}
	if !s.Snapshot().Equal(before) {
		t.Error("store not restored")
	}
	if m.State(t2) != RolledBack || !m.Superseded(t2) {
		t.Errorf("t2 state = %v, superseded = %v", m.State(t2), m.Superseded(t2))
	}
	if g.Count() != 0 {
		t.Errorf("gate = %d", g.Count())
	}
}

func TestConfirm_PatchesLaterSnapshots(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, syncer.NewGate())

	t1 := m.Begin()
	sent := proj("tmp-1", models.StatusLocalOnly)
	mutate(t, s, func(tx *tablestore.Tx) error { return tx.SetRow(sent) })
	t2 := m.Begin()
	mutate(t, s, func(tx *tablestore.Tx) error {
		return tx.SetRow(models.Review{ID: "tmp-2", ProjectID: "tmp-1", Name: "R", SyncStatus: models.StatusLocalOnly})
	})

	canonical := sent
	canonical.ID = "srv-42"
	if err := m.Confirm(t1, Result{Writes: []Write{{Sent: sent, Canonical: canonical}}, Remaps: map[string]string{"tmp-1": "srv-42"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(t2); err != nil {
		t.Fatal(err)
	}
	want := tablestore.Snapshot{
		models.TableProjects: {"srv-42": canonical.WithStatus(models.StatusSynced)},
	}
	if got := s.Snapshot(); !got.Equal(want) {
		t.Errorf("after rollback = %v", got)
	}
}

func TestCancel(t *testing.T) {
	s := newStore(t, proj("p1", models.StatusSynced))
	g := syncer.NewGate()
	m := NewManager(s, g)
	tok := m.Begin()
	if err := m.Cancel(tok); err != nil {
		t.Fatal(err)
	}
	if g.Count() != 0 || m.State(tok) != RolledBack {
		t.Errorf("gate = %d, state = %v", g.Count(), m.State(tok))
	}
	if _, ok := s.GetRow(models.TableProjects, "p1"); !ok {
		t.Error("cancel touched the store")
	}
	if err := m.Cancel(tok); !errors.Is(err, ErrSettled) {
		t.Errorf("second Cancel() = %v", err)
	}
}
