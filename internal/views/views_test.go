package views

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

func newStore(t *testing.T, rows ...models.Row) *tablestore.Store {
	t.Helper()
	s, err := tablestore.New(tablestore.DefaultSchema())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	err = s.Transaction(func(tx *tablestore.Tx) error {
		for _, r := range rows {
			if err := tx.SetRow(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

const synced = models.StatusSynced

func fixture() []models.Row {
	return []models.Row{
		models.Project{ID: "p1", Name: "One", OwnerID: "u1", SyncStatus: synced},
		models.Project{ID: "p2", Name: "Two", OwnerID: "u2", SyncStatus: synced},
		models.ProjectMember{ProjectID: "p2", UserID: "u1", Role: models.RoleMember, SyncStatus: synced},
		models.ProjectMember{ProjectID: "p2", UserID: "u2", Role: models.RoleOwner, SyncStatus: synced},
		models.Review{ID: "r1", ProjectID: "p1", Name: "R1", SyncStatus: synced},
		models.Review{ID: "r2", ProjectID: "p2", Name: "R2", SyncStatus: synced},
		models.ReviewAssignment{ReviewID: "r2", UserID: "u3", SyncStatus: synced},
		models.Checklist{ID: "c1", ReviewID: "r1", Type: "amstar", SyncStatus: synced},
		models.ChecklistAnswer{ID: "a10", ChecklistID: "c1", QuestionKey: "q10", Answers: "[[true,false]]", SyncStatus: synced},
		models.ChecklistAnswer{ID: "a2", ChecklistID: "c1", QuestionKey: "q2", Answers: "[[false,true]]", Critical: true, SyncStatus: synced},
		models.ChecklistAnswer{ID: "a9b", ChecklistID: "c1", QuestionKey: "q9b", SyncStatus: synced},
		models.ChecklistAnswer{ID: "a9a", ChecklistID: "c1", QuestionKey: "q9a", SyncStatus: synced},
	}
}

func TestViews_Relationships(t *testing.T) {
	s := newStore(t, fixture()...)
	v := New(s)

	if got := ids(v.ReviewsForProject("p1"), func(r models.Review) string { return r.ID }); !slices.Equal(got, []string{"r1"}) {
		t.Errorf("ReviewsForProject = %v", got)
	}
	if got := ids(v.ChecklistsForReview("r1"), func(c models.Checklist) string { return c.ID }); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("ChecklistsForReview = %v", got)
	}
	got := ids(v.AnswersForChecklist("c1"), func(a AnswerView) string { return a.QuestionKey })
	if want := []string{"q2", "q9a", "q9b", "q10"}; !slices.Equal(got, want) {
		t.Errorf("AnswersForChecklist = %v, want %v", got, want)
	}
	if got := ids(v.ProjectMembers("p2"), func(m models.ProjectMember) string { return m.UserID }); !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("ProjectMembers = %v", got)
	}
	if got := ids(v.ReviewAssignments("r2"), func(a models.ReviewAssignment) string { return a.UserID }); !slices.Equal(got, []string{"u3"}) {
		t.Errorf("ReviewAssignments = %v", got)
	}
	if got := ids(v.ProjectsForUser("u1"), func(p models.Project) string { return p.ID }); !slices.Equal(got, []string{"p1", "p2"}) {
		t.Errorf("ProjectsForUser = %v", got)
	}
	if got := ids(v.ReviewsAssignedToUser("u3"), func(r models.Review) string { return r.ID }); !slices.Equal(got, []string{"r2"}) {
		t.Errorf("ReviewsAssignedToUser = %v", got)
	}
	a, ok := v.AnswersForQuestion("c1", "q2")
	if !ok || !a.Critical {
		t.Fatalf("AnswersForQuestion = %+v, %v", a, ok)
	}
	if verdict, ok := a.Matrix.Verdict(); !ok || verdict != 1 {
		t.Errorf("Verdict = %d, %v", verdict, ok)
	}
}

func TestViews_Memoization(t *testing.T) {
	s := newStore(t, fixture()...)
	v := New(s)
	_ = v.Reviews()
	_ = v.Reviews()
	_ = v.ReviewsForProject("p1")
	if v.recomputes != 1 {
		t.Errorf("recomputes = %d, want 1", v.recomputes)
	}
	// Writes to another table keep the cache.
	if err := s.SetRow(models.Project{ID: "p3", Name: "Three", SyncStatus: synced}); err != nil {
		t.Fatal(err)
	}
	_ = v.Reviews()
	if v.recomputes != 1 {
		t.Errorf("recomputes = %d, want 1", v.recomputes)
	}
	// A committed write is visible on the next read.
	if err := s.SetRow(models.Review{ID: "r3", ProjectID: "p1", Name: "R3", SyncStatus: synced}); err != nil {
		t.Fatal(err)
	}
	if n := len(v.ReviewsForProject("p1")); n != 2 {
		t.Errorf("ReviewsForProject = %d rows, want 2", n)
	}
	if v.recomputes != 2 {
		t.Errorf("recomputes = %d, want 2", v.recomputes)
	}
}

func TestViews_ResultsAreCopies(t *testing.T) {
	s := newStore(t, fixture()...)
	v := New(s)
	r := v.Reviews()
	r[0].Name = "mutated"
	if v.Reviews()[0].Name == "mutated" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestSelection(t *testing.T) {
	s := newStore(t, fixture()...)
	sel := NewSelection(s)
	defer sel.Close()
	changes := 0
	sel.OnChange(func() { changes++ })

	sel.SelectProject("p1")
	sel.SelectReview("r1")
	sel.SelectChecklist("c1")
	sel.SelectProject("p2")
	if sel.CurrentReview() != "" || sel.CurrentChecklist() != "" {
		t.Error("selecting a project must clear dependents")
	}
	sel.SelectProject("p1")
	sel.SelectReview("r1")
	sel.SelectChecklist("c1")
	sel.SelectReview("r1")
	if sel.CurrentChecklist() != "" {
		t.Error("selecting a review must clear the checklist")
	}
	if changes != 8 {
		t.Errorf("changes = %d, want 8", changes)
	}

	sel.SelectChecklist("c1")
	if _, err := s.DelRow(models.TableReviews, "r1"); err != nil {
		t.Fatal(err)
	}
	if sel.CurrentProject() != "p1" || sel.CurrentReview() != "" || sel.CurrentChecklist() != "" {
		t.Errorf("after delete: %q %q %q", sel.CurrentProject(), sel.CurrentReview(), sel.CurrentChecklist())
	}
	if _, err := s.DelRow(models.TableProjects, "p1"); err != nil {
		t.Fatal(err)
	}
	if sel.CurrentProject() != "" {
		t.Error("deleted project still selected")
	}
}

func TestSelection_Rename(t *testing.T) {
	s := newStore(t, models.Project{ID: "tmp-1", Name: "New", OwnerID: "u1", SyncStatus: models.StatusLocalOnly})
	sel := NewSelection(s)
	defer sel.Close()
	sel.SelectProject("tmp-1")
	changes := 0
	sel.OnChange(func() { changes++ })
	// The remap replaces the row and renames the selection in one commit.
	err := s.Transaction(func(tx *tablestore.Tx) error {
		if _, err := tx.DelRow(models.TableProjects, "tmp-1"); err != nil {
			return err
		}
		sel.Rename(models.TableProjects, "tmp-1", "srv-42")
		return tx.SetRow(models.Project{ID: "srv-42", Name: "New", OwnerID: "u1", SyncStatus: synced})
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := sel.CurrentProject(); got != "srv-42" {
		t.Errorf("CurrentProject = %q", got)
	}
	if changes != 1 {
		t.Errorf("changes = %d, want 1", changes)
	}
}

func TestSelection_RenameDuringCommits(t *testing.T) {
	s := newStore(t, models.Project{ID: "keep", Name: "Keep", OwnerID: "u1", SyncStatus: synced})
	sel := NewSelection(s)
	defer sel.Close()
	sel.SelectProject("keep")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			oldID, newID := fmt.Sprintf("tmp-%d", i), fmt.Sprintf("srv-%d", i)
			_ = s.Transaction(func(tx *tablestore.Tx) error {
				sel.Rename(models.TableProjects, oldID, newID)
				return tx.SetRow(models.Project{ID: newID, Name: "N", OwnerID: "u1", SyncStatus: synced})
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 200 {
			_ = s.SetRow(models.Project{ID: fmt.Sprintf("other-%d", i), Name: "O", OwnerID: "u2", SyncStatus: synced})
		}
	}()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock between Rename and the selection listener")
	}
	if got := sel.CurrentProject(); got != "keep" {
		t.Errorf("CurrentProject = %q", got)
	}
}

func ids[T any](in []T, id func(T) string) []string {
	out := make([]string, 0, len(in))
	for _, x := range in {
		out = append(out, id(x))
	}
	return out
}
