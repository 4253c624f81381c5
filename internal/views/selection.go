// Handles the non-persisted UI selection state.

package views

import (
	"sync"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

// Selection tracks the current project, review and checklist.
//
// Selecting a parent clears its dependents. When a selected row disappears
// from the store (deleted, cascaded or evicted by a remote merge) its
// selection and every dependent selection reset to "".
type Selection struct {
	store  *tablestore.Store
	remove func()

	mu        sync.Mutex
	project   string
	review    string
	checklist string
	// renamed is set by Rename; callbacks run on the next update.
	renamed  bool
	onChange []func()
}

// NewSelection returns an empty selection bound to store.
func NewSelection(store *tablestore.Store) *Selection {
	s := &Selection{store: store}
	s.remove = store.AddStoreListener(s.prune)
	return s
}

// Close detaches the selection from the store.
func (s *Selection) Close() {
	s.remove()
}

// OnChange registers fn, called after any selection changed.
func (s *Selection) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// CurrentProject returns the selected project id.
func (s *Selection) CurrentProject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// CurrentReview returns the selected review id.
func (s *Selection) CurrentReview() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.review
}

// CurrentChecklist returns the selected checklist id.
func (s *Selection) CurrentChecklist() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checklist
}

// SelectProject selects the project and clears the review and checklist.
func (s *Selection) SelectProject(id string) {
	s.update(func() {
		s.project, s.review, s.checklist = id, "", ""
	})
}

// SelectReview selects the review and clears the checklist.
func (s *Selection) SelectReview(id string) {
	s.update(func() {
		s.review, s.checklist = id, ""
	})
}

// SelectChecklist selects the checklist.
func (s *Selection) SelectChecklist(id string) {
	s.update(func() {
		s.checklist = id
	})
}

// Rename follows an id remap of a selected row.
//
// It is meant to run inside the store transaction doing the remap, so it does
// not call the OnChange callbacks itself: they run once the transaction
// commits and notifies the selection.
func (s *Selection) Rename(table models.TableName, oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	field := map[models.TableName]*string{
		models.TableProjects:   &s.project,
		models.TableReviews:    &s.review,
		models.TableChecklists: &s.checklist,
	}[table]
	if field != nil && *field == oldID && oldID != "" {
		*field = newID
		s.renamed = true
	}
}

// prune never holds s.mu while reading the store: Rename runs with the store
// locked and takes s.mu.
func (s *Selection) prune(changed []models.TableName) {
	relevant := false
	for _, t := range changed {
		if t == models.TableProjects || t == models.TableReviews || t == models.TableChecklists {
			relevant = true
		}
	}
	s.mu.Lock()
	renamed := s.renamed
	ids := [3]string{s.project, s.review, s.checklist}
	s.mu.Unlock()
	if !relevant && !renamed {
		return
	}
	gone := [3]bool{}
	for i, table := range [3]models.TableName{models.TableProjects, models.TableReviews, models.TableChecklists} {
		if ids[i] != "" {
			_, ok := s.store.GetRow(table, ids[i])
			gone[i] = !ok
		}
	}
	s.update(func() {
		if gone[0] && s.project == ids[0] {
			s.project, s.review, s.checklist = "", "", ""
		}
		if gone[1] && s.review == ids[1] {
			s.review, s.checklist = "", ""
		}
		if gone[2] && s.checklist == ids[2] {
			s.checklist = ""
		}
	})
}

func (s *Selection) update(fn func()) {
	s.mu.Lock()
	before := [3]string{s.project, s.review, s.checklist}
	fn()
	after := [3]string{s.project, s.review, s.checklist}
	var cbs []func()
	if before != after || s.renamed {
		cbs = append(cbs, s.onChange...)
	}
	s.renamed = false
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
