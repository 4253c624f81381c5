// Package views derives memoized, read-only projections from a table store.
//
// Each per-table accessor caches its result together with the table version
// it was computed from. The cache is checked against the store on every call,
// so a read after a committed transaction never returns the previous state.
package views

import (
	"slices"
	"strings"
	"sync"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

// Source is the subset of the store the projections read.
type Source interface {
	tablestore.Reader
	Version(table models.TableName) uint64
}

// AnswerView is a checklist answer with its parsed matrix.
type AnswerView struct {
	models.ChecklistAnswer
	Matrix models.Answers
}

// Views computes projections over a store. It is safe for concurrent use.
type Views struct {
	src Source

	mu    sync.Mutex
	cache map[models.TableName]entry
	// recomputes counts cache misses, exposed for tests.
	recomputes int
}

type entry struct {
	version uint64
	value   any
}

// New returns projections over src.
func New(src Source) *Views {
	return &Views{src: src, cache: map[models.TableName]entry{}}
}

// memo returns the cached projection of table, recomputing it with build when
// the table changed.
func memo[T any](v *Views, table models.TableName, build func([]models.Row) []T) []T {
	// Read the version before the rows: a concurrent write makes the cached
	// entry look older than it is, never newer.
	ver := v.src.Version(table)
	v.mu.Lock()
	e, ok := v.cache[table]
	v.mu.Unlock()
	if ok && e.version == ver {
		return slices.Clone(e.value.([]T))
	}
	out := build(v.src.Rows(table))
	v.mu.Lock()
	v.cache[table] = entry{version: ver, value: out}
	v.recomputes++
	v.mu.Unlock()
	return slices.Clone(out)
}

func typed[T models.Row](rows []models.Row) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Users returns every user sorted by id.
func (v *Views) Users() []models.User {
	return memo(v, models.TableUsers, typed[models.User])
}

// Projects returns every project sorted by id.
func (v *Views) Projects() []models.Project {
	return memo(v, models.TableProjects, typed[models.Project])
}

// ProjectMemberRows returns every project member sorted by key.
func (v *Views) ProjectMemberRows() []models.ProjectMember {
	return memo(v, models.TableProjectMembers, typed[models.ProjectMember])
}

// Reviews returns every review sorted by id.
func (v *Views) Reviews() []models.Review {
	return memo(v, models.TableReviews, typed[models.Review])
}

// ReviewAssignmentRows returns every review assignment sorted by key.
func (v *Views) ReviewAssignmentRows() []models.ReviewAssignment {
	return memo(v, models.TableReviewAssignments, typed[models.ReviewAssignment])
}

// Checklists returns every checklist sorted by id.
func (v *Views) Checklists() []models.Checklist {
	return memo(v, models.TableChecklists, typed[models.Checklist])
}

// Answers returns every answer with its parsed matrix, sorted by id.
func (v *Views) Answers() []AnswerView {
	return memo(v, models.TableChecklistAnswers, func(rows []models.Row) []AnswerView {
		out := make([]AnswerView, 0, len(rows))
		for _, a := range typed[models.ChecklistAnswer](rows) {
			// Rows are validated on write, so the text always parses.
			m, _ := models.ParseAnswers(a.Answers)
			out = append(out, AnswerView{ChecklistAnswer: a, Matrix: m})
		}
		return out
	})
}

// ReviewsForProject returns the reviews of the project.
func (v *Views) ReviewsForProject(projectID string) []models.Review {
	return filter(v.Reviews(), func(r models.Review) bool { return r.ProjectID == projectID })
}

// ChecklistsForReview returns the checklists of the review.
func (v *Views) ChecklistsForReview(reviewID string) []models.Checklist {
	return filter(v.Checklists(), func(c models.Checklist) bool { return c.ReviewID == reviewID })
}

// AnswersForChecklist returns the answers of the checklist sorted by question.
func (v *Views) AnswersForChecklist(checklistID string) []AnswerView {
	out := filter(v.Answers(), func(a AnswerView) bool { return a.ChecklistID == checklistID })
	slices.SortStableFunc(out, func(a, b AnswerView) int { return compareQuestions(a.QuestionKey, b.QuestionKey) })
	return out
}

// AnswersForQuestion returns the answer of one question of the checklist.
func (v *Views) AnswersForQuestion(checklistID, questionKey string) (AnswerView, bool) {
	for _, a := range v.Answers() {
		if a.ChecklistID == checklistID && a.QuestionKey == questionKey {
			return a, true
		}
	}
	return AnswerView{}, false
}

// ProjectMembers returns the members of the project.
func (v *Views) ProjectMembers(projectID string) []models.ProjectMember {
	return filter(v.ProjectMemberRows(), func(m models.ProjectMember) bool { return m.ProjectID == projectID })
}

// ReviewAssignments returns the assignments of the review.
func (v *Views) ReviewAssignments(reviewID string) []models.ReviewAssignment {
	return filter(v.ReviewAssignmentRows(), func(a models.ReviewAssignment) bool { return a.ReviewID == reviewID })
}

// AssignmentsForUser returns the review assignments of the user.
func (v *Views) AssignmentsForUser(userID string) []models.ReviewAssignment {
	return filter(v.ReviewAssignmentRows(), func(a models.ReviewAssignment) bool { return a.UserID == userID })
}

// ReviewsAssignedToUser returns the reviews the user is assigned to.
func (v *Views) ReviewsAssignedToUser(userID string) []models.Review {
	ids := map[string]bool{}
	for _, a := range v.AssignmentsForUser(userID) {
		ids[a.ReviewID] = true
	}
	return filter(v.Reviews(), func(r models.Review) bool { return ids[r.ID] })
}

// ProjectsForUser returns the projects the user owns or is a member of.
func (v *Views) ProjectsForUser(userID string) []models.Project {
	ids := map[string]bool{}
	for _, m := range v.ProjectMemberRows() {
		if m.UserID == userID {
			ids[m.ProjectID] = true
		}
	}
	return filter(v.Projects(), func(p models.Project) bool { return p.OwnerID == userID || ids[p.ID] })
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, x := range in {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

// compareQuestions orders q2 before q10 and q9a before q9b.
func compareQuestions(a, b string) int {
	na, sa := splitQuestion(a)
	nb, sb := splitQuestion(b)
	if na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(sa, sb)
}

func splitQuestion(k string) (int, string) {
	s := strings.TrimPrefix(k, "q")
	n, i := 0, 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	if i == 0 {
		return -1, k
	}
	return n, s[i:]
}
