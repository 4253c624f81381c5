package appstate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maruel/corates/internal/amstar"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/tablestore"
)

// ExampleReviews is the number of reviews of the example project.
const ExampleReviews = 3

// CreateExampleProject seeds a project owned by the current user with three
// reviews. Even reviews get two checklists, odd ones one. Answers alternate
// between the first and the last option of every column so the verdicts
// differ across checklists. Everything is sent as one job, parents first.
func (a *App) CreateExampleProject() (string, *speculative.Future, error) {
	now := a.now()
	p := models.Project{
		ID:         newTempID(),
		Name:       "Example Project",
		OwnerID:    a.userID,
		UpdatedAt:  now.UTC().Format(time.RFC3339),
		SyncStatus: models.StatusLocalOnly,
	}
	var rows []models.Row
	rows = append(rows, p)
	for i := range ExampleReviews {
		r := models.Review{
			ID:         newTempID(),
			ProjectID:  p.ID,
			Name:       fmt.Sprintf("Review %d", i+1),
			CreatedAt:  now.UnixMilli(),
			SyncStatus: models.StatusLocalOnly,
		}
		rows = append(rows, r)
		n := 1
		if i%2 == 0 {
			n = 2
		}
		for j := range n {
			c := models.Checklist{
				ID:         newTempID(),
				ReviewID:   r.ID,
				Type:       amstar.ChecklistType,
				UpdatedAt:  now.UnixMilli(),
				SyncStatus: models.StatusLocalOnly,
			}
			rows = append(rows, c)
			for _, q := range amstar.Questions() {
				rows = append(rows, models.ChecklistAnswer{
					ID:          uuid.NewString(),
					ChecklistID: c.ID,
					QuestionKey: q.Key,
					Answers:     exampleAnswers(q.Answers, i+j).String(),
					Critical:    q.Critical,
					UpdatedAt:   now.UnixMilli(),
					SyncStatus:  models.StatusLocalOnly,
				})
			}
		}
	}
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		ops := make([]speculative.Op, 0, len(rows))
		for _, r := range rows {
			if err := tx.SetRow(r); err != nil {
				return nil, err
			}
			ops = append(ops, create(r))
		}
		return ops, nil
	})
	if err != nil {
		return "", nil, err
	}
	return p.ID, f, nil
}

// exampleAnswers selects the first option of every column when n is even,
// the last one otherwise.
func exampleAnswers(tmpl models.Answers, n int) models.Answers {
	out := tmpl.Clone()
	for _, col := range out {
		if len(col) == 0 {
			continue
		}
		clear(col)
		if n%2 == 0 {
			col[0] = true
		} else {
			col[len(col)-1] = true
		}
	}
	return out
}
