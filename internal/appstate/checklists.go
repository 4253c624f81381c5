package appstate

import (
	"github.com/google/uuid"

	"github.com/maruel/corates/internal/amstar"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/tablestore"
)

// AddChecklist adds a checklist to a review and returns its temporary id.
//
// With defaults, one answer per template question is created along with it
// and sent in the same job, checklist first.
func (a *App) AddChecklist(reviewID, reviewerID string, withDefaults bool) (string, *speculative.Future, error) {
	now := a.nowMS()
	c := models.Checklist{
		ID:         newTempID(),
		ReviewID:   reviewID,
		ReviewerID: reviewerID,
		Type:       amstar.ChecklistType,
		UpdatedAt:  now,
		SyncStatus: models.StatusLocalOnly,
	}
	var answers []models.ChecklistAnswer
	if withDefaults {
		for _, q := range amstar.Questions() {
			answers = append(answers, models.ChecklistAnswer{
				ID:          uuid.NewString(),
				ChecklistID: c.ID,
				QuestionKey: q.Key,
				Answers:     q.Answers.String(),
				Critical:    q.Critical,
				UpdatedAt:   now,
				SyncStatus:  models.StatusLocalOnly,
			})
		}
	}
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		return addChecklistTx(tx, c, answers)
	})
	if err != nil {
		return "", nil, err
	}
	return c.ID, f, nil
}

func addChecklistTx(tx *tablestore.Tx, c models.Checklist, answers []models.ChecklistAnswer) ([]speculative.Op, error) {
	if err := require(tx, models.TableChecklists, models.TableReviews, c.ReviewID); err != nil {
		return nil, err
	}
	if err := tx.SetRow(c); err != nil {
		return nil, err
	}
	ops := []speculative.Op{create(c)}
	for _, ans := range answers {
		if err := tx.SetRow(ans); err != nil {
			return nil, err
		}
		ops = append(ops, create(ans))
	}
	return ops, nil
}

// CompleteChecklist marks a checklist completed now.
func (a *App) CompleteChecklist(id string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		c, ok := tablestore.Get[models.Checklist](tx, models.TableChecklists, id)
		if !ok {
			return nil, models.NotFound(models.TableChecklists, id)
		}
		c.CompletedAt = a.nowMS()
		c.UpdatedAt = c.CompletedAt
		c.SyncStatus = pendingStatus(c.SyncStatus)
		if err := tx.SetRow(c); err != nil {
			return nil, err
		}
		return []speculative.Op{update(c)}, nil
	})
}

// DeleteChecklist deletes a checklist with its answers.
func (a *App) DeleteChecklist(id string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := deleteChecklistTx(tx, id); err != nil {
			return nil, err
		}
		return []speculative.Op{remove(models.TableChecklists, id)}, nil
	})
}

func deleteChecklistTx(tx *tablestore.Tx, id string) error {
	if _, ok := tx.GetRow(models.TableChecklists, id); !ok {
		return models.NotFound(models.TableChecklists, id)
	}
	for _, ans := range tablestore.All[models.ChecklistAnswer](tx, models.TableChecklistAnswers) {
		if ans.ChecklistID == id {
			if _, err := tx.DelRow(models.TableChecklistAnswers, ans.ID); err != nil {
				return err
			}
		}
	}
	_, err := tx.DelRow(models.TableChecklists, id)
	return err
}

// AddChecklistAnswer stores the answer of one question. A checklist holds one
// answer per question, so an existing answer is updated in place and keeps
// its id. It returns the answer id.
func (a *App) AddChecklistAnswer(checklistID, questionKey string, answers models.Answers, critical bool) (string, *speculative.Future, error) {
	if questionKey == "" {
		return "", nil, models.Validation(models.TableChecklistAnswers, "missing question key")
	}
	var id string
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := require(tx, models.TableChecklistAnswers, models.TableChecklists, checklistID); err != nil {
			return nil, err
		}
		ans := models.ChecklistAnswer{
			ID:          uuid.NewString(),
			ChecklistID: checklistID,
			QuestionKey: questionKey,
			SyncStatus:  models.StatusLocalOnly,
		}
		kind := speculative.Create
		for _, cur := range tablestore.All[models.ChecklistAnswer](tx, models.TableChecklistAnswers) {
			if cur.ChecklistID == checklistID && cur.QuestionKey == questionKey {
				ans = cur
				ans.SyncStatus = pendingStatus(cur.SyncStatus)
				kind = speculative.Update
				break
			}
		}
		ans.Answers = answers.String()
		ans.Critical = critical
		ans.UpdatedAt = a.nowMS()
		if err := tx.SetRow(ans); err != nil {
			return nil, err
		}
		id = ans.ID
		return []speculative.Op{{Kind: kind, Table: ans.Table(), Key: ans.Key(), Row: ans}}, nil
	})
	if err != nil {
		return "", nil, err
	}
	return id, f, nil
}

// DeleteChecklistAnswer deletes one answer.
func (a *App) DeleteChecklistAnswer(id string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		ok, err := tx.DelRow(models.TableChecklistAnswers, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.NotFound(models.TableChecklistAnswers, id)
		}
		return []speculative.Op{remove(models.TableChecklistAnswers, id)}, nil
	})
}
