package appstate

import (
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/tablestore"
)

// SelectProject selects a project and clears the review and checklist. An
// empty id clears the selection.
func (a *App) SelectProject(id string) error {
	if err := a.exists(models.TableProjects, id); err != nil {
		return err
	}
	a.sel.SelectProject(id)
	return nil
}

// SelectReview selects a review and clears the checklist.
func (a *App) SelectReview(id string) error {
	if err := a.exists(models.TableReviews, id); err != nil {
		return err
	}
	a.sel.SelectReview(id)
	return nil
}

// SelectChecklist selects a checklist.
func (a *App) SelectChecklist(id string) error {
	if err := a.exists(models.TableChecklists, id); err != nil {
		return err
	}
	a.sel.SelectChecklist(id)
	return nil
}

func (a *App) exists(table models.TableName, id string) error {
	if id == "" {
		return nil
	}
	if _, ok := a.store.GetRow(table, id); !ok {
		return models.NotFound(table, id)
	}
	return nil
}

// Discard drops a local row that was never confirmed, with the rows below
// it, without telling the server. Rows left pending by a write that failed
// for good stay in the store until discarded.
func (a *App) Discard(table models.TableName, key string) error {
	return a.store.Transaction(func(tx *tablestore.Tx) error {
		row, ok := tx.GetRow(table, key)
		if !ok {
			return models.NotFound(table, key)
		}
		if !row.Status().IsPending() {
			return models.Validation(table, key+" is synced")
		}
		switch table {
		case models.TableProjects:
			return deleteProjectTx(tx, key)
		case models.TableReviews:
			return deleteReviewTx(tx, key)
		case models.TableChecklists:
			return deleteChecklistTx(tx, key)
		default:
			_, err := tx.DelRow(table, key)
			return err
		}
	})
}
