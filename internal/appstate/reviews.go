package appstate

import (
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/tablestore"
)

// AddReview adds a review to a project and returns its temporary id.
func (a *App) AddReview(projectID, name string) (string, *speculative.Future, error) {
	r := models.Review{
		ID:         newTempID(),
		ProjectID:  projectID,
		Name:       name,
		CreatedAt:  a.nowMS(),
		SyncStatus: models.StatusLocalOnly,
	}
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := require(tx, models.TableReviews, models.TableProjects, projectID); err != nil {
			return nil, err
		}
		if err := tx.SetRow(r); err != nil {
			return nil, err
		}
		return []speculative.Op{create(r)}, nil
	})
	if err != nil {
		return "", nil, err
	}
	return r.ID, f, nil
}

// DeleteReview deletes a review with its assignments and checklists.
func (a *App) DeleteReview(id string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := deleteReviewTx(tx, id); err != nil {
			return nil, err
		}
		return []speculative.Op{remove(models.TableReviews, id)}, nil
	})
}

func deleteReviewTx(tx *tablestore.Tx, id string) error {
	if _, ok := tx.GetRow(models.TableReviews, id); !ok {
		return models.NotFound(models.TableReviews, id)
	}
	for _, ra := range tablestore.All[models.ReviewAssignment](tx, models.TableReviewAssignments) {
		if ra.ReviewID == id {
			if _, err := tx.DelRow(models.TableReviewAssignments, ra.Key()); err != nil {
				return err
			}
		}
	}
	for _, c := range tablestore.All[models.Checklist](tx, models.TableChecklists) {
		if c.ReviewID == id {
			if err := deleteChecklistTx(tx, c.ID); err != nil {
				return err
			}
		}
	}
	_, err := tx.DelRow(models.TableReviews, id)
	return err
}

// AddReviewAssignment assigns a review to userID. Assigning twice keeps one
// row.
func (a *App) AddReviewAssignment(reviewID, userID string) (*speculative.Future, error) {
	ra := models.ReviewAssignment{ReviewID: reviewID, UserID: userID, SyncStatus: models.StatusLocalOnly}
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := require(tx, models.TableReviewAssignments, models.TableReviews, reviewID); err != nil {
			return nil, err
		}
		op := create
		if cur, ok := tx.GetRow(models.TableReviewAssignments, ra.Key()); ok {
			ra.SyncStatus = pendingStatus(cur.Status())
			op = update
		}
		if err := tx.SetRow(ra); err != nil {
			return nil, err
		}
		return []speculative.Op{op(ra)}, nil
	})
}

// DeleteReviewAssignment removes the assignment of a review to userID.
func (a *App) DeleteReviewAssignment(reviewID, userID string) (*speculative.Future, error) {
	key := models.CompositeKey(reviewID, userID)
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		ok, err := tx.DelRow(models.TableReviewAssignments, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.NotFound(models.TableReviewAssignments, key)
		}
		return []speculative.Op{remove(models.TableReviewAssignments, key)}, nil
	})
}
