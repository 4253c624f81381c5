package appstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/maruel/corates/internal/localcache"
	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/tablestore"
)

var errNoCache = errors.New("appstate: no local cache configured")

// ProjectDocument is a project with every row below it.
type ProjectDocument struct {
	Project     models.Project            `json:"project"`
	Members     []models.ProjectMember    `json:"members,omitempty"`
	Reviews     []models.Review           `json:"reviews,omitempty"`
	Assignments []models.ReviewAssignment `json:"assignments,omitempty"`
	Checklists  []ChecklistDocument       `json:"checklists,omitempty"`
}

// ChecklistDocument is a checklist with its answers.
type ChecklistDocument struct {
	Checklist models.Checklist         `json:"checklist"`
	Answers   []models.ChecklistAnswer `json:"answers,omitempty"`
}

// ExportProject copies a project and its rows to the local cache.
func (a *App) ExportProject(ctx context.Context, id string) error {
	if a.cache == nil {
		return errNoCache
	}
	p, ok := tablestore.Get[models.Project](a.store, models.TableProjects, id)
	if !ok {
		return models.NotFound(models.TableProjects, id)
	}
	doc := ProjectDocument{Project: p, Members: a.views.ProjectMembers(id), Reviews: a.views.ReviewsForProject(id)}
	for _, r := range doc.Reviews {
		doc.Assignments = append(doc.Assignments, a.views.ReviewAssignments(r.ID)...)
		for _, c := range a.views.ChecklistsForReview(r.ID) {
			doc.Checklists = append(doc.Checklists, a.checklistDocument(c))
		}
	}
	return a.cache.Put(ctx, localcache.BucketProjects, id, doc)
}

// ExportChecklist copies a checklist and its answers to the local cache.
func (a *App) ExportChecklist(ctx context.Context, id string) error {
	if a.cache == nil {
		return errNoCache
	}
	c, ok := tablestore.Get[models.Checklist](a.store, models.TableChecklists, id)
	if !ok {
		return models.NotFound(models.TableChecklists, id)
	}
	return a.cache.Put(ctx, localcache.BucketChecklists, id, a.checklistDocument(c))
}

func (a *App) checklistDocument(c models.Checklist) ChecklistDocument {
	doc := ChecklistDocument{Checklist: c}
	for _, av := range a.views.AnswersForChecklist(c.ID) {
		doc.Answers = append(doc.Answers, av.ChecklistAnswer)
	}
	return doc
}

// LocalProjects returns the projects exported to the local cache.
func (a *App) LocalProjects(ctx context.Context) ([]ProjectDocument, error) {
	if a.cache == nil {
		return nil, errNoCache
	}
	docs, err := a.cache.All(ctx, localcache.BucketProjects)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectDocument, 0, len(docs))
	for _, d := range docs {
		var p ProjectDocument
		if err := json.Unmarshal(d.Data, &p); err != nil {
			return nil, fmt.Errorf("appstate: decode cached project %s: %w", d.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ImportChecklist recreates an exported checklist under reviewID with new
// ids. It returns the new checklist id.
func (a *App) ImportChecklist(ctx context.Context, id, reviewID string) (string, *speculative.Future, error) {
	if a.cache == nil {
		return "", nil, errNoCache
	}
	var doc ChecklistDocument
	ok, err := a.cache.Get(ctx, localcache.BucketChecklists, id, &doc)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, models.NotFound(models.TableChecklists, id)
	}
	now := a.nowMS()
	c := doc.Checklist
	c.ID = newTempID()
	c.ReviewID = reviewID
	c.CompletedAt = 0
	c.UpdatedAt = now
	if c.Type == "" {
		c.Type = models.ChecklistTypeAMSTAR
	}
	c.SyncStatus = models.StatusLocalOnly
	answers := make([]models.ChecklistAnswer, 0, len(doc.Answers))
	for _, ans := range doc.Answers {
		ans.ID = uuid.NewString()
		ans.ChecklistID = c.ID
		ans.UpdatedAt = now
		ans.SyncStatus = models.StatusLocalOnly
		answers = append(answers, ans)
	}
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		return addChecklistTx(tx, c, answers)
	})
	if err != nil {
		return "", nil, err
	}
	return c.ID, f, nil
}
