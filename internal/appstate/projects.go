package appstate

import (
	"time"

	"github.com/maruel/corates/internal/models"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/tablestore"
)

// SaveProject creates a project when id is empty, otherwise renames it.
// It returns the project id.
func (a *App) SaveProject(id, name string) (string, *speculative.Future, error) {
	if id == "" {
		return a.CreateProject(name)
	}
	f, err := a.UpdateProject(id, name)
	return id, f, err
}

// CreateProject adds a project owned by the current user under a temporary id.
func (a *App) CreateProject(name string) (string, *speculative.Future, error) {
	p := models.Project{
		ID:         newTempID(),
		Name:       name,
		OwnerID:    a.userID,
		UpdatedAt:  a.now().UTC().Format(time.RFC3339),
		SyncStatus: models.StatusLocalOnly,
	}
	f, err := a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := tx.SetRow(p); err != nil {
			return nil, err
		}
		return []speculative.Op{create(p)}, nil
	})
	if err != nil {
		return "", nil, err
	}
	return p.ID, f, nil
}

// UpdateProject renames a project.
func (a *App) UpdateProject(id, name string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		p, ok := tablestore.Get[models.Project](tx, models.TableProjects, id)
		if !ok {
			return nil, models.NotFound(models.TableProjects, id)
		}
		p.Name = name
		p.UpdatedAt = a.now().UTC().Format(time.RFC3339)
		p.SyncStatus = pendingStatus(p.SyncStatus)
		if err := tx.SetRow(p); err != nil {
			return nil, err
		}
		return []speculative.Op{update(p)}, nil
	})
}

// DeleteProject deletes a project with its members, reviews and everything
// below them. The server cascades on its own so a single delete is sent.
func (a *App) DeleteProject(id string) (*speculative.Future, error) {
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := deleteProjectTx(tx, id); err != nil {
			return nil, err
		}
		return []speculative.Op{remove(models.TableProjects, id)}, nil
	})
}

func deleteProjectTx(tx *tablestore.Tx, id string) error {
	if _, ok := tx.GetRow(models.TableProjects, id); !ok {
		return models.NotFound(models.TableProjects, id)
	}
	for _, m := range tablestore.All[models.ProjectMember](tx, models.TableProjectMembers) {
		if m.ProjectID == id {
			if _, err := tx.DelRow(models.TableProjectMembers, m.Key()); err != nil {
				return err
			}
		}
	}
	for _, r := range tablestore.All[models.Review](tx, models.TableReviews) {
		if r.ProjectID == id {
			if err := deleteReviewTx(tx, r.ID); err != nil {
				return err
			}
		}
	}
	_, err := tx.DelRow(models.TableProjects, id)
	return err
}

// AddProjectMember adds userID to a project, or changes the role of an
// existing member. An empty role means member.
func (a *App) AddProjectMember(projectID, userID string, role models.Role) (*speculative.Future, error) {
	if role == "" {
		role = models.RoleMember
	}
	m := models.ProjectMember{ProjectID: projectID, UserID: userID, Role: role, SyncStatus: models.StatusLocalOnly}
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		if err := require(tx, models.TableProjectMembers, models.TableProjects, projectID); err != nil {
			return nil, err
		}
		op := create
		if cur, ok := tx.GetRow(models.TableProjectMembers, m.Key()); ok {
			m.SyncStatus = pendingStatus(cur.Status())
			op = update
		}
		if err := tx.SetRow(m); err != nil {
			return nil, err
		}
		return []speculative.Op{op(m)}, nil
	})
}

// DeleteProjectMember removes userID from a project.
func (a *App) DeleteProjectMember(projectID, userID string) (*speculative.Future, error) {
	key := models.CompositeKey(projectID, userID)
	return a.mutate(func(tx *tablestore.Tx) ([]speculative.Op, error) {
		ok, err := tx.DelRow(models.TableProjectMembers, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.NotFound(models.TableProjectMembers, key)
		}
		return []speculative.Op{remove(models.TableProjectMembers, key)}, nil
	})
}
