// Package models defines the row types mirrored by the local store.
//
// Each table has exactly one row type. All row types are small value structs
// implementing [Row], so copying a row (or a map of rows) is a deep copy.
package models

import (
	"errors"
	"fmt"
)

// TableName identifies one normalized table.
type TableName string

const (
	// TableUsers holds the read-only user mirror.
	TableUsers TableName = "users"
	// TableProjects holds projects.
	TableProjects TableName = "projects"
	// TableProjectMembers is the project/user junction.
	TableProjectMembers TableName = "project_members"
	// TableReviews holds reviews, one project each.
	TableReviews TableName = "reviews"
	// TableReviewAssignments is the review/user junction.
	TableReviewAssignments TableName = "review_assignments"
	// TableChecklists holds checklists, one review each.
	TableChecklists TableName = "checklists"
	// TableChecklistAnswers holds one answer row per checklist question.
	TableChecklistAnswers TableName = "checklist_answers"
)

// Tables lists every table, parents before children.
var Tables = []TableName{
	TableUsers,
	TableProjects,
	TableProjectMembers,
	TableReviews,
	TableReviewAssignments,
	TableChecklists,
	TableChecklistAnswers,
}

// IsJunction reports whether rows of the table are keyed by a composite key.
func (t TableName) IsJunction() bool {
	return t == TableProjectMembers || t == TableReviewAssignments
}

// SyncStatus tracks whether a local row is confirmed by the server.
type SyncStatus string

const (
	// StatusSynced rows match the last authoritative snapshot.
	StatusSynced SyncStatus = "synced"
	// StatusUnsynced rows carry a local change submitted or pending submission.
	StatusUnsynced SyncStatus = "unsynced"
	// StatusLocalOnly rows were never submitted to the server.
	StatusLocalOnly SyncStatus = "local-only"
)

// IsPending reports whether the row holds a write the server has not confirmed.
func (s SyncStatus) IsPending() bool {
	return s == StatusUnsynced || s == StatusLocalOnly
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s SyncStatus) CanAdvanceTo(next SyncStatus) bool {
	switch s {
	case StatusLocalOnly:
		return next == StatusUnsynced || next == StatusSynced
	case StatusUnsynced:
		return next == StatusSynced
	default:
		return false
	}
}

// Validate checks the status is one of the known values.
func (s SyncStatus) Validate() error {
	switch s {
	case StatusSynced, StatusUnsynced, StatusLocalOnly:
		return nil
	case "":
		return errors.New("sync_status is required")
	default:
		return fmt.Errorf("invalid sync_status %q", s)
	}
}

// Row is the sum type over every table's row shape.
//
// Implementations are value types; methods never mutate the receiver.
type Row interface {
	// Table returns the table the row belongs to.
	Table() TableName
	// Key returns the row key: the id, or the composite key for junctions.
	Key() string
	// Status returns the sync status.
	Status() SyncStatus
	// WithStatus returns a copy with the sync status replaced.
	WithStatus(SyncStatus) Row
	// Validate checks required fields and relationships.
	Validate() error
	// RemapID returns a copy where every id or foreign key equal to oldID is
	// replaced by newID. The boolean is false when nothing referenced oldID.
	RemapID(oldID, newID string) (Row, bool)

	isRow()
}

func remap(field *string, oldID, newID string) bool {
	if *field != "" && *field == oldID {
		*field = newID
		return true
	}
	return false
}

func required(table TableName, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return Validation(table, fmt.Sprintf("missing required field %s", pairs[i]))
		}
	}
	return nil
}

// User is a read-only mirror of a server account.
type User struct {
	ID         string     `json:"id" jsonschema:"required,description=Unique user ID"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

func (User) isRow() {}
func (User) Table() TableName { return TableUsers }
func (u User) Key() string { return u.ID }
func (u User) Status() SyncStatus { return u.SyncStatus }
func (u User) WithStatus(s SyncStatus) Row {
	u.SyncStatus = s
	return u
}

// Validate implements [Row].
func (u User) Validate() error {
	return required(TableUsers, "id", u.ID)
}

// RemapID implements [Row].
func (u User) RemapID(oldID, newID string) (Row, bool) {
	ok := remap(&u.ID, oldID, newID)
	return u, ok
}

// Project is a collection of reviews owned by one user.
type Project struct {
	ID      string `json:"id" jsonschema:"required,description=Unique project ID"`
	Name    string `json:"name" jsonschema:"required,description=Project title"`
	OwnerID string `json:"owner_id" jsonschema:"description=FK to users.id"`
	// UpdatedAt is an ISO 8601 timestamp.
	UpdatedAt  string     `json:"updated_at"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

func (Project) isRow() {}
func (Project) Table() TableName { return TableProjects }
func (p Project) Key() string { return p.ID }
func (p Project) Status() SyncStatus { return p.SyncStatus }
func (p Project) WithStatus(s SyncStatus) Row {
	p.SyncStatus = s
	return p
}

// Validate implements [Row].
func (p Project) Validate() error {
	return required(TableProjects, "id", p.ID, "name", p.Name)
}

// RemapID implements [Row].
func (p Project) RemapID(oldID, newID string) (Row, bool) {
	a := remap(&p.ID, oldID, newID)
	b := remap(&p.OwnerID, oldID, newID)
	return p, a || b
}

// Role is a project membership role.
type Role string

const (
	// RoleOwner may manage members.
	RoleOwner Role = "owner"
	// RoleMember may appraise reviews.
	RoleMember Role = "member"
)

// ProjectMember links a user to a project. Keyed by project_id::user_id.
type ProjectMember struct {
	ProjectID  string     `json:"project_id" jsonschema:"required,description=FK to projects.id"`
	UserID     string     `json:"user_id" jsonschema:"required,description=FK to users.id"`
	Role       Role       `json:"role" jsonschema:"default=member"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

func (ProjectMember) isRow() {}
func (ProjectMember) Table() TableName { return TableProjectMembers }
func (m ProjectMember) Key() string { return CompositeKey(m.ProjectID, m.UserID) }
func (m ProjectMember) Status() SyncStatus { return m.SyncStatus }
func (m ProjectMember) WithStatus(s SyncStatus) Row {
	m.SyncStatus = s
	return m
}

// Validate implements [Row].
func (m ProjectMember) Validate() error {
	if err := required(TableProjectMembers, "project_id", m.ProjectID, "user_id", m.UserID); err != nil {
		return err
	}
	if m.Role != RoleOwner && m.Role != RoleMember {
		return Validation(TableProjectMembers, fmt.Sprintf("invalid role %q", m.Role))
	}
	return ValidateKeyParts(TableProjectMembers, m.ProjectID, m.UserID)
}

// RemapID implements [Row].
func (m ProjectMember) RemapID(oldID, newID string) (Row, bool) {
	a := remap(&m.ProjectID, oldID, newID)
	b := remap(&m.UserID, oldID, newID)
	return m, a || b
}

// Review is one systematic review being appraised within a project.
type Review struct {
	ID        string `json:"id" jsonschema:"required,description=Unique review ID"`
	ProjectID string `json:"project_id" jsonschema:"required,description=FK to projects.id"`
	Name      string `json:"name" jsonschema:"required"`
	// CreatedAt is in milliseconds since epoch.
	CreatedAt  int64      `json:"created_at"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

func (Review) isRow() {}
func (Review) Table() TableName { return TableReviews }
func (r Review) Key() string { return r.ID }
func (r Review) Status() SyncStatus { return r.SyncStatus }
func (r Review) WithStatus(s SyncStatus) Row {
	r.SyncStatus = s
	return r
}

// Validate implements [Row].
func (r Review) Validate() error {
	return required(TableReviews, "id", r.ID, "project_id", r.ProjectID, "name", r.Name)
}

// RemapID implements [Row].
func (r Review) RemapID(oldID, newID string) (Row, bool) {
	a := remap(&r.ID, oldID, newID)
	b := remap(&r.ProjectID, oldID, newID)
	return r, a || b
}

// ReviewAssignment links a reviewer to a review. Keyed by review_id::user_id.
type ReviewAssignment struct {
	ReviewID   string     `json:"review_id" jsonschema:"required,description=FK to reviews.id"`
	UserID     string     `json:"user_id" jsonschema:"required,description=FK to users.id"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

func (ReviewAssignment) isRow() {}
func (ReviewAssignment) Table() TableName { return TableReviewAssignments }
func (a ReviewAssignment) Key() string { return CompositeKey(a.ReviewID, a.UserID) }
func (a ReviewAssignment) Status() SyncStatus { return a.SyncStatus }
func (a ReviewAssignment) WithStatus(s SyncStatus) Row {
	a.SyncStatus = s
	return a
}

// Validate implements [Row].
func (a ReviewAssignment) Validate() error {
	if err := required(TableReviewAssignments, "review_id", a.ReviewID, "user_id", a.UserID); err != nil {
		return err
	}
	return ValidateKeyParts(TableReviewAssignments, a.ReviewID, a.UserID)
}

// RemapID implements [Row].
func (a ReviewAssignment) RemapID(oldID, newID string) (Row, bool) {
	x := remap(&a.ReviewID, oldID, newID)
	y := remap(&a.UserID, oldID, newID)
	return a, x || y
}

// ChecklistTypeAMSTAR is the only checklist type the server accepts.
const ChecklistTypeAMSTAR = "amstar"

// Checklist is one reviewer's appraisal of a review.
type Checklist struct {
	ID         string `json:"id" jsonschema:"required,description=Unique checklist ID"`
	ReviewID   string `json:"review_id" jsonschema:"required,description=FK to reviews.id"`
	ReviewerID string `json:"reviewer_id,omitempty" jsonschema:"description=Optional FK to users.id"`
	Type       string `json:"type,omitempty" jsonschema:"default=amstar"`
	// CompletedAt and UpdatedAt are in milliseconds since epoch; zero CompletedAt
	// means the checklist is still open.
	CompletedAt int64      `json:"completed_at,omitempty"`
	UpdatedAt   int64      `json:"updated_at"`
	SyncStatus  SyncStatus `json:"sync_status,omitempty"`
}

func (Checklist) isRow() {}
func (Checklist) Table() TableName { return TableChecklists }
func (c Checklist) Key() string { return c.ID }
func (c Checklist) Status() SyncStatus { return c.SyncStatus }
func (c Checklist) WithStatus(s SyncStatus) Row {
	c.SyncStatus = s
	return c
}

// Validate implements [Row].
func (c Checklist) Validate() error {
	return required(TableChecklists, "id", c.ID, "review_id", c.ReviewID, "type", c.Type)
}

// RemapID implements [Row].
func (c Checklist) RemapID(oldID, newID string) (Row, bool) {
	a := remap(&c.ID, oldID, newID)
	b := remap(&c.ReviewID, oldID, newID)
	d := remap(&c.ReviewerID, oldID, newID)
	return c, a || b || d
}

// ChecklistAnswer stores the answer matrix of one question.
//
// Answers is JSON text at rest; use [ParseAnswers] to get the matrix.
type ChecklistAnswer struct {
	ID          string     `json:"id" jsonschema:"required,description=Unique answer ID"`
	ChecklistID string     `json:"checklist_id" jsonschema:"required,description=FK to checklists.id"`
	QuestionKey string     `json:"question_key" jsonschema:"required,description=e.g. q1 or q9a"`
	Answers     string     `json:"answers" jsonschema:"description=JSON encoded boolean matrix"`
	Critical    bool       `json:"critical"`
	UpdatedAt   int64      `json:"updated_at"`
	SyncStatus  SyncStatus `json:"sync_status,omitempty"`
}

func (ChecklistAnswer) isRow() {}
func (ChecklistAnswer) Table() TableName { return TableChecklistAnswers }
func (a ChecklistAnswer) Key() string { return a.ID }
func (a ChecklistAnswer) Status() SyncStatus { return a.SyncStatus }
func (a ChecklistAnswer) WithStatus(s SyncStatus) Row {
	a.SyncStatus = s
	return a
}

// Validate implements [Row].
func (a ChecklistAnswer) Validate() error {
	if err := required(TableChecklistAnswers, "id", a.ID, "checklist_id", a.ChecklistID, "question_key", a.QuestionKey); err != nil {
		return err
	}
	if _, err := ParseAnswers(a.Answers); err != nil {
		return Validation(TableChecklistAnswers, err.Error())
	}
	return nil
}

// RemapID implements [Row].
func (a ChecklistAnswer) RemapID(oldID, newID string) (Row, bool) {
	x := remap(&a.ID, oldID, newID)
	y := remap(&a.ChecklistID, oldID, newID)
	return a, x || y
}
