// Package store defines the persistence interface for warroom and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict is returned by SaveIncidentUpdate when the incident row
// was modified by a concurrent writer. Callers reload and retry.
var ErrVersionConflict = errors.New("incident version conflict")

// Store is the persistence interface for warroom.
//
// Lookup methods return (nil, nil) for missing rows; callers decide whether
// absence is an error.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, role string) ([]User, error)
	UpdateUserRole(ctx context.Context, id, role string) error

	// Incidents. CreateIncident persists the incident and its seed update
	// atomically. SaveIncidentUpdate persists a projection mutation and the
	// update record in one transaction, guarded by the incident's version;
	// it returns ErrVersionConflict when a concurrent writer won.
	CreateIncident(ctx context.Context, inc *Incident, seed *Update) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	SaveIncidentUpdate(ctx context.Context, inc *Incident, upd *Update) error

	// Updates (append-only audit log)
	GetUpdate(ctx context.Context, id string) (*Update, error)
	ListUpdates(ctx context.Context, incidentID string) ([]Update, error)
	SetActionItemCompleted(ctx context.Context, updateID string, completed bool) (*Update, error)

	// Presence
	UpsertPresence(ctx context.Context, p *Presence) error
	// DeletePresence removes the entry for (userID, incidentID) only when it
	// is still owned by sessionID, and reports whether a row was removed. A
	// replaced or already-reaped entry removes nothing.
	DeletePresence(ctx context.Context, userID, incidentID, sessionID string) (bool, error)
	DeletePresenceBySession(ctx context.Context, sessionID string) ([]Presence, error)
	TouchPresenceBySession(ctx context.Context, sessionID string, at time.Time) error
	ListPresence(ctx context.Context, incidentID string, activeSince time.Time) ([]Presence, error)
	PurgeStalePresence(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Roles.
const (
	RoleAdmin     = "admin"
	RoleResponder = "responder"
	RoleViewer    = "viewer"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleResponder || role == RoleViewer
}

// Incident statuses.
const (
	StatusInvestigating = "investigating"
	StatusIdentified    = "identified"
	StatusMonitoring    = "monitoring"
	StatusResolved      = "resolved"
)

// Incident severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ValidSeverity reports whether severity is one of the known severities.
func ValidSeverity(severity string) bool {
	switch severity {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ValidStatus reports whether status is one of the known statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusInvestigating, StatusIdentified, StatusMonitoring, StatusResolved:
		return true
	}
	return false
}

// User represents an operator account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin", "responder", "viewer"
	CreatedAt    time.Time `json:"createdAt"`
}

// Incident is the mutable projection of an incident's current state.
type Incident struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	CreatedBy   string     `json:"createdBy"`
	Commander   string     `json:"commander"`
	Assignees   []string   `json:"assignees"` // ordered set of user ids
	Version     int64      `json:"-"`         // optimistic concurrency guard
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"` // first resolution, sticky
}

// HasAssignee reports whether userID is in the assignee set.
func (i *Incident) HasAssignee(userID string) bool {
	for _, id := range i.Assignees {
		if id == userID {
			return true
		}
	}
	return false
}

// IncidentFilter narrows ListIncidents. Empty fields match everything.
type IncidentFilter struct {
	Status   string
	Severity string
}

// Update kinds.
const (
	KindStatusChange = "status_change"
	KindAssignment   = "assignment"
	KindNote         = "note"
	KindActionItem   = "action_item"
)

// Update is one immutable record in an incident's audit log. Only the
// Completed flag of an action_item is ever mutated, via a dedicated command.
type Update struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	AuthorID   string    `json:"authorId"`
	Kind       string    `json:"kind"`
	Content    Content   `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Content is the kind-discriminated payload of an Update.
type Content interface {
	updateContent()
}

// StatusChangeContent records a status transition. Previous is nil only for
// the incident's seed record.
type StatusChangeContent struct {
	PreviousStatus *string `json:"previousStatus"`
	NewStatus      string  `json:"newStatus"`
}

// Assignment actions.
const (
	AssignmentAssigned   = "assigned"
	AssignmentUnassigned = "unassigned"
)

// AssignmentContent records an assignee being added or removed.
type AssignmentContent struct {
	Action       string `json:"action"` // "assigned" or "unassigned"
	TargetUserID string `json:"targetUserId"`
}

// NoteContent is a free-text note, 1..2000 characters after trimming.
type NoteContent struct {
	Text string `json:"text"`
}

// ActionItemContent is a checklist entry.
type ActionItemContent struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

func (StatusChangeContent) updateContent() {}
func (AssignmentContent) updateContent()   {}
func (NoteContent) updateContent()         {}
func (ActionItemContent) updateContent()   {}

// DecodeContent parses a raw content document according to kind.
func DecodeContent(kind string, raw []byte) (Content, error) {
	switch kind {
	case KindStatusChange:
		var c StatusChangeContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode status_change content: %w", err)
		}
		return c, nil
	case KindAssignment:
		var c AssignmentContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode assignment content: %w", err)
		}
		return c, nil
	case KindNote:
		var c NoteContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode note content: %w", err)
		}
		return c, nil
	case KindActionItem:
		var c ActionItemContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode action_item content: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown update kind %q", kind)
	}
}

// UnmarshalJSON decodes an Update, dispatching the content by kind.
func (u *Update) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         string          `json:"id"`
		IncidentID string          `json:"incidentId"`
		AuthorID   string          `json:"authorId"`
		Kind       string          `json:"kind"`
		Content    json.RawMessage `json:"content"`
		CreatedAt  time.Time       `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Kind, aux.Content)
	if err != nil {
		return err
	}
	u.ID = aux.ID
	u.IncidentID = aux.IncidentID
	u.AuthorID = aux.AuthorID
	u.Kind = aux.Kind
	u.Content = content
	u.CreatedAt = aux.CreatedAt
	return nil
}

// Presence records that a principal is currently observing an incident.
// Uniquely keyed by (UserID, IncidentID); joining again replaces the entry.
type Presence struct {
	UserID       string    `json:"userId"`
	IncidentID   string    `json:"incidentId"`
	SessionID    string    `json:"sessionId"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// New creates a store for the configured driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
