// Package incident implements the incident lifecycle: creation, the status
// state machine, assignment, notes and action items. Every mutation appends
// an immutable update record in the same transaction as the projection write.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

// maxRetries bounds the reload-and-retry loop on version conflicts. Conflicts
// are rare and resolve on the first retry under normal contention.
const maxRetries = 3

const maxTextLen = 2000

// Service owns incident state transitions.
type Service struct {
	store store.Store
	log   *slog.Logger
}

// NewService creates an incident service.
func NewService(s store.Store, log *slog.Logger) *Service {
	return &Service{store: s, log: log.With("component", "incident")}
}

// Get returns an incident by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get incident", err)
	}
	if inc == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "incident %s not found", id)
	}
	return inc, nil
}

// List returns incidents matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	if filter.Status != "" && !store.ValidStatus(filter.Status) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", filter.Status)
	}
	if filter.Severity != "" && !store.ValidSeverity(filter.Severity) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown severity %q", filter.Severity)
	}
	incidents, err := s.store.ListIncidents(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list incidents", err)
	}
	return incidents, nil
}

// ListUpdates returns an incident's audit log in chronological order.
func (s *Service) ListUpdates(ctx context.Context, incidentID string) ([]store.Update, error) {
	if _, err := s.Get(ctx, incidentID); err != nil {
		return nil, err
	}
	updates, err := s.store.ListUpdates(ctx, incidentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list updates", err)
	}
	return updates, nil
}

// Create opens a new incident. The creator becomes the commander, status
// starts at investigating, and a seed status_change update with a nil
// previous status anchors the audit log.
func (s *Service) Create(ctx context.Context, actorID, title, description, severity string) (*store.Incident, *store.Update, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil, apperr.New(apperr.KindValidation, "title is required")
	}
	if !store.ValidSeverity(severity) {
		return nil, nil, apperr.Newf(apperr.KindValidation, "unknown severity %q", severity)
	}

	now := time.Now().UTC()
	inc := &store.Incident{
		ID:          uuid.New().String(),
		Title:       title,
		Description: strings.TrimSpace(description),
		Severity:    severity,
		Status:      store.StatusInvestigating,
		CreatedBy:   actorID,
		Commander:   actorID,
		Assignees:   []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seed := &store.Update{
		ID:         uuid.New().String(),
		IncidentID: inc.ID,
		AuthorID:   actorID,
		Kind:       store.KindStatusChange,
		Content: store.StatusChangeContent{
			PreviousStatus: nil,
			NewStatus:      store.StatusInvestigating,
		},
		CreatedAt: now,
	}

	if err := s.store.CreateIncident(ctx, inc, seed); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "create incident", err)
	}

	s.log.Info("incident created", "incident", inc.ID, "severity", inc.Severity, "by", actorID)
	return inc, seed, nil
}

// UpdateStatus transitions an incident through the status state machine and
// records a status_change update. ResolvedAt is set on the first transition
// to resolved and never cleared.
func (s *Service) UpdateStatus(ctx context.Context, actorID, incidentID, newStatus string) (*store.Incident, *store.Update, error) {
	return s.mutate(ctx, incidentID, func(inc *store.Incident) (*store.Update, error) {
		if err := ValidateTransition(inc.Status, newStatus); err != nil {
			return nil, err
		}

		previous := inc.Status
		now := time.Now().UTC()
		inc.Status = newStatus
		if newStatus == store.StatusResolved && inc.ResolvedAt == nil {
			inc.ResolvedAt = &now
		}

		s.log.Info("status changed", "incident", inc.ID, "from", previous, "to", newStatus, "by", actorID)
		return &store.Update{
			ID:         uuid.New().String(),
			IncidentID: inc.ID,
			AuthorID:   actorID,
			Kind:       store.KindStatusChange,
			Content: store.StatusChangeContent{
				PreviousStatus: &previous,
				NewStatus:      newStatus,
			},
			CreatedAt: now,
		}, nil
	})
}

// AddNote appends a free-text note to the incident's audit log.
func (s *Service) AddNote(ctx context.Context, actorID, incidentID, text string) (*store.Incident, *store.Update, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, nil, err
	}
	return s.mutate(ctx, incidentID, func(inc *store.Incident) (*store.Update, error) {
		return &store.Update{
			ID:         uuid.New().String(),
			IncidentID: inc.ID,
			AuthorID:   actorID,
			Kind:       store.KindNote,
			Content:    store.NoteContent{Text: text},
			CreatedAt:  time.Now().UTC(),
		}, nil
	})
}

// Assign adds a user to the incident's assignee set. Assigning a user who is
// already assigned is a conflict.
func (s *Service) Assign(ctx context.Context, actorID, incidentID, targetUserID string) (*store.Incident, *store.Update, error) {
	target, err := s.resolveUser(ctx, targetUserID)
	if err != nil {
		return nil, nil, err
	}
	return s.mutate(ctx, incidentID, func(inc *store.Incident) (*store.Update, error) {
		if inc.HasAssignee(target.ID) {
			return nil, apperr.Newf(apperr.KindConflict, "user %s is already assigned", target.ID)
		}
		inc.Assignees = append(inc.Assignees, target.ID)

		s.log.Info("user assigned", "incident", inc.ID, "target", target.ID, "by", actorID)
		return &store.Update{
			ID:         uuid.New().String(),
			IncidentID: inc.ID,
			AuthorID:   actorID,
			Kind:       store.KindAssignment,
			Content: store.AssignmentContent{
				Action:       store.AssignmentAssigned,
				TargetUserID: target.ID,
			},
			CreatedAt: time.Now().UTC(),
		}, nil
	})
}

// Unassign removes a user from the incident's assignee set. Removing a user
// who is not assigned is a conflict.
func (s *Service) Unassign(ctx context.Context, actorID, incidentID, targetUserID string) (*store.Incident, *store.Update, error) {
	return s.mutate(ctx, incidentID, func(inc *store.Incident) (*store.Update, error) {
		if !inc.HasAssignee(targetUserID) {
			return nil, apperr.Newf(apperr.KindConflict, "user %s is not assigned", targetUserID)
		}
		kept := inc.Assignees[:0]
		for _, id := range inc.Assignees {
			if id != targetUserID {
				kept = append(kept, id)
			}
		}
		inc.Assignees = kept

		s.log.Info("user unassigned", "incident", inc.ID, "target", targetUserID, "by", actorID)
		return &store.Update{
			ID:         uuid.New().String(),
			IncidentID: inc.ID,
			AuthorID:   actorID,
			Kind:       store.KindAssignment,
			Content: store.AssignmentContent{
				Action:       store.AssignmentUnassigned,
				TargetUserID: targetUserID,
			},
			CreatedAt: time.Now().UTC(),
		}, nil
	})
}

// AddActionItem appends an unchecked checklist entry to the audit log.
func (s *Service) AddActionItem(ctx context.Context, actorID, incidentID, text string) (*store.Incident, *store.Update, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, nil, err
	}
	return s.mutate(ctx, incidentID, func(inc *store.Incident) (*store.Update, error) {
		return &store.Update{
			ID:         uuid.New().String(),
			IncidentID: inc.ID,
			AuthorID:   actorID,
			Kind:       store.KindActionItem,
			Content:    store.ActionItemContent{Text: text, Completed: false},
			CreatedAt:  time.Now().UTC(),
		}, nil
	})
}

// ToggleActionItem sets the completed flag of an action item to an explicit
// value, which makes retried deliveries idempotent. The update record itself
// stays in place; only the flag changes.
func (s *Service) ToggleActionItem(ctx context.Context, actorID, incidentID, updateID string, completed bool) (*store.Update, error) {
	upd, err := s.store.GetUpdate(ctx, updateID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get update", err)
	}
	if upd == nil || upd.IncidentID != incidentID {
		return nil, apperr.Newf(apperr.KindNotFound, "action item %s not found", updateID)
	}
	if upd.Kind != store.KindActionItem {
		return nil, apperr.Newf(apperr.KindValidation, "update %s is not an action item", updateID)
	}

	toggled, err := s.store.SetActionItemCompleted(ctx, updateID, completed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "toggle action item", err)
	}
	if toggled == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "action item %s not found", updateID)
	}

	s.log.Info("action item toggled", "incident", incidentID, "update", updateID, "completed", completed, "by", actorID)
	return toggled, nil
}

// mutate runs fn against a freshly loaded incident and persists the result
// together with the update it produced. On a version conflict the incident is
// reloaded and fn re-applied, so validation always runs against current state.
func (s *Service) mutate(ctx context.Context, incidentID string, fn func(*store.Incident) (*store.Update, error)) (*store.Incident, *store.Update, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		inc, err := s.Get(ctx, incidentID)
		if err != nil {
			return nil, nil, err
		}

		upd, err := fn(inc)
		if err != nil {
			return nil, nil, err
		}
		inc.UpdatedAt = time.Now().UTC()

		err = s.store.SaveIncidentUpdate(ctx, inc, upd)
		if err == nil {
			return inc, upd, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "save incident", err)
		}
		s.log.Debug("version conflict, retrying", "incident", incidentID, "attempt", attempt+1)
	}
	return nil, nil, apperr.Newf(apperr.KindConflict, "incident %s is being modified concurrently", incidentID)
}

func (s *Service) resolveUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get user", err)
	}
	if user == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", userID)
	}
	return user, nil
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.New(apperr.KindValidation, "text is required")
	}
	if len([]rune(text)) > maxTextLen {
		return "", apperr.New(apperr.KindValidation, fmt.Sprintf("text exceeds %d characters", maxTextLen))
	}
	return text, nil
}
