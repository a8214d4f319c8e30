// Package presence tracks who is observing each incident. Entries are
// store-backed so the roster survives a server restart, and a TTL sweep
// reaps entries whose session died without a clean disconnect.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

// Manager maintains the presence roster.
type Manager struct {
	store store.Store
	ttl   time.Duration
	log   *slog.Logger
}

// NewManager creates a presence manager with the given entry TTL.
func NewManager(s store.Store, ttl time.Duration, log *slog.Logger) *Manager {
	return &Manager{store: s, ttl: ttl, log: log.With("component", "presence")}
}

// Join records that a principal is observing an incident. Joining the same
// incident again, from any session, replaces the previous entry so a user
// never appears twice in one roster.
func (m *Manager) Join(ctx context.Context, userID, name, role, incidentID, sessionID string) (*store.Presence, error) {
	p := &store.Presence{
		UserID:       userID,
		IncidentID:   incidentID,
		SessionID:    sessionID,
		Name:         name,
		Role:         role,
		LastActiveAt: time.Now().UTC(),
	}
	if err := m.store.UpsertPresence(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "record presence", err)
	}
	return p, nil
}

// Leave removes a principal's presence entry for one incident. It reports
// false when there was nothing to remove, either because the principal never
// joined or because a newer session replaced the entry.
func (m *Manager) Leave(ctx context.Context, userID, incidentID, sessionID string) (bool, error) {
	removed, err := m.store.DeletePresence(ctx, userID, incidentID, sessionID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "remove presence", err)
	}
	return removed, nil
}

// Heartbeat refreshes every presence entry owned by a session.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	if err := m.store.TouchPresenceBySession(ctx, sessionID, time.Now().UTC()); err != nil {
		return apperr.Wrap(apperr.KindInternal, "refresh presence", err)
	}
	return nil
}

// RemoveBySession drops every presence entry owned by a session and returns
// the removed entries so the caller can announce the departures.
func (m *Manager) RemoveBySession(ctx context.Context, sessionID string) ([]store.Presence, error) {
	removed, err := m.store.DeletePresenceBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "remove session presence", err)
	}
	return removed, nil
}

// List returns the active roster for an incident. Entries older than the TTL
// are excluded even if the sweeper has not reaped them yet.
func (m *Manager) List(ctx context.Context, incidentID string) ([]store.Presence, error) {
	entries, err := m.store.ListPresence(ctx, incidentID, time.Now().UTC().Add(-m.ttl))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list presence", err)
	}
	return entries, nil
}

// RunSweeper reaps stale presence entries until ctx is cancelled. Sweep
// frequency is half the TTL so an entry is gone at most one sweep after
// expiring.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.PurgeStalePresence(ctx, time.Now().UTC().Add(-m.ttl))
			if err != nil {
				m.log.Warn("presence sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.log.Debug("reaped stale presence", "count", n)
			}
		}
	}
}
