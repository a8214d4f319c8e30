// Package focus tracks which UI element each principal is pointing at.
// Focus is ephemeral telemetry: it lives in memory only and an entry vanishes
// with the session that produced it.
package focus

import (
	"hash/fnv"
	"sync"
	"time"
)

// palette is the fixed set of highlight colors. A principal's color is
// derived from its id, so every connected browser renders the same color for
// the same person without coordination.
var palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#9a6324", // brown
}

// Sections of the incident view a focus entry may point at.
var validSections = map[string]bool{
	"status":       true,
	"severity":     true,
	"description":  true,
	"notes":        true,
	"assignees":    true,
	"action_items": true,
	"commander":    true,
}

// ValidSection reports whether section is one of the known incident sections.
func ValidSection(section string) bool { return validSections[section] }

// Entry is one principal's current focus within an incident. SessionID records
// which session produced the entry so disconnect cleanup never removes focus a
// newer session of the same principal owns.
type Entry struct {
	UserID     string    `json:"userId"`
	SessionID  string    `json:"-"`
	Name       string    `json:"name"`
	IncidentID string    `json:"incidentId"`
	Section    string    `json:"section"`
	FieldID    string    `json:"fieldId,omitempty"`
	Color      string    `json:"color"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Registry holds at most one focus entry per principal across all incidents.
// Updates arriving faster than the throttle interval are dropped silently;
// the client will send another one soon enough.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry    // keyed by user id
	lastSeen map[string]time.Time // throttle clock per user id
	throttle time.Duration
	now      func() time.Time
}

// NewRegistry creates a focus registry with the given throttle interval.
func NewRegistry(throttle time.Duration) *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		lastSeen: make(map[string]time.Time),
		throttle: throttle,
		now:      time.Now,
	}
}

// ColorFor returns the palette color for a principal id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Update records a principal's focus. It returns the stored entry, or nil
// when the update was throttled. Moving focus to another incident replaces
// the previous entry.
func (r *Registry) Update(userID, sessionID, name, incidentID, section, fieldID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.lastSeen[userID]; ok && now.Sub(last) < r.throttle {
		return nil
	}
	r.lastSeen[userID] = now

	entry := &Entry{
		UserID:     userID,
		SessionID:  sessionID,
		Name:       name,
		IncidentID: incidentID,
		Section:    section,
		FieldID:    fieldID,
		Color:      ColorFor(userID),
		UpdatedAt:  now,
	}
	r.entries[userID] = entry
	return entry
}

// Clear removes a principal's focus entry if it points at the given incident.
// It returns the removed entry, or nil when there was nothing to clear.
// Clearing is never throttled, but it resets the throttle clock so the next
// focus update goes through immediately.
func (r *Registry) Clear(userID, incidentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || entry.IncidentID != incidentID {
		return nil
	}
	delete(r.entries, userID)
	delete(r.lastSeen, userID)
	return entry
}

// Remove drops a principal's focus entry on disconnect, regardless of which
// incident it points at. The entry is left alone when a newer session of the
// same principal owns it. It returns the removed entry, or nil.
func (r *Registry) Remove(userID, sessionID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || entry.SessionID != sessionID {
		return nil
	}
	delete(r.entries, userID)
	delete(r.lastSeen, userID)
	return entry
}

// ListForIncident returns the current focus entries within one incident.
func (r *Registry) ListForIncident(incidentID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, entry := range r.entries {
		if entry.IncidentID == incidentID {
			out = append(out, *entry)
		}
	}
	return out
}
