// Package protocol defines the wire protocol exchanged between the warroom
// server and browser clients over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with an "event"
// field that determines the payload structure. Inbound messages are commands;
// outbound messages are events.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// --- Inbound commands (client to server) ---

const (
	CmdIncidentJoin     = "incident:join"
	CmdIncidentLeave    = "incident:leave"
	CmdHeartbeat        = "presence:heartbeat"
	CmdFocusUpdate      = "focus:update"
	CmdFocusClear       = "focus:clear"
	CmdUpdateStatus     = "incident:updateStatus"
	CmdAddNote          = "incident:addNote"
	CmdAssign           = "incident:assign"
	CmdUnassign         = "incident:unassign"
	CmdAddActionItem    = "incident:addActionItem"
	CmdToggleActionItem = "incident:toggleActionItem"
)

// --- Outbound events (server to client) ---

const (
	EvtPresenceList   = "presence:list"   // unicast on join
	EvtPresenceJoined = "presence:joined" // broadcast, sender-excluded
	EvtPresenceLeft   = "presence:left"   // broadcast, sender-excluded

	EvtFocusList    = "focus:list"    // unicast on join
	EvtFocusUpdated = "focus:updated" // broadcast, sender-excluded
	EvtFocusCleared = "focus:cleared" // broadcast, sender-excluded

	EvtIncidentUpdated   = "incident:updated"           // broadcast, sender-included
	EvtNoteAdded         = "incident:noteAdded"         // broadcast, sender-included
	EvtAssigned          = "incident:assigned"          // broadcast, sender-included
	EvtUnassigned        = "incident:unassigned"        // broadcast, sender-included
	EvtActionItemAdded   = "incident:actionItemAdded"   // broadcast, sender-included
	EvtActionItemToggled = "incident:actionItemToggled" // broadcast, sender-included

	EvtError = "error" // unicast to the originating session
)

// --- Command payloads ---

// incident:join and incident:leave carry a bare JSON string, the incident id.

// UpdateStatusPayload is the payload for incident:updateStatus.
type UpdateStatusPayload struct {
	IncidentID string `json:"incidentId"`
	Status     string `json:"status"`
}

// AddNotePayload is the payload for incident:addNote.
type AddNotePayload struct {
	IncidentID string `json:"incidentId"`
	Text       string `json:"text"`
}

// AssignPayload is the payload for incident:assign and incident:unassign.
type AssignPayload struct {
	IncidentID   string `json:"incidentId"`
	TargetUserID string `json:"targetUserId"`
}

// AddActionItemPayload is the payload for incident:addActionItem.
type AddActionItemPayload struct {
	IncidentID string `json:"incidentId"`
	Text       string `json:"text"`
}

// ToggleActionItemPayload is the payload for incident:toggleActionItem.
// Completed is an explicit boolean so retries after a reconnect are idempotent.
type ToggleActionItemPayload struct {
	IncidentID string `json:"incidentId"`
	UpdateID   string `json:"updateId"`
	Completed  bool   `json:"completed"`
}

// FocusUpdatePayload is the payload for focus:update.
type FocusUpdatePayload struct {
	IncidentID string `json:"incidentId"`
	Section    string `json:"section"`
	FieldID    string `json:"fieldId,omitempty"`
}

// FocusClearPayload is the payload for focus:clear.
type FocusClearPayload struct {
	IncidentID string `json:"incidentId"`
}

// --- Event payloads ---

// PresenceEntry describes one principal currently observing an incident.
type PresenceEntry struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Color        string    `json:"color"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// PresenceList is the full presence roster for an incident, unicast on join.
type PresenceList struct {
	IncidentID string          `json:"incidentId"`
	Users      []PresenceEntry `json:"users"`
}

// PresenceChange announces a principal joining or leaving an incident room.
type PresenceChange struct {
	IncidentID string `json:"incidentId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Color      string `json:"color"`
}

// FocusEntry describes where a principal is currently editing.
type FocusEntry struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	IncidentID string    `json:"incidentId"`
	Section    string    `json:"section"`
	FieldID    string    `json:"fieldId,omitempty"`
	Color      string    `json:"color"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// FocusList is the current focus state for an incident, unicast on join.
type FocusList struct {
	IncidentID string       `json:"incidentId"`
	Entries    []FocusEntry `json:"entries"`
}

// FocusCleared announces that a principal stopped editing.
type FocusCleared struct {
	IncidentID string `json:"incidentId"`
	UserID     string `json:"userId"`
}

// IncidentEvent is the payload for every state-affecting broadcast: the full
// updated incident projection plus the audit record the mutation produced.
type IncidentEvent struct {
	Incident any `json:"incident"`
	Update   any `json:"update"`
}

// ErrorEvent carries a command failure back to the originating session only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
