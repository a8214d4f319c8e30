package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/focus"
	"github.com/warroomhq/warroom/internal/hub"
	"github.com/warroomhq/warroom/internal/incident"
	"github.com/warroomhq/warroom/internal/policy"
	"github.com/warroomhq/warroom/internal/presence"
	"github.com/warroomhq/warroom/pkg/protocol"
)

// Dispatcher routes inbound session commands: authorize, validate, call the
// owning service, then broadcast. Failures go back to the originating session
// only, as an error event.
type Dispatcher struct {
	hub       *hub.Hub
	incidents *incident.Service
	presence  *presence.Manager
	focus     *focus.Registry
	log       *slog.Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(h *hub.Hub, inc *incident.Service, pres *presence.Manager, foc *focus.Registry, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:       h,
		incidents: inc,
		presence:  pres,
		focus:     foc,
		log:       log.With("component", "dispatch"),
	}
}

// Dispatch handles one inbound command. A panic in a handler is confined to
// the offending command; the session stays up and receives an internal error.
func (d *Dispatcher) Dispatch(sess *hub.Session, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in command handler", "event", env.Event, "session", sess.ID, "panic", r)
			d.sendError(sess, apperr.New(apperr.KindInternal, "internal error"))
		}
	}()

	ctx := context.Background()

	var err error
	switch env.Event {
	case protocol.CmdIncidentJoin:
		err = d.handleJoin(ctx, sess, env.Data)
	case protocol.CmdIncidentLeave:
		err = d.handleLeave(ctx, sess, env.Data)
	case protocol.CmdHeartbeat:
		err = d.presence.Heartbeat(ctx, sess.ID)
	case protocol.CmdFocusUpdate:
		err = d.handleFocusUpdate(sess, env.Data)
	case protocol.CmdFocusClear:
		err = d.handleFocusClear(sess, env.Data)
	case protocol.CmdUpdateStatus:
		err = d.handleUpdateStatus(ctx, sess, env.Data)
	case protocol.CmdAddNote:
		err = d.handleAddNote(ctx, sess, env.Data)
	case protocol.CmdAssign:
		err = d.handleAssign(ctx, sess, env.Data, true)
	case protocol.CmdUnassign:
		err = d.handleAssign(ctx, sess, env.Data, false)
	case protocol.CmdAddActionItem:
		err = d.handleAddActionItem(ctx, sess, env.Data)
	case protocol.CmdToggleActionItem:
		err = d.handleToggleActionItem(ctx, sess, env.Data)
	default:
		err = apperr.Newf(apperr.KindValidation, "unknown command %q", env.Event)
	}

	if err != nil {
		d.sendError(sess, err)
	}
}

// Disconnect tears down everything a session owned: room subscriptions,
// presence entries and focus state, announcing the departure to each room
// the session had joined.
func (d *Dispatcher) Disconnect(sess *hub.Session) {
	ctx := context.Background()

	d.hub.Unregister(sess.ID)

	removed, err := d.presence.RemoveBySession(ctx, sess.ID)
	if err != nil {
		d.log.Warn("disconnect presence cleanup failed", "session", sess.ID, "error", err)
	}
	for _, p := range removed {
		d.hub.Broadcast(hub.Room(p.IncidentID), protocol.EvtPresenceLeft, protocol.PresenceChange{
			IncidentID: p.IncidentID,
			UserID:     p.UserID,
			Name:       p.Name,
			Color:      focus.ColorFor(p.UserID),
		}, sess.ID)
	}

	// Focus teardown cannot depend on presence rows: the TTL sweeper may have
	// reaped them before the socket dropped, and focus entries have no TTL of
	// their own. Remove is session-gated so a reconnected principal's fresh
	// focus survives the old session's disconnect.
	if entry := d.focus.Remove(sess.UserID, sess.ID); entry != nil {
		d.hub.Broadcast(hub.Room(entry.IncidentID), protocol.EvtFocusCleared, protocol.FocusCleared{
			IncidentID: entry.IncidentID,
			UserID:     sess.UserID,
		}, sess.ID)
	}
}

// --- room membership ---

func (d *Dispatcher) handleJoin(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	incidentID, err := decodeIncidentID(data)
	if err != nil {
		return err
	}
	if _, err := d.incidents.Get(ctx, incidentID); err != nil {
		return err
	}

	p, err := d.presence.Join(ctx, sess.UserID, sess.Name, sess.Role, incidentID, sess.ID)
	if err != nil {
		return err
	}
	room := hub.Room(incidentID)
	d.hub.Join(sess.ID, room)

	d.hub.Broadcast(room, protocol.EvtPresenceJoined, protocol.PresenceChange{
		IncidentID: incidentID,
		UserID:     p.UserID,
		Name:       p.Name,
		Color:      focus.ColorFor(p.UserID),
	}, sess.ID)

	roster, err := d.presence.List(ctx, incidentID)
	if err != nil {
		return err
	}
	list := protocol.PresenceList{IncidentID: incidentID, Users: make([]protocol.PresenceEntry, 0, len(roster))}
	for _, entry := range roster {
		list.Users = append(list.Users, protocol.PresenceEntry{
			UserID:       entry.UserID,
			Name:         entry.Name,
			Role:         entry.Role,
			Color:        focus.ColorFor(entry.UserID),
			LastActiveAt: entry.LastActiveAt,
		})
	}
	d.hub.SendTo(sess.ID, protocol.EvtPresenceList, list)

	focusList := protocol.FocusList{IncidentID: incidentID, Entries: make([]protocol.FocusEntry, 0)}
	for _, entry := range d.focus.ListForIncident(incidentID) {
		focusList.Entries = append(focusList.Entries, focusEntry(entry))
	}
	d.hub.SendTo(sess.ID, protocol.EvtFocusList, focusList)
	return nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	incidentID, err := decodeIncidentID(data)
	if err != nil {
		return err
	}
	room := hub.Room(incidentID)
	d.hub.Leave(sess.ID, room)

	removed, err := d.presence.Leave(ctx, sess.UserID, incidentID, sess.ID)
	if err != nil {
		return err
	}
	// Only announce a departure observers actually saw arrive. A session that
	// never joined, or whose entry a newer session replaced, removes nothing.
	if removed {
		d.hub.Broadcast(room, protocol.EvtPresenceLeft, protocol.PresenceChange{
			IncidentID: incidentID,
			UserID:     sess.UserID,
			Name:       sess.Name,
			Color:      focus.ColorFor(sess.UserID),
		}, sess.ID)
	}

	if entry := d.focus.Clear(sess.UserID, incidentID); entry != nil {
		d.hub.Broadcast(room, protocol.EvtFocusCleared, protocol.FocusCleared{
			IncidentID: incidentID,
			UserID:     sess.UserID,
		}, sess.ID)
	}
	return nil
}

// --- focus ---

func (d *Dispatcher) handleFocusUpdate(sess *hub.Session, data json.RawMessage) error {
	var p protocol.FocusUpdatePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if !focus.ValidSection(p.Section) {
		return apperr.Newf(apperr.KindValidation, "unknown section %q", p.Section)
	}
	if !d.hub.InRoom(sess.ID, hub.Room(p.IncidentID)) {
		return apperr.New(apperr.KindValidation, "not joined to incident")
	}

	entry := d.focus.Update(sess.UserID, sess.ID, sess.Name, p.IncidentID, p.Section, p.FieldID)
	if entry == nil {
		return nil // throttled, dropped silently
	}
	d.hub.Broadcast(hub.Room(p.IncidentID), protocol.EvtFocusUpdated, focusEntry(*entry), sess.ID)
	return nil
}

func (d *Dispatcher) handleFocusClear(sess *hub.Session, data json.RawMessage) error {
	var p protocol.FocusClearPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if entry := d.focus.Clear(sess.UserID, p.IncidentID); entry != nil {
		d.hub.Broadcast(hub.Room(p.IncidentID), protocol.EvtFocusCleared, protocol.FocusCleared{
			IncidentID: p.IncidentID,
			UserID:     sess.UserID,
		}, sess.ID)
	}
	return nil
}

// --- incident mutations ---

func (d *Dispatcher) handleUpdateStatus(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	if err := policy.Require(sess.Role, policy.ActionIncidentUpdate); err != nil {
		return err
	}
	var p protocol.UpdateStatusPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	inc, upd, err := d.incidents.UpdateStatus(ctx, sess.UserID, p.IncidentID, p.Status)
	if err != nil {
		return err
	}
	d.broadcastIncident(protocol.EvtIncidentUpdated, inc.ID, inc, upd)
	return nil
}

func (d *Dispatcher) handleAddNote(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	if err := policy.Require(sess.Role, policy.ActionIncidentNote); err != nil {
		return err
	}
	var p protocol.AddNotePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	inc, upd, err := d.incidents.AddNote(ctx, sess.UserID, p.IncidentID, p.Text)
	if err != nil {
		return err
	}
	d.broadcastIncident(protocol.EvtNoteAdded, inc.ID, inc, upd)
	return nil
}

func (d *Dispatcher) handleAssign(ctx context.Context, sess *hub.Session, data json.RawMessage, assign bool) error {
	if err := policy.Require(sess.Role, policy.ActionIncidentAssign); err != nil {
		return err
	}
	var p protocol.AssignPayload
	if err := decode(data, &p); err != nil {
		return err
	}

	if assign {
		inc, upd, err := d.incidents.Assign(ctx, sess.UserID, p.IncidentID, p.TargetUserID)
		if err != nil {
			return err
		}
		d.broadcastIncident(protocol.EvtAssigned, inc.ID, inc, upd)
		return nil
	}

	inc, upd, err := d.incidents.Unassign(ctx, sess.UserID, p.IncidentID, p.TargetUserID)
	if err != nil {
		return err
	}
	d.broadcastIncident(protocol.EvtUnassigned, inc.ID, inc, upd)
	return nil
}

func (d *Dispatcher) handleAddActionItem(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	if err := policy.Require(sess.Role, policy.ActionIncidentActionItem); err != nil {
		return err
	}
	var p protocol.AddActionItemPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	inc, upd, err := d.incidents.AddActionItem(ctx, sess.UserID, p.IncidentID, p.Text)
	if err != nil {
		return err
	}
	d.broadcastIncident(protocol.EvtActionItemAdded, inc.ID, inc, upd)
	return nil
}

func (d *Dispatcher) handleToggleActionItem(ctx context.Context, sess *hub.Session, data json.RawMessage) error {
	if err := policy.Require(sess.Role, policy.ActionIncidentActionItem); err != nil {
		return err
	}
	var p protocol.ToggleActionItemPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	upd, err := d.incidents.ToggleActionItem(ctx, sess.UserID, p.IncidentID, p.UpdateID, p.Completed)
	if err != nil {
		return err
	}
	inc, err := d.incidents.Get(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	d.broadcastIncident(protocol.EvtActionItemToggled, p.IncidentID, inc, upd)
	return nil
}

// --- helpers ---

// broadcastIncident delivers a state-affecting event to the whole room,
// sender included: clients render from server confirmations, not optimistic
// local state.
func (d *Dispatcher) broadcastIncident(event, incidentID string, inc, upd any) {
	d.hub.Broadcast(hub.Room(incidentID), event, protocol.IncidentEvent{
		Incident: inc,
		Update:   upd,
	}, "")
}

func (d *Dispatcher) sendError(sess *hub.Session, err error) {
	d.hub.SendTo(sess.ID, protocol.EvtError, protocol.ErrorEvent{
		Code:    apperr.Code(err),
		Message: apperr.Message(err),
	})
	if apperr.KindOf(err) == apperr.KindInternal {
		d.log.Error("command failed", "session", sess.ID, "error", err)
	}
}

func focusEntry(e focus.Entry) protocol.FocusEntry {
	return protocol.FocusEntry{
		UserID:     e.UserID,
		Name:       e.Name,
		IncidentID: e.IncidentID,
		Section:    e.Section,
		FieldID:    e.FieldID,
		Color:      e.Color,
		UpdatedAt:  e.UpdatedAt,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.New(apperr.KindValidation, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.New(apperr.KindValidation, "malformed payload")
	}
	return nil
}

func decodeIncidentID(data json.RawMessage) (string, error) {
	var id string
	if err := decode(data, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", apperr.New(apperr.KindValidation, "incident id is required")
	}
	return id, nil
}
