package hub

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/warroomhq/warroom/pkg/protocol"
)

func newTestHub() *Hub {
	return New(slog.Default())
}

func drain(t *testing.T, s *Session, n int) []protocol.Envelope {
	t.Helper()
	out := make([]protocol.Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg, ok := <-s.Outbound():
			if !ok {
				t.Fatalf("queue closed after %d messages, want %d", i, n)
			}
			var env protocol.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				t.Fatal(err)
			}
			out = append(out, env)
		default:
			t.Fatalf("queue empty after %d messages, want %d", i, n)
		}
	}
	return out
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 8)
	b := NewSession("sb", "u2", "Bob", "responder", 8)
	h.Register(a)
	h.Register(b)
	h.Join(a.ID, Room("inc-1"))
	h.Join(b.ID, Room("inc-1"))

	h.Broadcast(Room("inc-1"), protocol.EvtPresenceJoined, map[string]string{"userId": "u2"}, b.ID)

	got := drain(t, a, 1)
	if got[0].Event != protocol.EvtPresenceJoined {
		t.Errorf("got event %q", got[0].Event)
	}
	select {
	case <-b.Outbound():
		t.Error("sender received its own excluded broadcast")
	default:
	}
}

func TestBroadcastOrdering(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 16)
	h.Register(a)
	h.Join(a.ID, Room("inc-1"))

	events := []string{"e1", "e2", "e3", "e4"}
	for _, e := range events {
		h.Broadcast(Room("inc-1"), e, nil, "")
	}

	got := drain(t, a, len(events))
	for i, env := range got {
		if env.Event != events[i] {
			t.Errorf("position %d: got %q, want %q", i, env.Event, events[i])
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 8)
	b := NewSession("sb", "u2", "Bob", "responder", 8)
	h.Register(a)
	h.Register(b)
	h.Join(a.ID, Room("inc-1"))
	h.Join(b.ID, Room("inc-2"))

	h.Broadcast(Room("inc-1"), "x", nil, "")

	drain(t, a, 1)
	select {
	case <-b.Outbound():
		t.Error("session in another room received the broadcast")
	default:
	}
}

func TestSendTo(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 8)
	h.Register(a)

	h.SendTo(a.ID, protocol.EvtError, protocol.ErrorEvent{Code: "validation", Message: "bad"})

	got := drain(t, a, 1)
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(got[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Code != "validation" {
		t.Errorf("got code %q", ev.Code)
	}

	// Unknown session is a no-op.
	h.SendTo("nope", "x", nil)
}

func TestOverflowDropsSession(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 2)
	h.Register(a)
	h.Join(a.ID, Room("inc-1"))

	for i := 0; i < 3; i++ {
		h.Broadcast(Room("inc-1"), "flood", nil, "")
	}

	// The third broadcast overflowed the queue of size 2; the session must
	// be gone and its queue closed after the buffered messages drain.
	if h.RoomSize(Room("inc-1")) != 0 {
		t.Error("overflowed session still in room")
	}
	drain(t, a, 2)
	if _, ok := <-a.Outbound(); ok {
		t.Error("queue not closed after overflow drop")
	}
}

func TestUnregisterReturnsRooms(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 8)
	h.Register(a)
	h.Join(a.ID, Room("inc-1"))
	h.Join(a.ID, Room("inc-2"))

	rooms := h.Unregister(a.ID)
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if h.InRoom(a.ID, Room("inc-1")) {
		t.Error("still in room after unregister")
	}
	// Idempotent.
	if got := h.Unregister(a.ID); got != nil {
		t.Errorf("second unregister returned %v", got)
	}
}

func TestLeave(t *testing.T) {
	h := newTestHub()
	a := NewSession("sa", "u1", "Alice", "admin", 8)
	h.Register(a)
	h.Join(a.ID, Room("inc-1"))
	h.Leave(a.ID, Room("inc-1"))

	h.Broadcast(Room("inc-1"), "x", nil, "")
	select {
	case <-a.Outbound():
		t.Error("received broadcast after leaving")
	default:
	}
}
