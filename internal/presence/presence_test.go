package presence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/warroomhq/warroom/internal/store"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, 5*time.Minute, slog.Default())
}

func TestJoinListLeave(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-1", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(ctx, "u2", "Bob", store.RoleResponder, "inc-1", "s2"); err != nil {
		t.Fatal(err)
	}

	roster, err := m.List(ctx, "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 2 {
		t.Fatalf("got %d entries", len(roster))
	}

	removed, err := m.Leave(ctx, "u1", "inc-1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("leave did not remove the entry")
	}
	roster, _ = m.List(ctx, "inc-1")
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("got %+v", roster)
	}
}

func TestLeaveWithoutEntry(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	// Never joined.
	removed, err := m.Leave(ctx, "u1", "inc-1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("leave removed a nonexistent entry")
	}

	// A newer session owns the entry; the old session's leave is a no-op.
	_, _ = m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-1", "s2")
	removed, err = m.Leave(ctx, "u1", "inc-1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("stale session removed the replacement entry")
	}
	roster, _ := m.List(ctx, "inc-1")
	if len(roster) != 1 {
		t.Fatalf("roster %+v", roster)
	}
}

func TestRejoinReplacesSession(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, _ = m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-1", "s1")
	_, _ = m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-1", "s2")

	roster, _ := m.List(ctx, "inc-1")
	if len(roster) != 1 {
		t.Fatalf("user appears %d times in roster", len(roster))
	}
	if roster[0].SessionID != "s2" {
		t.Errorf("later session did not win: %s", roster[0].SessionID)
	}

	// The replaced session's disconnect leaves no ghost to announce.
	removed, err := m.RemoveBySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("removed %d entries for the replaced session", len(removed))
	}
}

func TestRemoveBySessionReturnsIncidents(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, _ = m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-1", "s1")
	_, _ = m.Join(ctx, "u1", "Alice", store.RoleAdmin, "inc-2", "s1")

	removed, err := m.RemoveBySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("got %d removed entries", len(removed))
	}
	for _, incID := range []string{"inc-1", "inc-2"} {
		roster, _ := m.List(ctx, incID)
		if len(roster) != 0 {
			t.Errorf("%s roster not empty", incID)
		}
	}
}

func TestHeartbeatKeepsEntriesAlive(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	m := NewManager(s, time.Minute, slog.Default())
	ctx := context.Background()

	// Plant an entry that is already older than the TTL.
	err = s.UpsertPresence(ctx, &store.Presence{
		UserID: "u1", IncidentID: "inc-1", SessionID: "s1",
		LastActiveAt: time.Now().UTC().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	roster, _ := m.List(ctx, "inc-1")
	if len(roster) != 0 {
		t.Fatal("expired entry listed")
	}

	if err := m.Heartbeat(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	roster, _ = m.List(ctx, "inc-1")
	if len(roster) != 1 {
		t.Fatal("heartbeat did not revive entry")
	}
}
