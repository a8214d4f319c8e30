package focus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidSection(t *testing.T) {
	for _, s := range []string{"status", "severity", "description", "notes", "assignees", "action_items", "commander"} {
		require.True(t, ValidSection(s), s)
	}
	require.False(t, ValidSection(""))
	require.False(t, ValidSection("timeline"))
	require.False(t, ValidSection("Status"))
}

func TestUpdateAndList(t *testing.T) {
	r := NewRegistry(100 * time.Millisecond)

	entry := r.Update("u1", "s1", "Alice", "inc-1", "notes", "")
	require.NotNil(t, entry)
	require.Equal(t, "inc-1", entry.IncidentID)
	require.Equal(t, "notes", entry.Section)
	require.Equal(t, ColorFor("u1"), entry.Color)

	entries := r.ListForIncident("inc-1")
	require.Len(t, entries, 1)
	require.Empty(t, r.ListForIncident("inc-2"))
}

func TestThrottle(t *testing.T) {
	r := NewRegistry(100 * time.Millisecond)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	require.NotNil(t, r.Update("u1", "s1", "Alice", "inc-1", "status", ""))

	// 50ms later: dropped.
	now = now.Add(50 * time.Millisecond)
	require.Nil(t, r.Update("u1", "s1", "Alice", "inc-1", "severity", ""))

	// The throttled update must not replace the stored entry.
	entries := r.ListForIncident("inc-1")
	require.Len(t, entries, 1)
	require.Equal(t, "status", entries[0].Section)

	// Past the window: accepted.
	now = now.Add(60 * time.Millisecond)
	require.NotNil(t, r.Update("u1", "s1", "Alice", "inc-1", "severity", ""))

	// Another principal is never affected by u1's throttle.
	require.NotNil(t, r.Update("u2", "s2", "Bob", "inc-1", "notes", ""))
}

func TestOneEntryPerPrincipal(t *testing.T) {
	r := NewRegistry(0)

	r.Update("u1", "s1", "Alice", "inc-1", "notes", "")
	r.Update("u1", "s1", "Alice", "inc-2", "status", "")

	// Moving to another incident removed the first entry.
	require.Empty(t, r.ListForIncident("inc-1"))
	require.Len(t, r.ListForIncident("inc-2"), 1)
}

func TestClear(t *testing.T) {
	r := NewRegistry(100 * time.Millisecond)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.Update("u1", "s1", "Alice", "inc-1", "notes", "f1")

	// Clearing a different incident is a no-op.
	require.Nil(t, r.Clear("u1", "inc-2"))
	require.Len(t, r.ListForIncident("inc-1"), 1)

	entry := r.Clear("u1", "inc-1")
	require.NotNil(t, entry)
	require.Empty(t, r.ListForIncident("inc-1"))

	// Clear resets the throttle: an immediate update goes through.
	require.NotNil(t, r.Update("u1", "s1", "Alice", "inc-1", "notes", ""))
}

func TestRemove(t *testing.T) {
	r := NewRegistry(0)
	require.Nil(t, r.Remove("u1", "s1"))

	r.Update("u1", "s1", "Alice", "inc-1", "notes", "")
	entry := r.Remove("u1", "s1")
	require.NotNil(t, entry)
	require.Equal(t, "inc-1", entry.IncidentID)
	require.Empty(t, r.ListForIncident("inc-1"))
}

func TestRemoveLeavesNewerSessionAlone(t *testing.T) {
	r := NewRegistry(0)

	// The principal reconnected: s2 now owns the focus entry, so the old
	// session's disconnect must not tear it down.
	r.Update("u1", "s1", "Alice", "inc-1", "notes", "")
	r.Update("u1", "s2", "Alice", "inc-1", "status", "")

	require.Nil(t, r.Remove("u1", "s1"))
	entries := r.ListForIncident("inc-1")
	require.Len(t, entries, 1)
	require.Equal(t, "status", entries[0].Section)

	require.NotNil(t, r.Remove("u1", "s2"))
	require.Empty(t, r.ListForIncident("inc-1"))
}

func TestColorForDeterministic(t *testing.T) {
	c1 := ColorFor("user-abc")
	c2 := ColorFor("user-abc")
	require.Equal(t, c1, c2)
	require.Contains(t, palette, c1)
}
