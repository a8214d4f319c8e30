package incident

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

func setupService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	err = s.CreateUser(context.Background(), &store.User{
		ID: "u1", Email: "alice@example.com", Name: "Alice",
		PasswordHash: "x", Role: store.RoleAdmin, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.CreateUser(context.Background(), &store.User{
		ID: "u2", Email: "bob@example.com", Name: "Bob",
		PasswordHash: "x", Role: store.RoleResponder, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	return NewService(s, slog.Default()), s
}

func TestCreate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	inc, seed, err := svc.Create(ctx, "u1", "  DB down  ", "replica lag", store.SeverityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Title != "DB down" {
		t.Errorf("title not trimmed: %q", inc.Title)
	}
	if inc.Status != store.StatusInvestigating {
		t.Errorf("status %s", inc.Status)
	}
	if inc.Commander != "u1" || inc.CreatedBy != "u1" {
		t.Errorf("creator not commander: %+v", inc)
	}

	content := seed.Content.(store.StatusChangeContent)
	if content.PreviousStatus != nil || content.NewStatus != store.StatusInvestigating {
		t.Errorf("seed content %+v", content)
	}

	if _, _, err := svc.Create(ctx, "u1", "   ", "", store.SeverityLow); apperr.KindOf(err) != apperr.KindValidation {
		t.Error("blank title accepted")
	}
	if _, _, err := svc.Create(ctx, "u1", "x", "", "urgent"); apperr.KindOf(err) != apperr.KindValidation {
		t.Error("unknown severity accepted")
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	inc, _, err := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)
	if err != nil {
		t.Fatal(err)
	}

	inc, upd, err := svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusIdentified)
	if err != nil {
		t.Fatal(err)
	}
	content := upd.Content.(store.StatusChangeContent)
	if content.PreviousStatus == nil || *content.PreviousStatus != store.StatusInvestigating {
		t.Errorf("previous status %+v", content.PreviousStatus)
	}

	// Invalid transition path.
	if _, _, err := svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusIdentified); apperr.KindOf(err) != apperr.KindConflict {
		t.Error("same-state transition accepted")
	}

	inc, _, err = svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusResolved)
	if err != nil {
		t.Fatal(err)
	}
	if inc.ResolvedAt == nil {
		t.Fatal("resolvedAt not set on first resolution")
	}
	firstResolved := *inc.ResolvedAt

	// Reopen, then resolve again: resolvedAt keeps the first timestamp.
	if _, _, err = svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusInvestigating); err != nil {
		t.Fatal(err)
	}
	inc, _, err = svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusResolved)
	if err != nil {
		t.Fatal(err)
	}
	if !inc.ResolvedAt.Equal(firstResolved) {
		t.Errorf("resolvedAt moved: %v -> %v", firstResolved, *inc.ResolvedAt)
	}

	if _, _, err := svc.UpdateStatus(ctx, "u2", "nope", store.StatusResolved); apperr.KindOf(err) != apperr.KindNotFound {
		t.Error("missing incident not reported")
	}
}

func TestAuditLogOrder(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	inc, _, _ := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)
	if _, _, err := svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusIdentified); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, "traced to replica lag"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.UpdateStatus(ctx, "u2", inc.ID, store.StatusResolved); err != nil {
		t.Fatal(err)
	}

	updates, err := svc.ListUpdates(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, len(updates))
	for i, u := range updates {
		kinds[i] = u.Kind
	}
	want := []string{store.KindStatusChange, store.KindStatusChange, store.KindNote, store.KindStatusChange}
	if len(kinds) != len(want) {
		t.Fatalf("got %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("audit order %v, want %v", kinds, want)
		}
	}
}

func TestAddNoteValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	inc, _, _ := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)

	_, upd, err := svc.AddNote(ctx, "u2", inc.ID, "  padded  ")
	if err != nil {
		t.Fatal(err)
	}
	if upd.Content.(store.NoteContent).Text != "padded" {
		t.Errorf("text not trimmed: %q", upd.Content.(store.NoteContent).Text)
	}

	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, "   "); apperr.KindOf(err) != apperr.KindValidation {
		t.Error("blank note accepted")
	}
	long := strings.Repeat("a", 2001)
	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, long); apperr.KindOf(err) != apperr.KindValidation {
		t.Error("oversized note accepted")
	}
	// Exactly at the limit is fine.
	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, strings.Repeat("a", 2000)); err != nil {
		t.Errorf("2000-char note rejected: %v", err)
	}
}

func TestAssignUnassign(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	inc, _, _ := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)

	inc, upd, err := svc.Assign(ctx, "u1", inc.ID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !inc.HasAssignee("u2") {
		t.Fatal("assignee not added")
	}
	content := upd.Content.(store.AssignmentContent)
	if content.Action != store.AssignmentAssigned || content.TargetUserID != "u2" {
		t.Errorf("content %+v", content)
	}

	// Duplicate assignment is a conflict.
	if _, _, err := svc.Assign(ctx, "u1", inc.ID, "u2"); apperr.KindOf(err) != apperr.KindConflict {
		t.Error("duplicate assignment accepted")
	}
	// Unknown target user.
	if _, _, err := svc.Assign(ctx, "u1", inc.ID, "ghost"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Error("unknown user assigned")
	}

	inc, upd, err = svc.Unassign(ctx, "u1", inc.ID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if inc.HasAssignee("u2") {
		t.Fatal("assignee not removed")
	}
	if upd.Content.(store.AssignmentContent).Action != store.AssignmentUnassigned {
		t.Errorf("content %+v", upd.Content)
	}

	// Removing an absent assignee is a conflict.
	if _, _, err := svc.Unassign(ctx, "u1", inc.ID, "u2"); apperr.KindOf(err) != apperr.KindConflict {
		t.Error("absent unassignment accepted")
	}
}

func TestActionItems(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	inc, _, _ := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)

	_, item, err := svc.AddActionItem(ctx, "u2", inc.ID, "rotate credentials")
	if err != nil {
		t.Fatal(err)
	}
	if item.Content.(store.ActionItemContent).Completed {
		t.Error("new action item already completed")
	}

	toggled, err := svc.ToggleActionItem(ctx, "u2", inc.ID, item.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !toggled.Content.(store.ActionItemContent).Completed {
		t.Error("not completed")
	}

	// Explicit value makes retries idempotent.
	toggled, err = svc.ToggleActionItem(ctx, "u2", inc.ID, item.ID, true)
	if err != nil || !toggled.Content.(store.ActionItemContent).Completed {
		t.Fatalf("retry failed: %v", err)
	}

	// Toggling a non action-item update is a validation error.
	updates, _ := svc.ListUpdates(ctx, inc.ID)
	seedID := updates[0].ID
	if _, err := svc.ToggleActionItem(ctx, "u2", inc.ID, seedID, true); apperr.KindOf(err) != apperr.KindValidation {
		t.Error("toggled a status_change update")
	}

	// An update id belonging to another incident is not found.
	other, _, _ := svc.Create(ctx, "u1", "other", "", store.SeverityLow)
	if _, err := svc.ToggleActionItem(ctx, "u2", other.ID, item.ID, true); apperr.KindOf(err) != apperr.KindNotFound {
		t.Error("cross-incident toggle accepted")
	}
}

// conflictingStore fails the first n SaveIncidentUpdate calls with a version
// conflict, simulating a concurrent writer winning the race.
type conflictingStore struct {
	store.Store
	conflicts int
}

func (c *conflictingStore) SaveIncidentUpdate(ctx context.Context, inc *store.Incident, upd *store.Update) error {
	if c.conflicts > 0 {
		c.conflicts--
		return store.ErrVersionConflict
	}
	return c.Store.SaveIncidentUpdate(ctx, inc, upd)
}

func TestMutateRetriesOnConflict(t *testing.T) {
	_, s := setupService(t)
	ctx := context.Background()

	cs := &conflictingStore{Store: s, conflicts: 1}
	svc := NewService(cs, slog.Default())

	inc, _, err := svc.Create(ctx, "u1", "DB down", "", store.SeverityHigh)
	if err != nil {
		t.Fatal(err)
	}

	// One simulated conflict: the retry loop reloads and succeeds.
	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, "after race"); err != nil {
		t.Fatalf("retry loop failed: %v", err)
	}

	// Conflicts on every attempt exhaust the retries and surface as a
	// conflict error.
	cs.conflicts = 100
	if _, _, err := svc.AddNote(ctx, "u2", inc.ID, "never lands"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("got %v, want conflict", err)
	}
}
