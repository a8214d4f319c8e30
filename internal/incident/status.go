package incident

import (
	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

// transitions is the status state machine. A resolved incident can only be
// re-opened back to investigating.
var transitions = map[string][]string{
	store.StatusInvestigating: {store.StatusIdentified, store.StatusMonitoring, store.StatusResolved},
	store.StatusIdentified:    {store.StatusInvestigating, store.StatusMonitoring, store.StatusResolved},
	store.StatusMonitoring:    {store.StatusInvestigating, store.StatusIdentified, store.StatusResolved},
	store.StatusResolved:      {store.StatusInvestigating},
}

// CanTransition reports whether the move from one status to another is
// allowed. Same-state transitions are never allowed.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a typed error when the transition is not allowed.
func ValidateTransition(from, to string) error {
	if !store.ValidStatus(to) {
		return apperr.Newf(apperr.KindValidation, "unknown status %q", to)
	}
	if from == to {
		return apperr.Newf(apperr.KindConflict, "incident is already %s", to)
	}
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.KindConflict, "cannot transition from %s to %s", from, to)
	}
	return nil
}
