// Package policy is the authorization table: a pure mapping from (role,
// action) to allow or deny. The server is the sole authority; any role hints
// the browser UI applies are cosmetic.
package policy

import (
	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/store"
)

// Action names the operations subject to authorization.
type Action string

const (
	ActionIncidentRead       Action = "incident.read"
	ActionIncidentCreate     Action = "incident.create"
	ActionIncidentUpdate     Action = "incident.update"
	ActionIncidentAssign     Action = "incident.assign"
	ActionIncidentNote       Action = "incident.note"
	ActionIncidentActionItem Action = "incident.action_item"
	ActionUserManage         Action = "user.manage"
)

// writerActions require an admin or responder role.
var writerActions = map[Action]bool{
	ActionIncidentCreate:     true,
	ActionIncidentUpdate:     true,
	ActionIncidentAssign:     true,
	ActionIncidentNote:       true,
	ActionIncidentActionItem: true,
}

// Allowed reports whether role may perform action. Unknown roles and unknown
// actions are denied.
func Allowed(role string, action Action) bool {
	if !store.ValidRole(role) {
		return false
	}
	switch {
	case action == ActionIncidentRead:
		return true // any authenticated role
	case action == ActionUserManage:
		return role == store.RoleAdmin
	case writerActions[action]:
		return role == store.RoleAdmin || role == store.RoleResponder
	default:
		return false
	}
}

// Require returns a Forbidden error when role may not perform action.
// Commands from viewers fail fast here before touching any state.
func Require(role string, action Action) error {
	if !Allowed(role, action) {
		return apperr.Newf(apperr.KindForbidden, "role %q may not perform %s", role, action)
	}
	return nil
}
