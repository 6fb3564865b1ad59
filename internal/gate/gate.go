// Package gate decides what happens to a pushed row before it reaches
// storage: applied directly, or deflected into a change request for the row
// owner to moderate.
package gate

import "github.com/overhaulhq/shopsync/internal/types"

// Decision is the outcome of admission for one pushed row.
type Decision int

const (
	// Admit applies the row directly.
	Admit Decision = iota
	// AdmitAndOwn applies the row and registers the actor as its owner.
	AdmitAndOwn
	// Deflect holds the row as a pending change request.
	Deflect
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case AdmitAndOwn:
		return "admit_and_own"
	case Deflect:
		return "deflect"
	default:
		return "unknown"
	}
}

// Decide admits or deflects a write to a row with the given owner.
// Ownerless rows are admitted and claimed. Owners edit their own rows
// freely; admins and superadmins edit anything. Everyone else is deflected.
func Decide(owner *types.RowOwner, actor types.Actor) Decision {
	if owner == nil {
		return AdmitAndOwn
	}
	if types.RoleLevel(actor.Role) >= types.RoleLevel(types.RoleAdmin) {
		return Admit
	}
	if owner.UserID == actor.UserID {
		return Admit
	}
	return Deflect
}

// CanDecide reports whether the actor may apply or reject the change
// request: the record owner, or any admin or superadmin.
func CanDecide(cr *types.ChangeRequest, actor types.Actor) bool {
	if types.RoleLevel(actor.Role) >= types.RoleLevel(types.RoleAdmin) {
		return true
	}
	return cr.RecordOwnerID == actor.UserID
}
