package tre

import "github.com/ransomeye/trustcore/pkg/model"

// destructiveActions is the frozen DESTRUCTIVE set. Everything in
// model.AllActionTypes not listed here is SAFE. Both sets are frozen by
// contract — a new action type needs a deliberate decision about which side
// of this line it falls on, not a default.
var destructiveActions = map[model.ActionType]bool{
	model.ActionIsolateHost:             true,
	model.ActionLockUser:                true,
	model.ActionDisableService:          true,
	model.ActionMassProcessKill:         true,
	model.ActionNetworkSegmentIsolation: true,
}

// Classify reports whether actionType is DESTRUCTIVE (true) or SAFE (false).
func Classify(actionType model.ActionType) bool {
	return destructiveActions[actionType]
}
