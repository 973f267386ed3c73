package realtime

import (
	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
)

// deliverTo decides whether a connection with the given scope receives the
// event. The switch is exhaustive over the closed Kind set; an unknown kind
// reaches nobody.
//
// Channel policy:
//   - staff and admins of the unit see every event for the unit
//   - session participants see every event for their session
//   - the kitchen sees round events only once the round is visible to it,
//     and never sees payment or settlement events
func deliverTo(ev event.Event, scope Scope) bool {
	if scope.UnitID != ev.UnitID {
		return false
	}

	switch scope.Role {
	case auth.RoleStaff, auth.RoleAdmin:
		return true
	case auth.RoleTable:
		return scope.SessionID != "" && scope.SessionID == ev.SessionID
	case auth.RoleKitchen:
		return kitchenSees(ev)
	}
	return false
}

func kitchenSees(ev event.Event) bool {
	switch ev.Kind {
	case event.KindRoundSubmitted:
		// Submission creates the round in its pending stage; it reaches
		// the kitchen only after staff forward it.
		return false
	case event.KindRoundStatusChanged:
		payload, ok := ev.Payload.(event.RoundStatusChangedPayload)
		if !ok {
			return false
		}
		return order.RoundStatus(payload.To).KitchenVisible()
	case event.KindSessionOpened,
		event.KindSessionBillRequested,
		event.KindSessionClosed,
		event.KindSessionStatusChanged,
		event.KindPaymentAllocated,
		event.KindBillSettled:
		return false
	}
	return false
}
