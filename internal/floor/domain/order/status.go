// Package order models table sessions and their order rounds.
//
// A session is one continuous occupancy of a physical station; a round is one
// batch of items submitted together within it. Both are mutated only through
// the transition operations in this package and the ordering service.
package order

// RoundStatus is the lifecycle stage of one order round.
type RoundStatus string

const (
	// RoundPending means the round was created by a participant and has not
	// been acknowledged by staff.
	RoundPending RoundStatus = "PENDING"
	// RoundConfirmed means staff acknowledged the round.
	RoundConfirmed RoundStatus = "CONFIRMED"
	// RoundSubmitted means staff forwarded the round toward the kitchen.
	// Kitchen displays show rounds from this stage onward only.
	RoundSubmitted RoundStatus = "SUBMITTED"
	// RoundInKitchen means preparation has started.
	RoundInKitchen RoundStatus = "IN_KITCHEN"
	// RoundReady means the kitchen finished the round.
	RoundReady RoundStatus = "READY"
	// RoundServed means the round reached the table. Terminal.
	RoundServed RoundStatus = "SERVED"
	// RoundCanceled is terminal and reachable from any non-terminal stage.
	RoundCanceled RoundStatus = "CANCELED"
)

// successor maps each status to its single allowed forward transition.
var successor = map[RoundStatus]RoundStatus{
	RoundPending:   RoundConfirmed,
	RoundConfirmed: RoundSubmitted,
	RoundSubmitted: RoundInKitchen,
	RoundInKitchen: RoundReady,
	RoundReady:     RoundServed,
}

// rank orders statuses along the forward path for aggregate comparisons.
var rank = map[RoundStatus]int{
	RoundPending:   0,
	RoundConfirmed: 1,
	RoundSubmitted: 2,
	RoundInKitchen: 3,
	RoundReady:     4,
	RoundServed:    5,
}

// Valid reports whether s is a known round status.
func (s RoundStatus) Valid() bool {
	if s == RoundCanceled {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no transition may leave s.
func (s RoundStatus) Terminal() bool {
	return s == RoundServed || s == RoundCanceled
}

// KitchenVisible reports whether a round at this stage appears on kitchen
// displays. Preparation must never start on an unconfirmed order, so PENDING
// and CONFIRMED stay invisible. CANCELED is visible so tickets already on the
// board are cleared.
func (s RoundStatus) KitchenVisible() bool {
	switch s {
	case RoundSubmitted, RoundInKitchen, RoundReady, RoundServed, RoundCanceled:
		return true
	}
	return false
}

// Next returns the single allowed forward transition from s. The second
// return is false when s has no forward successor.
func (s RoundStatus) Next() (RoundStatus, bool) {
	next, ok := successor[s]
	return next, ok
}

// CanTransitionTo reports whether moving from s to next is allowed. Rounds
// only move forward one stage at a time; CANCELED is reachable from any
// non-terminal stage.
func (s RoundStatus) CanTransitionTo(next RoundStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == RoundCanceled {
		return true
	}
	return successor[s] == next
}

// SessionStatus is the lifecycle stage of a table session.
type SessionStatus string

const (
	// SessionOpen accepts new rounds and payments.
	SessionOpen SessionStatus = "OPEN"
	// SessionSettling freezes round submission while the bill is paid down.
	SessionSettling SessionStatus = "SETTLING"
	// SessionClosed is terminal; entered only once the bill is fully settled
	// and the station is explicitly released.
	SessionClosed SessionStatus = "CLOSED"
)

// CanTransitionTo reports whether a session may move from s to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionOpen:
		return next == SessionSettling
	case SessionSettling:
		return next == SessionClosed
	}
	return false
}
