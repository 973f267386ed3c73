package order

// AggregateStatus is the single derived status representing the net state of
// all open rounds in a session.
type AggregateStatus string

const (
	// AggregateIdle means the session has no rounds to aggregate.
	AggregateIdle AggregateStatus = "IDLE"
	// AggregatePending means every round awaits staff acknowledgment.
	AggregatePending AggregateStatus = "PENDING"
	// AggregateConfirmed means every round is acknowledged but not forwarded.
	AggregateConfirmed AggregateStatus = "CONFIRMED"
	// AggregateInProgress means every round is submitted or in the kitchen.
	AggregateInProgress AggregateStatus = "IN_PROGRESS"
	// AggregateReady means every round is ready to serve.
	AggregateReady AggregateStatus = "READY"
	// AggregateReadyPending means at least one round is ready while another
	// is still at an earlier stage.
	AggregateReadyPending AggregateStatus = "READY_PENDING"
	// AggregateServed means every round has been served.
	AggregateServed AggregateStatus = "SERVED"
)

// Aggregate derives the session-level status from the statuses of its rounds.
//
// Canceled rounds are excluded before evaluation. The result is a pure
// function of the input set and never reports a stage earlier than the most
// advanced remaining round. Priority, highest first:
//
//  1. at least one READY with another round at an earlier stage
//  2. all PENDING
//  3. all CONFIRMED
//  4. all SUBMITTED or IN_KITCHEN
//  5. all READY
//  6. all SERVED
//
// Mixed sets not covered above collapse to the most advanced round's stage.
func Aggregate(statuses []RoundStatus) AggregateStatus {
	live := make([]RoundStatus, 0, len(statuses))
	for _, s := range statuses {
		if s == RoundCanceled {
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		return AggregateIdle
	}

	anyReady := false
	anyBeforeReady := false
	allAt := func(want ...RoundStatus) bool {
		for _, s := range live {
			matched := false
			for _, w := range want {
				if s == w {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		return true
	}
	for _, s := range live {
		if s == RoundReady {
			anyReady = true
		}
		if rank[s] < rank[RoundReady] {
			anyBeforeReady = true
		}
	}

	switch {
	case anyReady && anyBeforeReady:
		return AggregateReadyPending
	case allAt(RoundPending):
		return AggregatePending
	case allAt(RoundConfirmed):
		return AggregateConfirmed
	case allAt(RoundSubmitted, RoundInKitchen):
		return AggregateInProgress
	case allAt(RoundReady):
		return AggregateReady
	case allAt(RoundServed):
		return AggregateServed
	}

	most := live[0]
	for _, s := range live[1:] {
		if rank[s] > rank[most] {
			most = s
		}
	}
	switch most {
	case RoundConfirmed:
		return AggregateConfirmed
	case RoundSubmitted, RoundInKitchen:
		return AggregateInProgress
	case RoundReady:
		return AggregateReady
	case RoundServed:
		return AggregateServed
	}
	return AggregatePending
}
