package order

import "time"

// Session is one continuous occupancy of a physical station by a group of
// participants.
type Session struct {
	ID           string
	UnitID       string
	StationID    string
	Status       SessionStatus
	Participants []string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// LineItem is one ordered product within a round. The unit price is captured
// at submission time and never recomputed from the catalog afterwards.
type LineItem struct {
	ID             string
	ProductID      string
	Name           string
	Quantity       int64
	UnitPriceCents int64
	Note           string
	ParticipantID  string
}

// Round is one batch of items submitted together within a session. Seq is
// gapless and strictly increasing per session.
type Round struct {
	ID             string
	SessionID      string
	Seq            int64
	Status         RoundStatus
	Items          []LineItem
	IdempotencyKey string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	Version        int64
}

// TotalCents sums the round's line item totals.
func (r Round) TotalCents() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Quantity * item.UnitPriceCents
	}
	return total
}
