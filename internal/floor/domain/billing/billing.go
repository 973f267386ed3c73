// Package billing models the monetary side of a session: charges derived
// from line items, incoming payments, and the allocations joining them.
//
// All amounts are integer cents. Charges are immutable once created; only
// their settled balance moves, and only through the allocation engine.
package billing

import "time"

// Charge is one monetary claim derived from a single line item.
type Charge struct {
	ID            string
	SessionID     string
	RoundID       string
	ItemID        string
	ParticipantID string
	AmountCents   int64
	SettledCents  int64
	CreatedAt     time.Time
}

// OutstandingCents is the unallocated remainder of the charge.
func (c Charge) OutstandingCents() int64 {
	return c.AmountCents - c.SettledCents
}

// Payment is one monetary inflow against a session's bill.
type Payment struct {
	ID            string
	SessionID     string
	ParticipantID string
	AmountCents   int64
	Method        string
	Reference     string
	ReceivedAt    time.Time
}

// Allocation records how many cents of one payment were applied to one charge.
type Allocation struct {
	ID          string
	PaymentID   string
	ChargeID    string
	AmountCents int64
	CreatedAt   time.Time
}

// Bill summarizes the monetary state of a session.
type Bill struct {
	SessionID        string
	TotalCents       int64
	SettledCents     int64
	OutstandingCents int64
}

// Settled reports whether every charge on the bill has reached zero
// outstanding balance.
func (b Bill) Settled() bool {
	return b.OutstandingCents == 0
}

// Summarize folds a charge set into its bill totals.
func Summarize(sessionID string, charges []Charge) Bill {
	bill := Bill{SessionID: sessionID}
	for _, charge := range charges {
		bill.TotalCents += charge.AmountCents
		bill.SettledCents += charge.SettledCents
		bill.OutstandingCents += charge.OutstandingCents()
	}
	return bill
}
