package event

// SessionOpenedPayload accompanies KindSessionOpened.
type SessionOpenedPayload struct {
	StationID string `json:"station_id"`
	OpenedBy  string `json:"opened_by"`
}

// SessionBillRequestedPayload accompanies KindSessionBillRequested.
type SessionBillRequestedPayload struct {
	TotalCents       int64 `json:"total_cents"`
	OutstandingCents int64 `json:"outstanding_cents"`
}

// SessionClosedPayload accompanies KindSessionClosed.
type SessionClosedPayload struct {
	ClosedBy string `json:"closed_by"`
}

// SessionStatusChangedPayload carries the recomputed aggregate status of all
// open rounds after a round transition.
type SessionStatusChangedPayload struct {
	Aggregate string `json:"aggregate"`
}

// SubmittedItem is one line item inside a round-submitted payload.
type SubmittedItem struct {
	ItemID         string `json:"item_id"`
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Note           string `json:"note,omitempty"`
	ParticipantID  string `json:"participant_id,omitempty"`
}

// RoundSubmittedPayload accompanies KindRoundSubmitted.
type RoundSubmittedPayload struct {
	Seq   int64           `json:"seq"`
	Items []SubmittedItem `json:"items"`
}

// RoundStatusChangedPayload accompanies KindRoundStatusChanged.
type RoundStatusChangedPayload struct {
	Seq  int64  `json:"seq"`
	From string `json:"from"`
	To   string `json:"to"`
}

// PaymentAllocatedPayload accompanies KindPaymentAllocated.
type PaymentAllocatedPayload struct {
	PaymentID      string `json:"payment_id"`
	AmountCents    int64  `json:"amount_cents"`
	AllocatedCents int64  `json:"allocated_cents"`
	SurplusCents   int64  `json:"surplus_cents"`
	Method         string `json:"method"`
}

// BillSettledPayload accompanies KindBillSettled.
type BillSettledPayload struct {
	TotalCents int64  `json:"total_cents"`
	Display    string `json:"display"`
}
