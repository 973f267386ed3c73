// Package storage defines the durable persistence contract for the floor
// service. The sqlite subpackage provides the production implementation.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost an optimistic concurrency check or
	// violated a uniqueness constraint. Callers may retry after re-reading.
	ErrConflict = errors.New("record conflict")
)

// SessionRecord stores one table session.
type SessionRecord struct {
	ID           string
	UnitID       string
	StationID    string
	Status       string
	Participants []string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// RoundRecord stores one order round. Seq is assigned by the store inside the
// creating transaction so it stays gapless per session.
type RoundRecord struct {
	ID             string
	SessionID      string
	Seq            int64
	Status         string
	IdempotencyKey string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	Version        int64
}

// ItemRecord stores one line item of a round. UnitPriceCents is the price
// captured at submission and is never recomputed.
type ItemRecord struct {
	ID             string
	RoundID        string
	ProductID      string
	Name           string
	Quantity       int64
	UnitPriceCents int64
	Note           string
	ParticipantID  string
}

// ChargeRecord stores one monetary claim derived from a line item.
type ChargeRecord struct {
	ID            string
	SessionID     string
	RoundID       string
	ItemID        string
	ParticipantID string
	AmountCents   int64
	SettledCents  int64
	CreatedAt     time.Time
}

// PaymentRecord stores one monetary inflow.
type PaymentRecord struct {
	ID            string
	SessionID     string
	ParticipantID string
	AmountCents   int64
	Method        string
	Reference     string
	ReceivedAt    time.Time
}

// AllocationRecord stores one application of payment cents to a charge.
type AllocationRecord struct {
	ID          string
	PaymentID   string
	ChargeID    string
	AmountCents int64
	CreatedAt   time.Time
}

// SessionStore persists table session lifecycle state.
type SessionStore interface {
	CreateSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// ActiveSessionForStation returns the non-closed session occupying a
	// station, or ErrNotFound.
	ActiveSessionForStation(ctx context.Context, unitID string, stationID string) (SessionRecord, error)
	AddParticipant(ctx context.Context, sessionID string, participantID string) error
	// UpdateSessionStatus moves a session from one status to another. It
	// returns ErrConflict when the stored status is no longer fromStatus.
	UpdateSessionStatus(ctx context.Context, sessionID string, fromStatus string, toStatus string, closedAt *time.Time) error
}

// RoundStore persists rounds, their items, and derived charges.
type RoundStore interface {
	// CreateRound atomically persists the round, its items, and the charges
	// derived from them, assigning the next gapless sequence number. The
	// stored record is returned with Seq and Version populated.
	CreateRound(ctx context.Context, round RoundRecord, items []ItemRecord, charges []ChargeRecord) (RoundRecord, error)
	GetRound(ctx context.Context, roundID string) (RoundRecord, error)
	GetRoundByIdempotencyKey(ctx context.Context, sessionID string, key string) (RoundRecord, error)
	ListRounds(ctx context.Context, sessionID string) ([]RoundRecord, error)
	ListRoundItems(ctx context.Context, roundID string) ([]ItemRecord, error)
	// UpdateRoundStatus writes the new status and timestamp only when the
	// stored status and version still match; otherwise ErrConflict.
	UpdateRoundStatus(ctx context.Context, roundID string, fromStatus string, toStatus string, at time.Time, version int64) (RoundRecord, error)
}

// BillingStore persists charges, payments, and allocations.
type BillingStore interface {
	ListCharges(ctx context.Context, sessionID string) ([]ChargeRecord, error)
	ListAllocations(ctx context.Context, paymentID string) ([]AllocationRecord, error)
	// AllocatePayment runs the provided planner against the session's
	// outstanding charges inside a single exclusive transaction, then
	// persists the payment and the planned allocations and advances each
	// charge's settled balance. The lock is held from the charge read to the
	// commit so concurrent payments against the same bill serialize.
	//
	// The planner receives charges ordered oldest-first and must return the
	// allocations to persist plus the unapplied surplus.
	AllocatePayment(ctx context.Context, payment PaymentRecord, plan AllocationPlanner) (AllocationResult, error)
}

// AllocationPlanner computes allocations for a payment given the current
// outstanding charges. It must be pure: the store may call it exactly once
// per transaction attempt.
type AllocationPlanner func(charges []ChargeRecord) ([]AllocationRecord, int64, error)

// AllocationResult reports the outcome of one persisted payment allocation.
type AllocationResult struct {
	Allocations      []AllocationRecord
	SurplusCents     int64
	OutstandingCents int64
	TotalCents       int64
	// Settled is true when the payment brought every charge on the bill to
	// zero outstanding.
	Settled bool
}

// Store aggregates all persistence used by the floor service.
type Store interface {
	SessionStore
	RoundStore
	BillingStore
}
