package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brigadehq/brigade/internal/floor/domain/billing"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
	"github.com/brigadehq/brigade/internal/floor/storage"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
	"github.com/brigadehq/brigade/internal/platform/id"
)

// PaymentRequest describes one incoming payment against a session's bill.
type PaymentRequest struct {
	AmountCents          int64
	Method               string
	Reference            string
	ParticipantID        string
	PreferredParticipant string
}

// AllocationOutcome reports how a payment was applied.
type AllocationOutcome struct {
	PaymentID    string
	Allocations  []billing.Allocation
	SurplusCents int64
	Bill         billing.Bill
	Settled      bool
}

// Allocate applies a payment to the session's outstanding charges, oldest
// charge first. The store serializes concurrent payments against the same
// bill; the surplus is reported back, never silently dropped.
func (s *Service) Allocate(ctx context.Context, sessionID string, req PaymentRequest) (AllocationOutcome, error) {
	if req.AmountCents <= 0 {
		return AllocationOutcome{}, apperrors.New(apperrors.CodePaymentInvalidAmount,
			"payment amount must be positive")
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return AllocationOutcome{}, err
	}
	if order.SessionStatus(session.Status) == order.SessionClosed {
		return AllocationOutcome{}, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}

	paymentID, err := id.NewID()
	if err != nil {
		return AllocationOutcome{}, fmt.Errorf("generate payment id: %w", err)
	}
	now := s.now().UTC()
	payment := storage.PaymentRecord{
		ID:            paymentID,
		SessionID:     sessionID,
		ParticipantID: strings.TrimSpace(req.ParticipantID),
		AmountCents:   req.AmountCents,
		Method:        strings.TrimSpace(req.Method),
		Reference:     strings.TrimSpace(req.Reference),
		ReceivedAt:    now,
	}

	result, err := s.store.AllocatePayment(ctx, payment, s.planner(paymentID, req.AmountCents, req.PreferredParticipant, now))
	if err != nil {
		return AllocationOutcome{}, err
	}

	allocations := make([]billing.Allocation, 0, len(result.Allocations))
	for _, record := range result.Allocations {
		allocations = append(allocations, billing.Allocation{
			ID:          record.ID,
			PaymentID:   record.PaymentID,
			ChargeID:    record.ChargeID,
			AmountCents: record.AmountCents,
			CreatedAt:   record.CreatedAt,
		})
	}
	outcome := AllocationOutcome{
		PaymentID:    paymentID,
		Allocations:  allocations,
		SurplusCents: result.SurplusCents,
		Bill: billing.Bill{
			SessionID:        sessionID,
			TotalCents:       result.TotalCents,
			SettledCents:     result.TotalCents - result.OutstandingCents,
			OutstandingCents: result.OutstandingCents,
		},
		Settled: result.Settled,
	}

	allocated := req.AmountCents - result.SurplusCents
	s.publish(event.Event{
		Kind:          event.KindPaymentAllocated,
		UnitID:        session.UnitID,
		SessionID:     sessionID,
		ParticipantID: payment.ParticipantID,
		Timestamp:     now,
		Payload: event.PaymentAllocatedPayload{
			PaymentID:      paymentID,
			AmountCents:    req.AmountCents,
			AllocatedCents: allocated,
			SurplusCents:   result.SurplusCents,
			Method:         payment.Method,
		},
	})
	if result.Settled {
		s.publish(event.Event{
			Kind:      event.KindBillSettled,
			UnitID:    session.UnitID,
			SessionID: sessionID,
			Timestamp: now,
			Payload: event.BillSettledPayload{
				TotalCents: result.TotalCents,
				Display:    billing.FormatCents(result.TotalCents, s.currency),
			},
		})
	}
	return outcome, nil
}

// planner adapts the pure FIFO plan to the store's transactional callback.
func (s *Service) planner(paymentID string, amountCents int64, preferredParticipant string, at time.Time) storage.AllocationPlanner {
	return func(records []storage.ChargeRecord) ([]storage.AllocationRecord, int64, error) {
		charges := make([]billing.Charge, 0, len(records))
		for _, record := range records {
			charges = append(charges, chargeFromRecord(record))
		}
		entries, surplus, err := billing.Plan(charges, amountCents, preferredParticipant)
		if err != nil {
			return nil, 0, err
		}
		allocations := make([]storage.AllocationRecord, 0, len(entries))
		for _, entry := range entries {
			allocationID, err := id.NewID()
			if err != nil {
				return nil, 0, fmt.Errorf("generate allocation id: %w", err)
			}
			allocations = append(allocations, storage.AllocationRecord{
				ID:          allocationID,
				PaymentID:   paymentID,
				ChargeID:    entry.ChargeID,
				AmountCents: entry.AmountCents,
				CreatedAt:   at,
			})
		}
		return allocations, surplus, nil
	}
}
