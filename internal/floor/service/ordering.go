package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brigadehq/brigade/internal/floor/domain/billing"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
	"github.com/brigadehq/brigade/internal/floor/storage"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
	"github.com/brigadehq/brigade/internal/platform/id"
)

// SubmitItem is one requested line item in a round submission.
type SubmitItem struct {
	ProductID     string
	Quantity      int64
	Note          string
	ParticipantID string
}

// OpenSession starts a session for the first occupancy of a station. The
// station must not already carry a non-closed session.
func (s *Service) OpenSession(ctx context.Context, unitID, stationID, openedBy string) (order.Session, error) {
	unitID = strings.TrimSpace(unitID)
	stationID = strings.TrimSpace(stationID)
	if unitID == "" {
		return order.Session{}, apperrors.New(apperrors.CodeSessionEmptyUnitID, "unit id is required")
	}
	if stationID == "" {
		return order.Session{}, apperrors.New(apperrors.CodeSessionEmptyUnitID, "station id is required")
	}

	existing, err := s.store.ActiveSessionForStation(ctx, unitID, stationID)
	if err == nil {
		return order.Session{}, apperrors.WithMetadata(apperrors.CodeSessionStationOccupied,
			fmt.Sprintf("station %s already has an active session", stationID),
			map[string]string{"SessionID": existing.ID})
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return order.Session{}, fmt.Errorf("check station %s: %w", stationID, err)
	}

	sessionID, err := id.NewID()
	if err != nil {
		return order.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	var participants []string
	if openedBy = strings.TrimSpace(openedBy); openedBy != "" {
		participants = []string{openedBy}
	}
	record := storage.SessionRecord{
		ID:           sessionID,
		UnitID:       unitID,
		StationID:    stationID,
		Status:       string(order.SessionOpen),
		Participants: participants,
		CreatedAt:    s.now().UTC(),
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	if err := s.store.CreateSession(ctx, record); err != nil {
		return order.Session{}, fmt.Errorf("create session: %w", err)
	}

	s.publish(event.Event{
		Kind:      event.KindSessionOpened,
		UnitID:    unitID,
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Payload:   event.SessionOpenedPayload{StationID: stationID, OpenedBy: openedBy},
	})
	return sessionFromRecord(record), nil
}

// JoinSession records a participant on an open session. Joining twice is a
// no-op.
func (s *Service) JoinSession(ctx context.Context, sessionID, participantID string) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return apperrors.New(apperrors.CodeSessionEmptyUnitID, "participant id is required")
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if order.SessionStatus(session.Status) == order.SessionClosed {
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	}
	if err := s.store.AddParticipant(ctx, sessionID, participantID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// Session returns the session with its rounds and bill for state refetch
// after reconnect.
func (s *Service) Session(ctx context.Context, sessionID string) (order.Session, []order.Round, billing.Bill, error) {
	record, err := s.getSession(ctx, sessionID)
	if err != nil {
		return order.Session{}, nil, billing.Bill{}, err
	}

	roundRecords, err := s.store.ListRounds(ctx, sessionID)
	if err != nil {
		return order.Session{}, nil, billing.Bill{}, fmt.Errorf("list rounds: %w", err)
	}
	rounds := make([]order.Round, 0, len(roundRecords))
	for _, roundRecord := range roundRecords {
		items, err := s.store.ListRoundItems(ctx, roundRecord.ID)
		if err != nil {
			return order.Session{}, nil, billing.Bill{}, fmt.Errorf("list round items: %w", err)
		}
		rounds = append(rounds, roundFromRecord(roundRecord, items))
	}

	bill, err := s.bill(ctx, sessionID)
	if err != nil {
		return order.Session{}, nil, billing.Bill{}, err
	}
	return sessionFromRecord(record), rounds, bill, nil
}

// SubmitRound creates a round from the requested items, capturing unit
// prices from the catalog at submission. Resubmitting the same idempotency
// key returns the original round and emits nothing.
func (s *Service) SubmitRound(ctx context.Context, sessionID, idempotencyKey string, items []SubmitItem, participantID string) (order.Round, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return order.Round{}, apperrors.New(apperrors.CodeRoundIdempotencyKeyMissing, "idempotency key is required")
	}
	if len(items) == 0 {
		return order.Round{}, apperrors.New(apperrors.CodeRoundEmptyItems, "a round needs at least one item")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return order.Round{}, apperrors.WithMetadata(apperrors.CodeRoundInvalidQuantity,
				"item quantity must be positive",
				map[string]string{"ProductID": item.ProductID})
		}
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return order.Round{}, err
	}
	switch order.SessionStatus(session.Status) {
	case order.SessionOpen:
	case order.SessionClosed:
		return order.Round{}, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	default:
		return order.Round{}, apperrors.New(apperrors.CodeSessionNotOpen, "session is settling; no further rounds")
	}

	if existing, err := s.store.GetRoundByIdempotencyKey(ctx, sessionID, idempotencyKey); err == nil {
		return s.loadRound(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return order.Round{}, fmt.Errorf("check idempotency key: %w", err)
	}

	roundID, err := id.NewID()
	if err != nil {
		return order.Round{}, fmt.Errorf("generate round id: %w", err)
	}

	now := s.now().UTC()
	itemRecords := make([]storage.ItemRecord, 0, len(items))
	chargeRecords := make([]storage.ChargeRecord, 0, len(items))
	for _, item := range items {
		product, err := s.catalog.Resolve(ctx, item.ProductID)
		if err != nil {
			return order.Round{}, err
		}
		itemID, err := id.NewID()
		if err != nil {
			return order.Round{}, fmt.Errorf("generate item id: %w", err)
		}
		chargeID, err := id.NewID()
		if err != nil {
			return order.Round{}, fmt.Errorf("generate charge id: %w", err)
		}
		itemParticipant := strings.TrimSpace(item.ParticipantID)
		if itemParticipant == "" {
			itemParticipant = strings.TrimSpace(participantID)
		}
		itemRecords = append(itemRecords, storage.ItemRecord{
			ID:             itemID,
			RoundID:        roundID,
			ProductID:      product.ID,
			Name:           product.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: product.UnitPriceCents,
			Note:           item.Note,
			ParticipantID:  itemParticipant,
		})
		chargeRecords = append(chargeRecords, storage.ChargeRecord{
			ID:            chargeID,
			SessionID:     sessionID,
			RoundID:       roundID,
			ItemID:        itemID,
			ParticipantID: itemParticipant,
			AmountCents:   item.Quantity * product.UnitPriceCents,
			CreatedAt:     now,
		})
	}

	created, err := s.store.CreateRound(ctx, storage.RoundRecord{
		ID:             roundID,
		SessionID:      sessionID,
		Status:         string(order.RoundPending),
		IdempotencyKey: idempotencyKey,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}, itemRecords, chargeRecords)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			existing, lookupErr := s.store.GetRoundByIdempotencyKey(ctx, sessionID, idempotencyKey)
			if lookupErr == nil {
				return s.loadRound(ctx, existing)
			}
		}
		return order.Round{}, fmt.Errorf("create round: %w", err)
	}

	round := roundFromRecord(created, itemRecords)
	submitted := make([]event.SubmittedItem, 0, len(round.Items))
	for _, item := range round.Items {
		submitted = append(submitted, event.SubmittedItem{
			ItemID:         item.ID,
			ProductID:      item.ProductID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			Note:           item.Note,
			ParticipantID:  item.ParticipantID,
		})
	}
	s.publish(event.Event{
		Kind:          event.KindRoundSubmitted,
		UnitID:        session.UnitID,
		SessionID:     sessionID,
		RoundID:       round.ID,
		ParticipantID: strings.TrimSpace(participantID),
		Timestamp:     now,
		Payload:       event.RoundSubmittedPayload{Seq: round.Seq, Items: submitted},
	})
	if err := s.publishAggregate(ctx, session); err != nil {
		return round, err
	}
	return round, nil
}

func (s *Service) loadRound(ctx context.Context, record storage.RoundRecord) (order.Round, error) {
	items, err := s.store.ListRoundItems(ctx, record.ID)
	if err != nil {
		return order.Round{}, fmt.Errorf("list round items: %w", err)
	}
	return roundFromRecord(record, items), nil
}

// AdvanceRound moves a round one stage forward along its lifecycle.
func (s *Service) AdvanceRound(ctx context.Context, sessionID, roundID string) (order.Round, error) {
	return s.transitionRound(ctx, sessionID, roundID, func(from order.RoundStatus) (order.RoundStatus, error) {
		if from.Terminal() {
			return "", apperrors.New(apperrors.CodeRoundTerminal,
				fmt.Sprintf("round is %s and cannot change", from))
		}
		next, ok := from.Next()
		if !ok {
			return "", apperrors.New(apperrors.CodeRoundInvalidTransition,
				fmt.Sprintf("round has no forward transition from %s", from))
		}
		return next, nil
	})
}

// CancelRound cancels a round from any non-terminal stage.
func (s *Service) CancelRound(ctx context.Context, sessionID, roundID string) (order.Round, error) {
	return s.transitionRound(ctx, sessionID, roundID, func(from order.RoundStatus) (order.RoundStatus, error) {
		if from.Terminal() {
			return "", apperrors.New(apperrors.CodeRoundTerminal,
				fmt.Sprintf("round is %s and cannot change", from))
		}
		return order.RoundCanceled, nil
	})
}

// transitionRound applies one status change under the session lock. The
// store write is optimistic on the round version; conflicts retry with
// backoff up to the attempt bound.
func (s *Service) transitionRound(ctx context.Context, sessionID, roundID string, pick func(order.RoundStatus) (order.RoundStatus, error)) (order.Round, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return order.Round{}, err
	}

	type transition struct {
		record storage.RoundRecord
		from   order.RoundStatus
		to     order.RoundStatus
	}
	result, err := retryTransition(ctx, func() (transition, error) {
		record, err := s.store.GetRound(ctx, roundID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return transition{}, apperrors.New(apperrors.CodeNotFound,
					fmt.Sprintf("round %s not found", roundID))
			}
			return transition{}, fmt.Errorf("get round %s: %w", roundID, err)
		}
		if record.SessionID != sessionID {
			return transition{}, apperrors.New(apperrors.CodeNotFound,
				fmt.Sprintf("round %s not found in session %s", roundID, sessionID))
		}

		from := order.RoundStatus(record.Status)
		to, err := pick(from)
		if err != nil {
			return transition{}, err
		}
		if !from.CanTransitionTo(to) {
			return transition{}, apperrors.New(apperrors.CodeRoundInvalidTransition,
				fmt.Sprintf("cannot move round from %s to %s", from, to))
		}

		updated, err := s.store.UpdateRoundStatus(ctx, record.ID, string(from), string(to), s.now().UTC(), record.Version)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return transition{}, apperrors.Wrap(apperrors.CodeVersionConflict,
					"round changed concurrently", err)
			}
			return transition{}, fmt.Errorf("update round status: %w", err)
		}
		return transition{record: updated, from: from, to: to}, nil
	})
	if err != nil {
		return order.Round{}, err
	}

	round, err := s.loadRound(ctx, result.record)
	if err != nil {
		return order.Round{}, err
	}

	s.publish(event.Event{
		Kind:      event.KindRoundStatusChanged,
		UnitID:    session.UnitID,
		SessionID: sessionID,
		RoundID:   roundID,
		Timestamp: s.now().UTC(),
		Payload: event.RoundStatusChangedPayload{
			Seq:  round.Seq,
			From: string(result.from),
			To:   string(result.to),
		},
	})
	if err := s.publishAggregate(ctx, session); err != nil {
		return round, err
	}
	return round, nil
}

// RequestBill freezes round submission and reports the bill totals.
func (s *Service) RequestBill(ctx context.Context, sessionID string) (billing.Bill, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return billing.Bill{}, err
	}
	switch order.SessionStatus(session.Status) {
	case order.SessionOpen:
	case order.SessionClosed:
		return billing.Bill{}, apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	default:
		return billing.Bill{}, apperrors.New(apperrors.CodeSessionNotOpen, "bill was already requested")
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, session.Status, string(order.SessionSettling), nil); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return billing.Bill{}, apperrors.New(apperrors.CodeSessionInvalidStatusChange,
				"session status changed concurrently")
		}
		return billing.Bill{}, fmt.Errorf("update session status: %w", err)
	}

	bill, err := s.bill(ctx, sessionID)
	if err != nil {
		return billing.Bill{}, err
	}
	s.publish(event.Event{
		Kind:      event.KindSessionBillRequested,
		UnitID:    session.UnitID,
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Payload: event.SessionBillRequestedPayload{
			TotalCents:       bill.TotalCents,
			OutstandingCents: bill.OutstandingCents,
		},
	})
	return bill, nil
}

// CloseSession releases the station. Only a settling session with a fully
// settled bill may close.
func (s *Service) CloseSession(ctx context.Context, sessionID, closedBy string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch order.SessionStatus(session.Status) {
	case order.SessionSettling:
	case order.SessionClosed:
		return apperrors.New(apperrors.CodeSessionClosed, "session is already closed")
	default:
		return apperrors.New(apperrors.CodeSessionNotSettling, "request the bill before closing")
	}

	bill, err := s.bill(ctx, sessionID)
	if err != nil {
		return err
	}
	if !bill.Settled() {
		return apperrors.WithMetadata(apperrors.CodeSessionBillOutstanding,
			"bill is not fully settled",
			map[string]string{"OutstandingCents": fmt.Sprintf("%d", bill.OutstandingCents)})
	}

	closedAt := s.now().UTC()
	if err := s.store.UpdateSessionStatus(ctx, sessionID, session.Status, string(order.SessionClosed), &closedAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apperrors.New(apperrors.CodeSessionInvalidStatusChange,
				"session status changed concurrently")
		}
		return fmt.Errorf("update session status: %w", err)
	}

	s.publish(event.Event{
		Kind:      event.KindSessionClosed,
		UnitID:    session.UnitID,
		SessionID: sessionID,
		Timestamp: closedAt,
		Payload:   event.SessionClosedPayload{ClosedBy: strings.TrimSpace(closedBy)},
	})
	return nil
}

func (s *Service) bill(ctx context.Context, sessionID string) (billing.Bill, error) {
	records, err := s.store.ListCharges(ctx, sessionID)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("list charges: %w", err)
	}
	charges := make([]billing.Charge, 0, len(records))
	for _, record := range records {
		charges = append(charges, chargeFromRecord(record))
	}
	return billing.Summarize(sessionID, charges), nil
}

func chargeFromRecord(record storage.ChargeRecord) billing.Charge {
	return billing.Charge{
		ID:            record.ID,
		SessionID:     record.SessionID,
		RoundID:       record.RoundID,
		ItemID:        record.ItemID,
		ParticipantID: record.ParticipantID,
		AmountCents:   record.AmountCents,
		SettledCents:  record.SettledCents,
		CreatedAt:     record.CreatedAt,
	}
}
