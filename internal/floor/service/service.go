// Package service implements the transactional ordering and payment
// operations of the floor coordination core. Every state mutation commits
// through the store and publishes its events before the per-session
// operation lock is released, so per-session event order equals commit
// order.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/brigadehq/brigade/internal/floor/catalog"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
	"github.com/brigadehq/brigade/internal/floor/storage"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

const (
	maxTransitionAttempts   = 4
	transitionRetryInterval = 25 * time.Millisecond
)

// Publisher delivers domain events to live consumers. The realtime registry
// satisfies it.
type Publisher interface {
	Publish(ev event.Event) int
}

// Service owns the session, round, and payment operations.
type Service struct {
	store     storage.Store
	catalog   catalog.Resolver
	publisher Publisher
	currency  string
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires the store, catalog resolver, and event publisher into a
// ready service.
func NewService(store storage.Store, resolver catalog.Resolver, publisher Publisher) *Service {
	return &Service{
		store:     store,
		catalog:   resolver,
		publisher: publisher,
		currency:  "USD",
		now:       time.Now,
		locks:     make(map[string]*sessionLock),
	}
}

// SetCurrency overrides the ISO currency code used for human-readable bill
// totals.
func (s *Service) SetCurrency(code string) {
	if code != "" {
		s.currency = code
	}
}

// lockSession serializes mutating operations per session. The returned
// function releases the lock; events for a commit are published before
// release so per-session event order matches commit order.
func (s *Service) lockSession(sessionID string) func() {
	s.locksMu.Lock()
	entry, ok := s.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		s.locks[sessionID] = entry
	}
	entry.refs++
	s.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.locksMu.Unlock()
	}
}

func (s *Service) publish(ev event.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ev)
}

// retryTransition runs attempt with bounded backoff, retrying only on
// version conflicts. Everything else aborts immediately.
func retryTransition[T any](ctx context.Context, attempt func() (T, error)) (T, error) {
	operation := func() (T, error) {
		result, err := attempt()
		if err != nil && !apperrors.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = transitionRetryInterval
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxTransitionAttempts),
	)
}

func (s *Service) getSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, apperrors.New(apperrors.CodeNotFound,
				fmt.Sprintf("session %s not found", sessionID))
		}
		return storage.SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return record, nil
}

func sessionFromRecord(record storage.SessionRecord) order.Session {
	return order.Session{
		ID:           record.ID,
		UnitID:       record.UnitID,
		StationID:    record.StationID,
		Status:       order.SessionStatus(record.Status),
		Participants: record.Participants,
		CreatedAt:    record.CreatedAt,
		ClosedAt:     record.ClosedAt,
	}
}

func roundFromRecord(record storage.RoundRecord, items []storage.ItemRecord) order.Round {
	round := order.Round{
		ID:             record.ID,
		SessionID:      record.SessionID,
		Seq:            record.Seq,
		Status:         order.RoundStatus(record.Status),
		IdempotencyKey: record.IdempotencyKey,
		SubmittedAt:    record.SubmittedAt,
		UpdatedAt:      record.UpdatedAt,
		Version:        record.Version,
	}
	for _, item := range items {
		round.Items = append(round.Items, order.LineItem{
			ID:             item.ID,
			ProductID:      item.ProductID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			Note:           item.Note,
			ParticipantID:  item.ParticipantID,
		})
	}
	return round
}

// aggregateFor recomputes the session's aggregate status over its current
// rounds.
func (s *Service) aggregateFor(ctx context.Context, sessionID string) (order.AggregateStatus, error) {
	records, err := s.store.ListRounds(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list rounds for %s: %w", sessionID, err)
	}
	statuses := make([]order.RoundStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, order.RoundStatus(record.Status))
	}
	return order.Aggregate(statuses), nil
}

// publishAggregate recomputes and emits the session aggregate status. A
// failure to recompute is logged by the caller's error return; the round
// event preceding it has already been delivered.
func (s *Service) publishAggregate(ctx context.Context, session storage.SessionRecord) error {
	aggregate, err := s.aggregateFor(ctx, session.ID)
	if err != nil {
		return err
	}
	s.publish(event.Event{
		Kind:      event.KindSessionStatusChanged,
		UnitID:    session.UnitID,
		SessionID: session.ID,
		Timestamp: s.now().UTC(),
		Payload:   event.SessionStatusChangedPayload{Aggregate: string(aggregate)},
	})
	return nil
}
