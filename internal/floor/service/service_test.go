package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/brigadehq/brigade/internal/floor/catalog"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
	"github.com/brigadehq/brigade/internal/floor/storage/sqlite"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturePublisher) Publish(ev event.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *capturePublisher) kinds() []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]event.Kind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (p *capturePublisher) last() event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return event.Event{}
	}
	return p.events[len(p.events)-1]
}

func (p *capturePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func newTestService(t *testing.T) (*Service, *capturePublisher) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "floor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	resolver := catalog.NewStatic([]catalog.Product{
		{ID: "burger", Name: "Brigade Burger", UnitPriceCents: 500, Currency: "USD"},
		{ID: "fries", Name: "Fries", UnitPriceCents: 300, Currency: "USD"},
		{ID: "soda", Name: "Soda", UnitPriceCents: 200, Currency: "USD"},
	})
	publisher := &capturePublisher{}
	return NewService(store, resolver, publisher), publisher
}

func openTestSession(t *testing.T, svc *Service) order.Session {
	t.Helper()
	session, err := svc.OpenSession(context.Background(), "unit-1", "table-7", "staff-1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return session
}

func TestOpenSessionOccupiedStation(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	openTestSession(t, svc)

	if kinds := publisher.kinds(); len(kinds) != 1 || kinds[0] != event.KindSessionOpened {
		t.Fatalf("expected one session.opened event, got %v", kinds)
	}

	_, err := svc.OpenSession(context.Background(), "unit-1", "table-7", "staff-2")
	if apperrors.CodeOf(err) != apperrors.CodeSessionStationOccupied {
		t.Fatalf("expected station occupied, got %v", err)
	}

	// A different station opens fine.
	if _, err := svc.OpenSession(context.Background(), "unit-1", "table-8", "staff-2"); err != nil {
		t.Fatalf("open second station: %v", err)
	}
}

func TestSubmitRoundEmitsOnce(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	publisher.reset()

	items := []SubmitItem{
		{ProductID: "burger", Quantity: 1},
		{ProductID: "fries", Quantity: 2, Note: "extra salt"},
	}
	round, err := svc.SubmitRound(context.Background(), session.ID, "key-1", items, "guest-1")
	if err != nil {
		t.Fatalf("submit round: %v", err)
	}
	if round.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", round.Seq)
	}
	if round.Status != order.RoundPending {
		t.Fatalf("expected PENDING, got %s", round.Status)
	}
	if round.TotalCents() != 1100 {
		t.Fatalf("expected total 1100, got %d", round.TotalCents())
	}

	kinds := publisher.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindRoundSubmitted || kinds[1] != event.KindSessionStatusChanged {
		t.Fatalf("expected submitted+aggregate events, got %v", kinds)
	}
	aggregate := publisher.last().Payload.(event.SessionStatusChangedPayload)
	if aggregate.Aggregate != string(order.AggregatePending) {
		t.Fatalf("expected PENDING aggregate, got %s", aggregate.Aggregate)
	}

	// Resubmitting the same key returns the original round and emits nothing.
	publisher.reset()
	again, err := svc.SubmitRound(context.Background(), session.ID, "key-1", items, "guest-1")
	if err != nil {
		t.Fatalf("resubmit round: %v", err)
	}
	if again.ID != round.ID || again.Seq != round.Seq {
		t.Fatalf("expected original round back, got %+v", again)
	}
	if len(publisher.kinds()) != 0 {
		t.Fatalf("duplicate submission must emit nothing, got %v", publisher.kinds())
	}
}

func TestSubmitRoundValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	_, err := svc.SubmitRound(ctx, session.ID, "", []SubmitItem{{ProductID: "soda", Quantity: 1}}, "")
	if apperrors.CodeOf(err) != apperrors.CodeRoundIdempotencyKeyMissing {
		t.Fatalf("expected missing key code, got %v", err)
	}
	_, err = svc.SubmitRound(ctx, session.ID, "key-1", nil, "")
	if apperrors.CodeOf(err) != apperrors.CodeRoundEmptyItems {
		t.Fatalf("expected empty items code, got %v", err)
	}
	_, err = svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "soda", Quantity: 0}}, "")
	if apperrors.CodeOf(err) != apperrors.CodeRoundInvalidQuantity {
		t.Fatalf("expected invalid quantity code, got %v", err)
	}
	_, err = svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "caviar", Quantity: 1}}, "")
	if apperrors.CodeOf(err) != apperrors.CodeRoundUnknownProduct {
		t.Fatalf("expected unknown product code, got %v", err)
	}
}

func TestRoundLifecycleEventOrder(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	round, err := svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "soda", Quantity: 1}}, "")
	if err != nil {
		t.Fatalf("submit round: %v", err)
	}
	publisher.reset()

	want := []order.RoundStatus{order.RoundConfirmed, order.RoundSubmitted, order.RoundInKitchen, order.RoundReady, order.RoundServed}
	for _, expected := range want {
		advanced, err := svc.AdvanceRound(ctx, session.ID, round.ID)
		if err != nil {
			t.Fatalf("advance to %s: %v", expected, err)
		}
		if advanced.Status != expected {
			t.Fatalf("expected %s, got %s", expected, advanced.Status)
		}
	}

	// Exactly one round event followed by one aggregate event per commit,
	// in commit order.
	kinds := publisher.kinds()
	if len(kinds) != 2*len(want) {
		t.Fatalf("expected %d events, got %v", 2*len(want), kinds)
	}
	for i := 0; i < len(kinds); i += 2 {
		if kinds[i] != event.KindRoundStatusChanged || kinds[i+1] != event.KindSessionStatusChanged {
			t.Fatalf("unexpected event pair at %d: %v", i, kinds)
		}
	}

	// Terminal rounds refuse further changes.
	if _, err := svc.AdvanceRound(ctx, session.ID, round.ID); apperrors.CodeOf(err) != apperrors.CodeRoundTerminal {
		t.Fatalf("expected terminal code, got %v", err)
	}
	if _, err := svc.CancelRound(ctx, session.ID, round.ID); apperrors.CodeOf(err) != apperrors.CodeRoundTerminal {
		t.Fatalf("expected terminal code, got %v", err)
	}
}

func TestCancelRoundClearsAggregate(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	round, err := svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "soda", Quantity: 1}}, "")
	if err != nil {
		t.Fatalf("submit round: %v", err)
	}
	publisher.reset()

	canceled, err := svc.CancelRound(ctx, session.ID, round.ID)
	if err != nil {
		t.Fatalf("cancel round: %v", err)
	}
	if canceled.Status != order.RoundCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}

	aggregate := publisher.last().Payload.(event.SessionStatusChangedPayload)
	if aggregate.Aggregate != string(order.AggregateIdle) {
		t.Fatalf("expected IDLE aggregate after cancel, got %s", aggregate.Aggregate)
	}
}

func TestAggregateReadyPending(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	first, err := svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "soda", Quantity: 1}}, "")
	if err != nil {
		t.Fatalf("submit first round: %v", err)
	}
	second, err := svc.SubmitRound(ctx, session.ID, "key-2", []SubmitItem{{ProductID: "fries", Quantity: 1}}, "")
	if err != nil {
		t.Fatalf("submit second round: %v", err)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("expected gapless seq, got %d then %d", first.Seq, second.Seq)
	}

	// First round all the way to READY, second stuck in the kitchen.
	for i := 0; i < 4; i++ {
		if _, err := svc.AdvanceRound(ctx, session.ID, first.ID); err != nil {
			t.Fatalf("advance first round: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.AdvanceRound(ctx, session.ID, second.ID); err != nil {
			t.Fatalf("advance second round: %v", err)
		}
	}

	aggregate := publisher.last().Payload.(event.SessionStatusChangedPayload)
	if aggregate.Aggregate != string(order.AggregateReadyPending) {
		t.Fatalf("expected READY_PENDING, got %s", aggregate.Aggregate)
	}
}

func TestSessionSettlementFlow(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	if _, err := svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "burger", Quantity: 1}, {ProductID: "soda", Quantity: 1}}, "guest-1"); err != nil {
		t.Fatalf("submit round: %v", err)
	}

	// Closing before the bill is requested is refused.
	if err := svc.CloseSession(ctx, session.ID, "staff-1"); apperrors.CodeOf(err) != apperrors.CodeSessionNotSettling {
		t.Fatalf("expected not settling code, got %v", err)
	}

	bill, err := svc.RequestBill(ctx, session.ID)
	if err != nil {
		t.Fatalf("request bill: %v", err)
	}
	if bill.TotalCents != 700 || bill.OutstandingCents != 700 {
		t.Fatalf("unexpected bill %+v", bill)
	}

	// Settling freezes further submission.
	if _, err := svc.SubmitRound(ctx, session.ID, "key-2", []SubmitItem{{ProductID: "soda", Quantity: 1}}, ""); apperrors.CodeOf(err) != apperrors.CodeSessionNotOpen {
		t.Fatalf("expected not open code, got %v", err)
	}
	// A second bill request is refused.
	if _, err := svc.RequestBill(ctx, session.ID); apperrors.CodeOf(err) != apperrors.CodeSessionNotOpen {
		t.Fatalf("expected not open code, got %v", err)
	}
	// Closing with an outstanding bill is refused.
	if err := svc.CloseSession(ctx, session.ID, "staff-1"); apperrors.CodeOf(err) != apperrors.CodeSessionBillOutstanding {
		t.Fatalf("expected bill outstanding code, got %v", err)
	}

	outcome, err := svc.Allocate(ctx, session.ID, PaymentRequest{AmountCents: 700, Method: "card"})
	if err != nil {
		t.Fatalf("allocate payment: %v", err)
	}
	if !outcome.Settled || outcome.SurplusCents != 0 {
		t.Fatalf("expected settled outcome, got %+v", outcome)
	}

	publisher.reset()
	if err := svc.CloseSession(ctx, session.ID, "staff-1"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if kinds := publisher.kinds(); len(kinds) != 1 || kinds[0] != event.KindSessionClosed {
		t.Fatalf("expected one session.closed event, got %v", kinds)
	}

	// Everything is refused on a closed session.
	if _, err := svc.SubmitRound(ctx, session.ID, "key-3", []SubmitItem{{ProductID: "soda", Quantity: 1}}, ""); apperrors.CodeOf(err) != apperrors.CodeSessionClosed {
		t.Fatalf("expected closed code, got %v", err)
	}
	if _, err := svc.Allocate(ctx, session.ID, PaymentRequest{AmountCents: 100, Method: "cash"}); apperrors.CodeOf(err) != apperrors.CodeSessionClosed {
		t.Fatalf("expected closed code, got %v", err)
	}
	if err := svc.CloseSession(ctx, session.ID, "staff-1"); apperrors.CodeOf(err) != apperrors.CodeSessionClosed {
		t.Fatalf("expected closed code, got %v", err)
	}

	// The station is free again.
	if _, err := svc.OpenSession(ctx, "unit-1", "table-7", "staff-2"); err != nil {
		t.Fatalf("reopen station: %v", err)
	}
}

func TestAllocateFIFOAndSettlementEvent(t *testing.T) {
	t.Parallel()

	svc, publisher := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	// Three charges of 500, 300, 200 cents in submission order.
	for i, productID := range []string{"burger", "fries", "soda"} {
		key := []string{"key-1", "key-2", "key-3"}[i]
		if _, err := svc.SubmitRound(ctx, session.ID, key, []SubmitItem{{ProductID: productID, Quantity: 1}}, ""); err != nil {
			t.Fatalf("submit round: %v", err)
		}
	}
	publisher.reset()

	outcome, err := svc.Allocate(ctx, session.ID, PaymentRequest{AmountCents: 600, Method: "card"})
	if err != nil {
		t.Fatalf("allocate payment: %v", err)
	}
	if len(outcome.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(outcome.Allocations))
	}
	if outcome.Allocations[0].AmountCents != 500 || outcome.Allocations[1].AmountCents != 100 {
		t.Fatalf("expected FIFO split 500+100, got %+v", outcome.Allocations)
	}
	if outcome.Bill.OutstandingCents != 400 || outcome.Settled {
		t.Fatalf("unexpected bill state %+v", outcome)
	}
	if kinds := publisher.kinds(); len(kinds) != 1 || kinds[0] != event.KindPaymentAllocated {
		t.Fatalf("expected payment event only, got %v", kinds)
	}

	publisher.reset()
	outcome, err = svc.Allocate(ctx, session.ID, PaymentRequest{AmountCents: 1000, Method: "cash"})
	if err != nil {
		t.Fatalf("allocate second payment: %v", err)
	}
	if !outcome.Settled || outcome.SurplusCents != 600 {
		t.Fatalf("expected settled with 600 surplus, got %+v", outcome)
	}

	kinds := publisher.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindPaymentAllocated || kinds[1] != event.KindBillSettled {
		t.Fatalf("expected payment then settlement, got %v", kinds)
	}
	settled := publisher.last().Payload.(event.BillSettledPayload)
	if settled.TotalCents != 1000 {
		t.Fatalf("unexpected settled total %d", settled.TotalCents)
	}
	if !strings.Contains(settled.Display, "10.00") {
		t.Fatalf("expected formatted total, got %q", settled.Display)
	}
}

func TestAllocateValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	session := openTestSession(t, svc)

	_, err := svc.Allocate(context.Background(), session.ID, PaymentRequest{AmountCents: 0})
	if apperrors.CodeOf(err) != apperrors.CodePaymentInvalidAmount {
		t.Fatalf("expected invalid amount code, got %v", err)
	}
	_, err = svc.Allocate(context.Background(), "missing", PaymentRequest{AmountCents: 100})
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected not found code, got %v", err)
	}
}

func TestAllocatePreferredParticipant(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	if _, err := svc.SubmitRound(ctx, session.ID, "key-1", []SubmitItem{{ProductID: "burger", Quantity: 1, ParticipantID: "alice"}}, ""); err != nil {
		t.Fatalf("submit round: %v", err)
	}
	if _, err := svc.SubmitRound(ctx, session.ID, "key-2", []SubmitItem{{ProductID: "soda", Quantity: 1, ParticipantID: "bob"}}, ""); err != nil {
		t.Fatalf("submit round: %v", err)
	}

	// Bob's payment covers his own newer charge before Alice's older one.
	outcome, err := svc.Allocate(ctx, session.ID, PaymentRequest{AmountCents: 200, Method: "cash", PreferredParticipant: "bob"})
	if err != nil {
		t.Fatalf("allocate payment: %v", err)
	}
	if len(outcome.Allocations) != 1 || outcome.Allocations[0].AmountCents != 200 {
		t.Fatalf("unexpected allocations %+v", outcome.Allocations)
	}

	_, rounds, bill, err := svc.Session(ctx, session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	if bill.OutstandingCents != 500 {
		t.Fatalf("expected alice's 500 outstanding, got %d", bill.OutstandingCents)
	}
}

func TestJoinSession(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	session := openTestSession(t, svc)
	ctx := context.Background()

	if err := svc.JoinSession(ctx, session.ID, "guest-1"); err != nil {
		t.Fatalf("join session: %v", err)
	}
	if err := svc.JoinSession(ctx, session.ID, "guest-1"); err != nil {
		t.Fatalf("rejoin session: %v", err)
	}

	loaded, _, _, err := svc.Session(ctx, session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(loaded.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", loaded.Participants)
	}
}
