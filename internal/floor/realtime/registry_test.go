package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/domain/event"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	pings  int
	closed []CloseCode

	onPing func()
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	f.sent = append(f.sent, copied)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	f.pings++
	onPing := f.onPing
	f.mu.Unlock()
	if onPing != nil {
		onPing()
	}
	return nil
}

func (f *fakeTransport) Close(code CloseCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, code)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) closeCodes() []CloseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CloseCode(nil), f.closed...)
}

func roundStatusEvent(to string) event.Event {
	return event.Event{
		Kind:      event.KindRoundStatusChanged,
		UnitID:    "unit-1",
		SessionID: "sess-1",
		RoundID:   "round-1",
		Timestamp: time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC),
		Payload:   event.RoundStatusChangedPayload{Seq: 1, From: "SUBMITTED", To: to},
	}
}

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(time.Hour, time.Hour)

	staff := &fakeTransport{}
	kitchen := &fakeTransport{}
	admin := &fakeTransport{}
	table := &fakeTransport{}
	otherTable := &fakeTransport{}
	otherUnit := &fakeTransport{}

	registry.Register(staff, Scope{UnitID: "unit-1", Role: auth.RoleStaff})
	registry.Register(kitchen, Scope{UnitID: "unit-1", Role: auth.RoleKitchen})
	registry.Register(admin, Scope{UnitID: "unit-1", Role: auth.RoleAdmin})
	registry.Register(table, Scope{UnitID: "unit-1", Role: auth.RoleTable, SessionID: "sess-1"})
	registry.Register(otherTable, Scope{UnitID: "unit-1", Role: auth.RoleTable, SessionID: "sess-2"})
	registry.Register(otherUnit, Scope{UnitID: "unit-2", Role: auth.RoleStaff})

	// Kitchen-visible round transition reaches staff, admin, kitchen, and
	// the round's own session.
	if got := registry.Publish(roundStatusEvent("IN_KITCHEN")); got != 4 {
		t.Fatalf("expected 4 deliveries, got %d", got)
	}
	if kitchen.sentCount() != 1 {
		t.Fatalf("expected kitchen delivery, got %d", kitchen.sentCount())
	}
	if otherTable.sentCount() != 0 || otherUnit.sentCount() != 0 {
		t.Fatal("event leaked outside its session and unit")
	}

	// Payments never reach the kitchen.
	payment := event.Event{
		Kind:      event.KindPaymentAllocated,
		UnitID:    "unit-1",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		Payload:   event.PaymentAllocatedPayload{PaymentID: "pay-1", AmountCents: 500},
	}
	if got := registry.Publish(payment); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	if kitchen.sentCount() != 1 {
		t.Fatalf("kitchen must not see payments, got %d sends", kitchen.sentCount())
	}

	// Submission stays off the kitchen board until staff forward the round.
	submitted := event.Event{
		Kind:      event.KindRoundSubmitted,
		UnitID:    "unit-1",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		Payload:   event.RoundSubmittedPayload{Seq: 2},
	}
	registry.Publish(submitted)
	if kitchen.sentCount() != 1 {
		t.Fatalf("kitchen must not see pending submissions, got %d sends", kitchen.sentCount())
	}

	// Cancellation is kitchen-visible so stale tickets get cleared.
	registry.Publish(roundStatusEvent("CANCELED"))
	if kitchen.sentCount() != 2 {
		t.Fatalf("kitchen must see cancellations, got %d sends", kitchen.sentCount())
	}
}

func TestPublishNoTargets(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if got := registry.Publish(roundStatusEvent("READY")); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
}

func TestPublishEnvelopeShape(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(time.Hour, time.Hour)
	staff := &fakeTransport{}
	registry.Register(staff, Scope{UnitID: "unit-1", Role: auth.RoleStaff})

	registry.Publish(roundStatusEvent("READY"))
	if staff.sentCount() != 1 {
		t.Fatalf("expected 1 delivery, got %d", staff.sentCount())
	}

	var envelope event.Envelope
	if err := json.Unmarshal(staff.sent[0], &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Version != event.EnvelopeVersion {
		t.Fatalf("unexpected envelope version %d", envelope.Version)
	}
	if envelope.Kind != string(event.KindRoundStatusChanged) {
		t.Fatalf("unexpected kind %s", envelope.Kind)
	}
	if envelope.SessionID != "sess-1" || envelope.RoundID != "round-1" {
		t.Fatalf("unexpected scope %+v", envelope)
	}
}

func TestRegisterReplacesSameTransport(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(time.Hour, time.Hour)
	transport := &fakeTransport{}

	registry.Register(transport, Scope{UnitID: "unit-1", Role: auth.RoleStaff})
	registry.Register(transport, Scope{UnitID: "unit-1", Role: auth.RoleStaff, SessionID: "sess-1"})

	scopes := registry.Snapshot(ScopeQuery{UnitID: "unit-1"})
	if len(scopes) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(scopes))
	}
	if scopes[0].SessionID != "sess-1" {
		t.Fatalf("expected replacement scope to win, got %+v", scopes[0])
	}
}

func TestDeregisterStopsDelivery(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(time.Hour, time.Hour)
	transport := &fakeTransport{}
	handle := registry.Register(transport, Scope{UnitID: "unit-1", Role: auth.RoleStaff})

	registry.Deregister(handle)
	registry.Deregister(handle)

	if got := registry.Publish(roundStatusEvent("READY")); got != 0 {
		t.Fatalf("expected 0 deliveries after deregister, got %d", got)
	}
	if len(registry.Snapshot(ScopeQuery{})) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(10*time.Millisecond, 10*time.Millisecond)
	transport := &fakeTransport{}
	registry.Register(transport, Scope{UnitID: "unit-1", Role: auth.RoleStaff})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if codes := transport.closeCodes(); len(codes) > 0 {
			if codes[0] != CloseHeartbeatTimeout {
				t.Fatalf("expected heartbeat timeout close, got %s", codes[0])
			}
			if len(registry.Snapshot(ScopeQuery{})) != 0 {
				t.Fatal("expected eviction to deregister")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("silent peer was never evicted")
}

func TestHeartbeatKeepsRespondingPeer(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(10*time.Millisecond, 50*time.Millisecond)
	transport := &fakeTransport{}
	var handleMu sync.Mutex
	var handle *Handle
	transport.onPing = func() {
		handleMu.Lock()
		h := handle
		handleMu.Unlock()
		if h != nil {
			h.Pong()
		}
	}
	handleMu.Lock()
	handle = registry.Register(transport, Scope{UnitID: "unit-1", Role: auth.RoleStaff})
	handleMu.Unlock()

	time.Sleep(100 * time.Millisecond)
	if codes := transport.closeCodes(); len(codes) != 0 {
		t.Fatalf("responding peer was closed with %v", codes)
	}
	if len(registry.Snapshot(ScopeQuery{UnitID: "unit-1"})) != 1 {
		t.Fatal("responding peer was deregistered")
	}
	registry.Deregister(handle)
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.SetHeartbeat(time.Hour, time.Hour)
	first := &fakeTransport{}
	second := &fakeTransport{}
	registry.Register(first, Scope{UnitID: "unit-1", Role: auth.RoleStaff})
	registry.Register(second, Scope{UnitID: "unit-1", Role: auth.RoleKitchen})

	registry.CloseAll(CloseServerShutdown)

	if len(registry.Snapshot(ScopeQuery{})) != 0 {
		t.Fatal("expected empty registry after CloseAll")
	}
	for _, transport := range []*fakeTransport{first, second} {
		codes := transport.closeCodes()
		if len(codes) != 1 || codes[0] != CloseServerShutdown {
			t.Fatalf("expected shutdown close, got %v", codes)
		}
	}
}

func TestCloseCodeRecoverable(t *testing.T) {
	t.Parallel()

	recoverable := []CloseCode{CloseNormal, CloseServerShutdown, CloseHeartbeatTimeout, CloseReplaced}
	for _, code := range recoverable {
		if !code.Recoverable() {
			t.Fatalf("expected %s to be recoverable", code)
		}
	}
	fatal := []CloseCode{CloseAuthFailed, CloseForbidden, CloseRateLimited}
	for _, code := range fatal {
		if code.Recoverable() {
			t.Fatalf("expected %s to be non-recoverable", code)
		}
	}
}
