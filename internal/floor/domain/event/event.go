// Package event defines the domain events emitted by the coordination core.
//
// Events are notifications, not the source of truth: consumers that miss one
// refetch durable state on reconnect. The Kind set is closed so that every
// dispatch site can be checked exhaustively when a kind is added.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion identifies the wire shape of serialized events. Consumers
// must ignore kinds they do not recognize rather than failing.
const EnvelopeVersion = 1

// Kind enumerates every domain event the core emits.
type Kind string

const (
	KindSessionOpened        Kind = "session.opened"
	KindSessionBillRequested Kind = "session.bill_requested"
	KindSessionClosed        Kind = "session.closed"
	KindSessionStatusChanged Kind = "session.status_changed"
	KindRoundSubmitted       Kind = "round.submitted"
	KindRoundStatusChanged   Kind = "round.status_changed"
	KindPaymentAllocated     Kind = "payment.allocated"
	KindBillSettled          Kind = "bill.settled"
)

// Kinds lists every defined kind, in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindSessionOpened,
		KindSessionBillRequested,
		KindSessionClosed,
		KindSessionStatusChanged,
		KindRoundSubmitted,
		KindRoundStatusChanged,
		KindPaymentAllocated,
		KindBillSettled,
	}
}

// Event is one immutable domain event with its routing scope.
//
// Payload holds the kind-specific payload struct declared in payload.go; it
// is marshaled into the envelope at the transport edge.
type Event struct {
	Kind          Kind
	UnitID        string
	SessionID     string
	RoundID       string
	ParticipantID string
	Timestamp     time.Time
	Payload       any
}

// Envelope is the stable versioned wire shape for events.
type Envelope struct {
	Version       int             `json:"v"`
	Kind          string          `json:"kind"`
	UnitID        string          `json:"unit_id"`
	SessionID     string          `json:"session_id,omitempty"`
	RoundID       string          `json:"round_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope serializes the event into its versioned wire envelope.
func MarshalEnvelope(ev Event) ([]byte, error) {
	var payload json.RawMessage
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
		}
		payload = raw
	}
	return json.Marshal(Envelope{
		Version:       EnvelopeVersion,
		Kind:          string(ev.Kind),
		UnitID:        ev.UnitID,
		SessionID:     ev.SessionID,
		RoundID:       ev.RoundID,
		ParticipantID: ev.ParticipantID,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
}
