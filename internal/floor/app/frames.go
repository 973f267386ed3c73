package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/domain/billing"
	"github.com/brigadehq/brigade/internal/floor/domain/order"
	"github.com/brigadehq/brigade/internal/floor/realtime"
	"github.com/brigadehq/brigade/internal/floor/service"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

// allow checks a role against the set permitted for an operation and, for
// table connections, pins the operation to the connection's own session.
func allow(peer *wsPeer, scope realtime.Scope, requestID string, sessionID string, roles ...auth.Role) bool {
	permitted := false
	for _, role := range roles {
		if scope.Role == role {
			permitted = true
			break
		}
	}
	if !permitted {
		_ = writeWSError(peer, requestID, apperrors.New(apperrors.CodeForbidden,
			"operation not permitted for role"))
		return false
	}
	if scope.Role == auth.RoleTable && sessionID != scope.SessionID {
		_ = writeWSError(peer, requestID, apperrors.New(apperrors.CodeForbidden,
			"table connections are scoped to their own session"))
		return false
	}
	return true
}

func handleSessionOpen(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame) {
	var payload sessionOpenPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid open payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, "", auth.RoleStaff, auth.RoleAdmin) {
		return
	}

	session, err := svc.OpenSession(ctx, scope.UnitID, payload.StationID, scope.ParticipantID)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, sessionOpenedResult{
		SessionID: session.ID,
		StationID: session.StationID,
		Status:    string(session.Status),
	})
}

func handleSessionBill(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame) {
	var payload sessionRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid bill payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, payload.SessionID, auth.RoleStaff, auth.RoleAdmin, auth.RoleTable) {
		return
	}

	bill, err := svc.RequestBill(ctx, payload.SessionID)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, billResultFrom(bill))
}

func handleSessionClose(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame) {
	var payload sessionRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid close payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, "", auth.RoleStaff, auth.RoleAdmin) {
		return
	}

	if err := svc.CloseSession(ctx, payload.SessionID, scope.ParticipantID); err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, sessionRefPayload{SessionID: payload.SessionID})
}

func handleOrderSubmit(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame) {
	var payload orderSubmitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid submit payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, payload.SessionID, auth.RoleStaff, auth.RoleAdmin, auth.RoleTable) {
		return
	}

	items := make([]service.SubmitItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, service.SubmitItem{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Note:          item.Note,
			ParticipantID: item.ParticipantID,
		})
	}
	participant := strings.TrimSpace(payload.ParticipantID)
	if participant == "" {
		participant = scope.ParticipantID
	}

	round, err := svc.SubmitRound(ctx, payload.SessionID, payload.IdempotencyKey, items, participant)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, orderSubmitResult{
		RoundID: round.ID,
		Seq:     round.Seq,
		Status:  string(round.Status),
	})
}

func handleOrderTransition(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame, apply func(context.Context, string, string) (order.Round, error)) {
	var payload orderRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid order payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, "", auth.RoleStaff, auth.RoleAdmin, auth.RoleKitchen) {
		return
	}

	round, err := apply(ctx, payload.SessionID, payload.RoundID)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, orderStatusResult{
		RoundID: round.ID,
		Seq:     round.Seq,
		Status:  string(round.Status),
	})
}

func handlePaySubmit(ctx context.Context, svc *service.Service, peer *wsPeer, scope realtime.Scope, frame wsFrame) {
	var payload paySubmitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "invalid payment payload"))
		return
	}
	if !allow(peer, scope, frame.RequestID, payload.SessionID, auth.RoleStaff, auth.RoleAdmin, auth.RoleTable) {
		return
	}

	outcome, err := svc.Allocate(ctx, payload.SessionID, service.PaymentRequest{
		AmountCents:          payload.AmountCents,
		Method:               payload.Method,
		Reference:            payload.Reference,
		ParticipantID:        scope.ParticipantID,
		PreferredParticipant: payload.PreferredParticipant,
	})
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, err)
		return
	}
	writeAck(peer, frame.RequestID, payResult{
		PaymentID:    outcome.PaymentID,
		SurplusCents: outcome.SurplusCents,
		Settled:      outcome.Settled,
		Bill:         billResultFrom(outcome.Bill),
	})
}

func billResultFrom(bill billing.Bill) billResult {
	return billResult{
		TotalCents:       bill.TotalCents,
		SettledCents:     bill.SettledCents,
		OutstandingCents: bill.OutstandingCents,
	}
}

func writeAck(peer *wsPeer, requestID string, result any) {
	_ = peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   err.Error(),
				Retryable: code.Retryable(),
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
