package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/brigadehq/brigade/internal/floor/auth"
	"github.com/brigadehq/brigade/internal/floor/realtime"
	"github.com/brigadehq/brigade/internal/floor/service"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type wsClosePayload struct {
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

type ackEnvelope struct {
	Result any `json:"result"`
}

type sessionOpenPayload struct {
	StationID string `json:"station_id"`
}

type sessionOpenedResult struct {
	SessionID string `json:"session_id"`
	StationID string `json:"station_id"`
	Status    string `json:"status"`
}

type sessionRefPayload struct {
	SessionID string `json:"session_id"`
}

type billResult struct {
	TotalCents       int64 `json:"total_cents"`
	SettledCents     int64 `json:"settled_cents"`
	OutstandingCents int64 `json:"outstanding_cents"`
}

type orderSubmitPayload struct {
	SessionID      string            `json:"session_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Items          []orderSubmitItem `json:"items"`
	ParticipantID  string            `json:"participant_id,omitempty"`
}

type orderSubmitItem struct {
	ProductID     string `json:"product_id"`
	Quantity      int64  `json:"quantity"`
	Note          string `json:"note,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type orderSubmitResult struct {
	RoundID string `json:"round_id"`
	Seq     int64  `json:"seq"`
	Status  string `json:"status"`
}

type orderRefPayload struct {
	SessionID string `json:"session_id"`
	RoundID   string `json:"round_id"`
}

type orderStatusResult struct {
	RoundID string `json:"round_id"`
	Seq     int64  `json:"seq"`
	Status  string `json:"status"`
}

type paySubmitPayload struct {
	SessionID            string `json:"session_id"`
	AmountCents          int64  `json:"amount_cents"`
	Method               string `json:"method"`
	Reference            string `json:"reference,omitempty"`
	PreferredParticipant string `json:"preferred_participant,omitempty"`
}

type payResult struct {
	PaymentID    string     `json:"payment_id"`
	SurplusCents int64      `json:"surplus_cents"`
	Settled      bool       `json:"settled"`
	Bill         billResult `json:"bill"`
}

// wsPeer serializes frame writes onto one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsTransport adapts one websocket connection to the registry's transport
// surface.
type wsTransport struct {
	peer *wsPeer
	conn *websocket.Conn
}

func (t *wsTransport) Send(data []byte) error {
	return t.peer.writeFrame(wsFrame{Type: "event", Payload: data})
}

func (t *wsTransport) Ping() error {
	return t.peer.writeFrame(wsFrame{Type: "sys.ping"})
}

func (t *wsTransport) Close(code realtime.CloseCode) error {
	_ = t.peer.writeFrame(wsFrame{
		Type:    "sys.close",
		Payload: mustJSON(wsClosePayload{Code: string(code), Recoverable: code.Recoverable()}),
	})
	return t.conn.Close()
}

type wsScopeContextKey struct{}

var roleByPath = map[string]auth.Role{
	"/ws/staff":   auth.RoleStaff,
	"/ws/kitchen": auth.RoleKitchen,
	"/ws/admin":   auth.RoleAdmin,
	"/ws/table":   auth.RoleTable,
}

// NewHandler creates floor routes without websocket auth, for tests and
// offline paths. The connection scope comes from query parameters.
func NewHandler(svc *service.Service, registry *realtime.Registry) http.Handler {
	return newHandler(svc, registry, nil, false)
}

func newHandler(svc *service.Service, registry *realtime.Registry, verifier *auth.VerifierConfig, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	for path, role := range roleByPath {
		mux.HandleFunc(path, wsEndpoint(svc, registry, verifier, requireAuth, role))
	}
	return mux
}

func wsEndpoint(svc *service.Service, registry *realtime.Registry, verifier *auth.VerifierConfig, requireAuth bool, role auth.Role) http.HandlerFunc {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, svc, registry)
	})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		scope, err := scopeFromRequest(r, verifier, requireAuth, role)
		if err != nil {
			log.Printf("websocket unauthorized path=%q remote=%s: %v", r.URL.Path, r.RemoteAddr, err)
			status := http.StatusUnauthorized
			if apperrors.CodeOf(err) == apperrors.CodeForbidden {
				status = http.StatusForbidden
			}
			http.Error(w, "authentication required", status)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), wsScopeContextKey{}, scope))
		wsHandler.ServeHTTP(w, r)
	}
}

func scopeFromRequest(r *http.Request, verifier *auth.VerifierConfig, requireAuth bool, role auth.Role) (realtime.Scope, error) {
	if !requireAuth {
		query := r.URL.Query()
		return realtime.Scope{
			UnitID:        strings.TrimSpace(query.Get("unit_id")),
			Role:          role,
			SessionID:     strings.TrimSpace(query.Get("session_id")),
			ParticipantID: strings.TrimSpace(query.Get("participant_id")),
		}, nil
	}
	if verifier == nil {
		return realtime.Scope{}, errors.New("websocket auth is not configured")
	}

	claims, err := auth.Verify(accessTokenFromRequest(r), *verifier)
	if err != nil {
		return realtime.Scope{}, err
	}
	if claims.Role != role {
		return realtime.Scope{}, apperrors.New(apperrors.CodeForbidden,
			"token role does not match endpoint")
	}
	return realtime.Scope{
		UnitID:        claims.UnitID,
		Role:          claims.Role,
		SessionID:     claims.SessionID,
		ParticipantID: claims.ParticipantID,
	}, nil
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func handleWSConn(conn *websocket.Conn, svc *service.Service, registry *realtime.Registry) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(json.NewEncoder(conn))
	transport := &wsTransport{peer: peer, conn: conn}

	var scope realtime.Scope
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsScopeContextKey{}).(realtime.Scope); ok {
			scope = resolved
		}
	}

	ctx := conn.Request().Context()
	if scope.Role == auth.RoleTable && scope.SessionID != "" && scope.ParticipantID != "" {
		if err := svc.JoinSession(ctx, scope.SessionID, scope.ParticipantID); err != nil {
			log.Printf("join session=%s participant=%s: %v", scope.SessionID, scope.ParticipantID, err)
		}
	}

	handle := registry.Register(transport, scope)
	defer registry.Deregister(handle)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeUnknown, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			registry.Deregister(handle)
			_ = transport.Close(realtime.CloseRateLimited)
			return
		}

		switch frame.Type {
		case "sys.pong":
			handle.Pong()
		case "sys.ping":
			_ = peer.writeFrame(wsFrame{Type: "sys.pong", RequestID: frame.RequestID})
		case "session.open":
			handleSessionOpen(ctx, svc, peer, scope, frame)
		case "session.bill":
			handleSessionBill(ctx, svc, peer, scope, frame)
		case "session.close":
			handleSessionClose(ctx, svc, peer, scope, frame)
		case "order.submit":
			handleOrderSubmit(ctx, svc, peer, scope, frame)
		case "order.advance":
			handleOrderTransition(ctx, svc, peer, scope, frame, svc.AdvanceRound)
		case "order.cancel":
			handleOrderTransition(ctx, svc, peer, scope, frame, svc.CancelRound)
		case "pay.submit":
			handlePaySubmit(ctx, svc, peer, scope, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeUnknown, "unsupported frame type"))
		}
	}
}
