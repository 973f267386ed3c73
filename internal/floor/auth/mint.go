package auth

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/brigadehq/brigade/internal/platform/id"
)

// MintRequest describes the token to mint. Minting exists for development
// and test tooling; production tokens come from an outside issuer.
type MintRequest struct {
	Issuer        string
	Audience      string
	Role          Role
	UnitID        string
	SessionID     string
	ParticipantID string
	Name          string
	TTL           time.Duration
	Now           func() time.Time
}

// Mint signs a floor token with the provided ed25519 private key.
func Mint(key ed25519.PrivateKey, req MintRequest) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if strings.TrimSpace(req.Issuer) == "" {
		return "", fmt.Errorf("issuer is required")
	}
	if strings.TrimSpace(req.Audience) == "" {
		return "", fmt.Errorf("audience is required")
	}
	if !req.Role.Valid() {
		return "", fmt.Errorf("role %q is invalid", req.Role)
	}
	if strings.TrimSpace(req.UnitID) == "" {
		return "", fmt.Errorf("unit id is required")
	}
	if req.Role == RoleTable && strings.TrimSpace(req.SessionID) == "" {
		return "", fmt.Errorf("table tokens require a session id")
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}
	if req.Now == nil {
		req.Now = time.Now
	}

	jwtID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}

	now := req.Now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    req.Issuer,
			Audience:  jwt.ClaimStrings{req.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jwtID,
		},
		Role:          string(req.Role),
		UnitID:        req.UnitID,
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Name:          req.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
