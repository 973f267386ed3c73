package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
)

func TestLoadVerifierConfigFromEnv(t *testing.T) {
	t.Setenv(EnvTokenIssuer, "")
	t.Setenv(EnvTokenAudience, "")
	t.Setenv(EnvTokenPublicKey, "")

	if _, err := LoadVerifierConfigFromEnv(nil); err == nil {
		t.Fatal("expected error when env vars are missing")
	}

	pubKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	t.Setenv(EnvTokenIssuer, "issuer")
	t.Setenv(EnvTokenAudience, "floor-service")
	t.Setenv(EnvTokenPublicKey, base64.RawStdEncoding.EncodeToString(pubKey))

	cfg, err := LoadVerifierConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load verifier config: %v", err)
	}
	if cfg.Issuer != "issuer" || cfg.Audience != "floor-service" {
		t.Fatal("expected issuer and audience to be loaded")
	}
	if len(cfg.Key) != ed25519.PublicKeySize {
		t.Fatalf("expected public key size %d", ed25519.PublicKeySize)
	}
}

func mintTestToken(t *testing.T, key ed25519.PrivateKey, req MintRequest) string {
	t.Helper()
	token, err := Mint(key, req)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestVerifySuccess(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	token := mintTestToken(t, priv, MintRequest{
		Issuer:        "issuer",
		Audience:      "floor-service",
		Role:          RoleStaff,
		UnitID:        "unit-1",
		ParticipantID: "p1",
		Name:          "Sam",
		TTL:           time.Hour,
		Now:           func() time.Time { return now },
	})

	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: pub, Now: func() time.Time { return now }}
	claims, err := Verify(token, cfg)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Role != RoleStaff || claims.UnitID != "unit-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ParticipantID != "p1" || claims.Name != "Sam" {
		t.Fatal("expected participant claims to survive the round trip")
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestVerifyExpired(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	minted := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	token := mintTestToken(t, priv, MintRequest{
		Issuer:   "issuer",
		Audience: "floor-service",
		Role:     RoleStaff,
		UnitID:   "unit-1",
		TTL:      time.Minute,
		Now:      func() time.Time { return minted },
	})

	later := minted.Add(2 * time.Minute)
	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: pub, Now: func() time.Time { return later }}
	_, err = Verify(token, cfg)
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestVerifyIssuerMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token := mintTestToken(t, priv, MintRequest{
		Issuer:   "other-issuer",
		Audience: "floor-service",
		Role:     RoleKitchen,
		UnitID:   "unit-1",
	})

	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: pub, Now: time.Now}
	_, err = Verify(token, cfg)
	if err == nil || !strings.Contains(err.Error(), "issuer mismatch") {
		t.Fatalf("expected issuer mismatch error, got %v", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token := mintTestToken(t, priv, MintRequest{
		Issuer:   "issuer",
		Audience: "floor-service",
		Role:     RoleAdmin,
		UnitID:   "unit-1",
	})

	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: otherPub, Now: time.Now}
	_, err = Verify(token, cfg)
	if apperrors.CodeOf(err) != apperrors.CodeTokenInvalid {
		t.Fatalf("expected token invalid code, got %v", err)
	}
}

func TestVerifyTableTokenRequiresSession(t *testing.T) {
	if _, err := Mint(nil, MintRequest{}); err == nil {
		t.Fatal("expected mint to reject empty key")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	_, err = Mint(priv, MintRequest{
		Issuer:   "issuer",
		Audience: "floor-service",
		Role:     RoleTable,
		UnitID:   "unit-1",
	})
	if err == nil {
		t.Fatal("expected mint to reject table token without session")
	}

	token := mintTestToken(t, priv, MintRequest{
		Issuer:    "issuer",
		Audience:  "floor-service",
		Role:      RoleTable,
		UnitID:    "unit-1",
		SessionID: "sess-1",
	})
	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: pub, Now: time.Now}
	claims, err := Verify(token, cfg)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Fatalf("expected session claim, got %+v", claims)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := VerifierConfig{Issuer: "issuer", Audience: "floor-service", Key: pub, Now: time.Now}
	if _, err := Verify("not.a.token", cfg); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, err := Verify("", cfg); err == nil {
		t.Fatal("expected error for empty token")
	}
}
