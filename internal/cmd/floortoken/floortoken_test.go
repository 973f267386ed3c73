package floortoken

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/brigadehq/brigade/internal/floor/auth"
)

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("BRIGADE_TOKEN_ISSUER", "env-issuer")
	t.Setenv("BRIGADE_TOKEN_AUDIENCE", "env-audience")

	fs := flag.NewFlagSet("floortoken", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-role", "staff", "-unit", "unit-1", "-ttl", "30m"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Issuer != "env-issuer" || cfg.Audience != "env-audience" {
		t.Fatalf("expected env issuer and audience, got %q %q", cfg.Issuer, cfg.Audience)
	}
	if cfg.Role != "staff" || cfg.UnitID != "unit-1" {
		t.Fatalf("expected flag role and unit, got %q %q", cfg.Role, cfg.UnitID)
	}
	if cfg.TTL != 30*time.Minute {
		t.Fatalf("expected 30m ttl, got %s", cfg.TTL)
	}
}

func TestRunMintsVerifiableToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	buf := &bytes.Buffer{}
	err = Run(buf, Config{
		Issuer:        "issuer",
		Audience:      "floor",
		PrivateKey:    base64.RawStdEncoding.EncodeToString(priv),
		Role:          "table",
		UnitID:        "unit-1",
		SessionID:     "session-1",
		ParticipantID: "guest-1",
		Name:          "Guest",
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	token := strings.TrimSpace(buf.String())
	claims, err := auth.Verify(token, auth.VerifierConfig{
		Issuer:   "issuer",
		Audience: "floor",
		Key:      pub,
		Now:      time.Now,
	})
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if claims.Role != auth.RoleTable || claims.SessionID != "session-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestRunRejectsBadKey(t *testing.T) {
	if err := Run(&bytes.Buffer{}, Config{PrivateKey: "not-base64!!"}); err == nil {
		t.Fatal("expected bad key to be rejected")
	}
	if err := Run(&bytes.Buffer{}, Config{}); err == nil {
		t.Fatal("expected missing key to be rejected")
	}
}
