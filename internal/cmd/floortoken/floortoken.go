// Package floortoken parses mint flags and issues floor access tokens.
package floortoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brigadehq/brigade/internal/floor/auth"
	entrypoint "github.com/brigadehq/brigade/internal/platform/cmd"
)

// EnvTokenPrivateKey names the signing key variable. The key is the
// base64 form emitted by the floorkey tool.
const EnvTokenPrivateKey = "BRIGADE_TOKEN_PRIVATE_KEY"

// Config holds floortoken command configuration.
type Config struct {
	Issuer     string `env:"BRIGADE_TOKEN_ISSUER"`
	Audience   string `env:"BRIGADE_TOKEN_AUDIENCE"`
	PrivateKey string `env:"BRIGADE_TOKEN_PRIVATE_KEY"`

	Role          string
	UnitID        string
	SessionID     string
	ParticipantID string
	Name          string
	TTL           time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.TTL = time.Hour

	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "token issuer")
	fs.StringVar(&cfg.Audience, "audience", cfg.Audience, "token audience")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "token role: staff, kitchen, admin, or table")
	fs.StringVar(&cfg.UnitID, "unit", cfg.UnitID, "unit the token is scoped to")
	fs.StringVar(&cfg.SessionID, "session", cfg.SessionID, "session scope, required for table tokens")
	fs.StringVar(&cfg.ParticipantID, "participant", cfg.ParticipantID, "participant identity for the token")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name carried in the token")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run mints one token and writes it to out.
func Run(out io.Writer, cfg Config) error {
	key, err := decodePrivateKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("decode %s: %w", EnvTokenPrivateKey, err)
	}
	token, err := auth.Mint(key, auth.MintRequest{
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		Role:          auth.Role(strings.TrimSpace(cfg.Role)),
		UnitID:        cfg.UnitID,
		SessionID:     cfg.SessionID,
		ParticipantID: cfg.ParticipantID,
		Name:          cfg.Name,
		TTL:           cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func decodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("private key is required")
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d key bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
