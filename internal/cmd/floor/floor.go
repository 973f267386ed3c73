// Package floor parses floor command flags and composes the service
// entrypoint.
package floor

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/brigadehq/brigade/internal/floor/app"
	"github.com/brigadehq/brigade/internal/floor/auth"
	entrypoint "github.com/brigadehq/brigade/internal/platform/cmd"
)

// Config holds floor command configuration.
type Config struct {
	HTTPAddr          string        `env:"BRIGADE_FLOOR_HTTP_ADDR"          envDefault:":8080"`
	DBPath            string        `env:"BRIGADE_FLOOR_DB_PATH"            envDefault:"floor.db"`
	CatalogPath       string        `env:"BRIGADE_FLOOR_CATALOG_PATH"`
	Currency          string        `env:"BRIGADE_FLOOR_CURRENCY"           envDefault:"USD"`
	HeartbeatInterval time.Duration `env:"BRIGADE_FLOOR_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatGrace    time.Duration `env:"BRIGADE_FLOOR_HEARTBEAT_GRACE"    envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "floor HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.CatalogPath, "catalog-path", cfg.CatalogPath, "product catalog JSON path")
	fs.StringVar(&cfg.Currency, "currency", cfg.Currency, "settlement currency code")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "interval between liveness pings")
	fs.DurationVar(&cfg.HeartbeatGrace, "heartbeat-grace", cfg.HeartbeatGrace, "grace period before evicting a silent connection")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the floor app and starts serving until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	verifier, err := auth.LoadVerifierConfigFromEnv(time.Now)
	if err != nil {
		return fmt.Errorf("load token verifier: %w", err)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceFloor, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			CatalogPath:       cfg.CatalogPath,
			Currency:          cfg.Currency,
			Verifier:          verifier,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatGrace:    cfg.HeartbeatGrace,
		}); err != nil {
			return fmt.Errorf("serve floor: %w", err)
		}
		return nil
	})
}
