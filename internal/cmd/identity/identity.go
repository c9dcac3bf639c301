// Package identity wires flags and environment into the identity service.
package identity

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/resonatefm/resonate/internal/platform/otel"
	server "github.com/resonatefm/resonate/internal/services/identity/app"
)

// Config holds identity command configuration.
type Config struct {
	HTTPAddr string
	DBPath   string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Environment values seed the
// defaults; flags win.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr: envOrDefault(lookup, []string{"RESONATE_IDENTITY_HTTP_ADDR"}, "localhost:8080"),
		DBPath:   envOrDefault(lookup, []string{"RESONATE_IDENTITY_DB_PATH"}, ""),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The identity HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The identity sqlite database path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the identity server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "identity")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	return server.Run(ctx, server.Config{HTTPAddr: cfg.HTTPAddr, DBPath: cfg.DBPath})
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
