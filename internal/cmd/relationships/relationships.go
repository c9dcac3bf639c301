// Package relationships wires flags and environment into the relationships
// service.
package relationships

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/resonatefm/resonate/internal/platform/otel"
	server "github.com/resonatefm/resonate/internal/services/relationships/app"
)

// Config holds relationships command configuration.
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
		HTTPAddr: envOrDefault(lookup, []string{"RESONATE_RELATIONSHIPS_HTTP_ADDR"}, "localhost:8081"),
		DBPath:   envOrDefault(lookup, []string{"RESONATE_RELATIONSHIPS_DB_PATH"}, ""),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The relationships HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The relationships sqlite database path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relationships server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "relationships")
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
