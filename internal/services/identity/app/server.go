// Package app assembles and serves the identity service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/resonatefm/resonate/internal/credential"
	"github.com/resonatefm/resonate/internal/platform/config"
	"github.com/resonatefm/resonate/internal/platform/otel"
	"github.com/resonatefm/resonate/internal/platform/telemetry"
	"github.com/resonatefm/resonate/internal/services/identity/api/rest"
	"github.com/resonatefm/resonate/internal/services/identity/password"
	"github.com/resonatefm/resonate/internal/services/identity/role"
	"github.com/resonatefm/resonate/internal/services/identity/storage"
	identitysqlite "github.com/resonatefm/resonate/internal/services/identity/storage/sqlite"
	"github.com/resonatefm/resonate/internal/services/identity/user"
)

// Config holds the runtime settings for the identity service.
type Config struct {
	HTTPAddr string
	DBPath   string
}

type bootstrapEnv struct {
	AdminUsername string `env:"RESONATE_IDENTITY_ADMIN_USERNAME"`
	AdminEmail    string `env:"RESONATE_IDENTITY_ADMIN_EMAIL"`
	AdminPassword string `env:"RESONATE_IDENTITY_ADMIN_PASSWORD"`
}

// Server hosts the identity service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *identitysqlite.Store
}

// New creates a configured identity server listening on the configured
// address. Credential configuration errors are fatal here, never later.
func New(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	credentialCfg, err := credential.LoadConfigFromEnv(nil)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	issuer, err := credential.NewIssuer(credentialCfg)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	verifier, err := credential.NewVerifier(credentialCfg)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	registry := role.NewRegistry(role.DefaultNames()...)
	authority := role.NewAuthority(registry, store)
	hasher := password.Bcrypt{}

	if err := bootstrapAdmin(store, authority, hasher); err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	rest.NewServer(rest.Deps{
		Users:       store,
		Credentials: store,
		Roles:       authority,
		Hasher:      hasher,
		Issuer:      issuer,
		Verifier:    verifier,
		Telemetry:   telemetry.NewEmitter(store),
	}).RegisterRoutes(mux)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: otel.Middleware("identity", mux)},
		store:      store,
	}, nil
}

// Addr returns the listener address for the identity server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an identity server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the identity server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	log.Printf("identity server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openStore(path string) (*identitysqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "identity.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := identitysqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close identity store: %v", err)
	}
}

// bootstrapAdmin seeds an Admin identity from the environment so the role
// assignment endpoint is reachable on a fresh database. All three variables
// must be set; a partially configured bootstrap is skipped.
func bootstrapAdmin(store *identitysqlite.Store, authority *role.Authority, hasher password.Hasher) error {
	var envCfg bootstrapEnv
	if err := config.ParseEnv(&envCfg); err != nil {
		return err
	}
	username := strings.TrimSpace(envCfg.AdminUsername)
	email := strings.TrimSpace(envCfg.AdminEmail)
	pass := envCfg.AdminPassword
	if username == "" || email == "" || pass == "" {
		return nil
	}

	ctx := context.Background()
	existing, err := store.GetUserByUsername(ctx, username)
	if err == nil {
		// Already seeded; make sure the grant survived.
		if has, err := authority.HasRole(ctx, existing.ID, role.NameAdmin); err != nil {
			return fmt.Errorf("check admin grant: %w", err)
		} else if has {
			return nil
		}
		if err := authority.Assign(ctx, existing.ID, role.NameAdmin); err != nil {
			return fmt.Errorf("grant admin role: %w", err)
		}
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup admin user: %w", err)
	}

	registration, err := user.NormalizeRegistration(user.Registration{
		Username: username,
		Email:    email,
		Password: pass,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	seeded, err := user.NewUser(registration, nil, nil)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	hash, err := hasher.Hash(registration.Password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := store.PutUser(ctx, seeded); err != nil {
		return fmt.Errorf("store admin user: %w", err)
	}
	if err := store.PutPasswordHash(ctx, seeded.ID, hash); err != nil {
		return fmt.Errorf("store admin credential: %w", err)
	}
	for _, name := range []string{role.NameUser, role.NameAdmin} {
		if err := authority.Assign(ctx, seeded.ID, name); err != nil {
			return fmt.Errorf("grant %s role: %w", name, err)
		}
	}
	return nil
}
