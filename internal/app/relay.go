package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/util"
)

// NewRelay opens the relay's store and broker and builds the server. The
// returned cleanup closes both.
func NewRelay(ctx context.Context, dir string, cfg config.Config) (*relay.Server, func(), error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, nil, err
	}
	verifier, err := auth.NewVerifier(cfg.Relay.JWTSecret, nil)
	if err != nil {
		return nil, nil, err
	}

	dbPath := util.ResolvePath(dir, cfg.Relay.DBPath)
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open relay db: %w", err)
	}
	log.Infof("RELAY: database %s", db.Path())

	var broker relay.Broker
	if cfg.Relay.RedisURL != "" {
		rb, err := relay.NewRedisBroker(ctx, cfg.Relay.RedisURL)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Infof("RELAY: fan-out through redis")
		broker = rb
	}

	srv := relay.NewServer(relay.Options{DB: db, Verifier: verifier, Broker: broker})
	cleanup := func() {
		_ = srv.Close()
		_ = db.Close()
	}
	return srv, cleanup, nil
}

// RunRelay serves the relay on cfg.Addr() until ctx is cancelled.
func RunRelay(ctx context.Context, dir string, cfg config.Config) error {
	srv, cleanup, err := NewRelay(ctx, dir, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return srv.ListenAndServe(ctx, cfg.Addr())
}
