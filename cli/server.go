package cli

// This file contains the server command: registry setup and the listener.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/cli/server"
	"github.com/testbit/testbit/registry"
)

func (a *App) runServer(ctx *cli.Context) error {
	cfg := a.config.Server
	if v := ctx.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := ctx.String("cert"); v != "" {
		cfg.CertFile = v
	}
	if v := ctx.String("key"); v != "" {
		cfg.KeyFile = v
	}
	if v := ctx.String("store"); v != "" {
		cfg.Store = v
	}
	if v := ctx.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := ctx.String("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("a certificate and key are required (--cert, --key)")
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	passphrase, ok := os.LookupEnv(passphraseEnv)
	if !ok && cfg.PassphraseSHA256 == "" {
		var err error
		if passphrase, err = readPassphrase(); err != nil {
			return err
		}
	}
	gate, err := server.NewGate(cfg.PassphraseSHA256, passphrase)
	if err != nil {
		return err
	}

	store, err := a.openStore(sigCtx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var opts []registry.Option
	if cfg.RedisURL != "" {
		notifier, err := registry.NewRedisNotifier(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer notifier.Close()
		opts = append(opts, registry.WithNotifier(notifier))
		a.logger.Info().Str("channel", cfg.RedisChannel).Msg("Publishing test updates to redis")
	}

	reg, err := registry.New(sigCtx, a.logger, store, opts...)
	if err != nil {
		return err
	}

	ln, err := proto.Listen(cfg.Listen, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}
	return server.New(a.logger, reg, gate).Serve(sigCtx, ln)
}

func (a *App) openStore(ctx context.Context, cfg ServerConfig) (registry.Store, error) {
	switch cfg.Store {
	case storePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("the postgres store needs a database URL (--database-url)")
		}
		a.logger.Info().Msg("Using postgres store")
		return registry.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		a.logger.Info().Str("dir", cfg.DataDir).Msg("Using file store")
		return registry.NewFileStore(a.logger, cfg.DataDir)
	}
}
