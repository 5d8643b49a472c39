package cli

// This file contains the node command.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/node"
)

func (a *App) runNode(ctx *cli.Context) error {
	cfg := a.config.Node
	if v := ctx.String("name"); v != "" {
		cfg.Name = v
	}
	if v := ctx.String("repository"); v != "" {
		cfg.Repository = v
	}
	if ctx.IsSet("threads") {
		cfg.Threads = ctx.Int("threads")
	}
	if v := ctx.StringSlice("make-arg"); len(v) > 0 {
		cfg.MakeArgs = v
	}
	if v := ctx.String("binary"); v != "" {
		cfg.Binary = v
	}
	if v := ctx.String("workdir"); v != "" {
		cfg.WorkDir = v
	}
	if v := ctx.StringSlice("referee"); len(v) > 0 {
		cfg.Referee = v
	}

	if cfg.Repository == "" {
		return fmt.Errorf("no engine repository configured (--repository)")
	}
	if len(cfg.Referee) == 0 {
		return fmt.Errorf("no referee command configured (--referee)")
	}
	if cfg.Threads < 1 {
		return fmt.Errorf("invalid number of threads %d", cfg.Threads)
	}
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine node name: %w", err)
		}
		cfg.Name = hostname
	}

	password, err := readPassphrase()
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := node.NewExecRunner(a.logger)
	pipeline := node.NewPipeline(a.logger, runner, node.CommandRefereeFactory(runner, cfg.Referee), cfg.Config)

	conn, err := a.connect(sigCtx)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.logger.Info().
		Str("name", cfg.Name).
		Str("repository", cfg.Repository).
		Int("threads", cfg.Threads).
		Msg("Starting node")
	return node.New(a.logger, pipeline, cfg.Name, cfg.Threads, password).Serve(sigCtx, conn)
}
