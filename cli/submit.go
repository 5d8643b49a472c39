package cli

// This file contains the commands that modify the queue: submit and cancel.

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
)

func submitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "type",
			Usage: "Test type: sprt or elo",
			Value: "sprt",
		},
		&cli.StringFlag{
			Name:    "branch",
			Aliases: []string{"b"},
			Usage:   "Branch to test (default: upstream of the current branch)",
		},
		&cli.StringFlag{
			Name:  "commit",
			Usage: "Commit the patch applies to (default: HEAD of the current checkout)",
		},
		&cli.BoolFlag{
			Name:  "diff",
			Usage: "Use the uncommitted changes of the current checkout as patch",
		},
		&cli.Float64Flag{
			Name:  "maintime",
			Usage: "Base thinking time per game in seconds",
			Value: 10,
		},
		&cli.Float64Flag{
			Name:  "increment",
			Usage: "Increment per move in seconds",
			Value: 0.1,
		},
		&cli.Float64Flag{
			Name:  "alpha",
			Usage: "SPRT type I error bound",
			Value: 0.05,
		},
		&cli.Float64Flag{
			Name:  "beta",
			Usage: "SPRT type II error bound",
			Value: 0.05,
		},
		&cli.Float64Flag{
			Name:  "elo0",
			Usage: "Elo of the null hypothesis",
			Value: 0,
		},
		&cli.Float64Flag{
			Name:  "elo1",
			Usage: "Elo of the alternative hypothesis",
			Value: 5,
		},
		&cli.Float64Flag{
			Name:  "eloe",
			Usage: "Target 95% confidence half-width of elo tests",
			Value: 5,
		},
		&cli.Uint64Flag{
			Name:  "games",
			Usage: "Maximum number of games, an even number",
			Value: 100000,
		},
	}
}

func (a *App) paramsFromFlags(ctx *cli.Context) (model.Params, error) {
	typ, err := model.ParseType(ctx.String("type"))
	if err != nil {
		return model.Params{}, err
	}
	p := model.Params{
		Type:      typ,
		MainTime:  ctx.Float64("maintime"),
		Increment: ctx.Float64("increment"),
		Alpha:     ctx.Float64("alpha"),
		Beta:      ctx.Float64("beta"),
		Elo0:      ctx.Float64("elo0"),
		Elo1:      ctx.Float64("elo1"),
		EloE:      ctx.Float64("eloe"),
		Games:     ctx.Uint64("games"),
		Branch:    ctx.String("branch"),
		Commit:    ctx.String("commit"),
	}

	if p.Branch == "" || p.Commit == "" {
		commit, branch, err := a.getGitInfo()
		if err != nil {
			return model.Params{}, fmt.Errorf("branch and commit not given and not derivable: %w", err)
		}
		if p.Branch == "" {
			p.Branch = branch
		}
		if p.Commit == "" {
			p.Commit = commit
		}
	}

	if err := p.Validate(); err != nil {
		return model.Params{}, err
	}
	return p, nil
}

func (a *App) readPatch(ctx *cli.Context) ([]byte, error) {
	args := ctx.Args().Slice()
	if ctx.Bool("diff") {
		if len(args) > 0 {
			return nil, fmt.Errorf("--diff and a patch file are mutually exclusive")
		}
		return a.getGitDiff()
	}

	switch len(args) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("expected at most one patch file, got %d", len(args))
	}

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to open patch: %w", err)
		}
		defer f.Close()
		r = f
	}
	patch, err := io.ReadAll(io.LimitReader(r, model.MaxPatchSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}
	if len(patch) > model.MaxPatchSize {
		return nil, fmt.Errorf("patch exceeds %d bytes", model.MaxPatchSize)
	}
	return patch, nil
}

func (a *App) submit(ctx *cli.Context) error {
	params, err := a.paramsFromFlags(ctx)
	if err != nil {
		return err
	}
	patch, err := a.readPatch(ctx)
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		a.logger.Warn().Msg("Empty patch, the commit is tested against itself")
	}

	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := a.privilege(conn); err != nil {
		return err
	}

	if err := conn.Send(proto.RequestNewTest, proto.TestParams{Params: params}); err != nil {
		return err
	}
	if err := conn.SendFile(bytes.NewReader(patch), int64(len(patch))); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return fmt.Errorf("test rejected: %w", err)
	}
	created, err := proto.Recv[proto.Created](conn)
	if err != nil {
		return err
	}

	a.logger.Info().
		Int64("id", created.ID).
		Str("type", params.Type.String()).
		Str("branch", params.Branch).
		Str("commit", params.Commit).
		Int("patch_size", len(patch)).
		Msg("Queued test")
	fmt.Println(created.ID)
	return nil
}

func (a *App) cancel(ctx *cli.Context) error {
	id, err := parseTestID(ctx.Args().Slice())
	if err != nil {
		return err
	}

	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := a.privilege(conn); err != nil {
		return err
	}

	if err := conn.Send(proto.RequestModTest, proto.ModTest{ID: id, Action: proto.ModCancel}); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return fmt.Errorf("failed to cancel test %d: %w", id, err)
	}
	a.logger.Info().Int64("id", id).Msg("Cancelled test")
	return nil
}
