package node

// This file contains the job pipeline: fetch, patch receive, baseline
// build, patch apply, patched build, games and cleanup.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/sprt"
)

// Config holds the node settings shared by all tests.
type Config struct {
	// Git URL of the engine repository
	Repository string `yaml:"repository"`
	// Arguments passed to make for both builds
	MakeArgs []string `yaml:"make_args"`
	// Binary produced by make, relative to the checkout
	Binary string `yaml:"binary"`
	// Number of game pairs played concurrently
	Threads int `yaml:"threads"`
	// Directory the working trees are created in
	WorkDir string `yaml:"workdir"`
	// Minimum time between interim reports
	ReportInterval time.Duration `yaml:"report_interval"`
	// Match program, see CommandReferee
	Referee []string `yaml:"referee"`
}

// StageError is a pipeline failure reported to the server as a terminal
// status.
type StageError struct {
	Status model.Status
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status.Label(), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline runs dispatched tests one at a time.
type Pipeline struct {
	logger     zerolog.Logger
	runner     Runner
	newReferee RefereeFactory
	config     Config
}

func NewPipeline(logger zerolog.Logger, runner Runner, newReferee RefereeFactory, config Config) *Pipeline {
	if config.Binary == "" {
		config.Binary = "bitbit"
	}
	if config.Threads < 1 {
		config.Threads = 1
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = time.Second
	}
	return &Pipeline{
		logger:     logger,
		runner:     runner,
		newReferee: newReferee,
		config:     config,
	}
}

// Run executes the pipeline for a test whose parameters were just received.
// Its patch is still pending on conn and is always consumed. Stage failures
// are reported to the server and returned as the terminal status. A returned
// error is fatal: transport errors end the connection and errors wrapping
// ErrResource end the node process. The working tree is removed on every
// path.
func (p *Pipeline) Run(ctx context.Context, conn *proto.Conn, test proto.TestParams) (status model.Status, err error) {
	logger := p.logger.With().Int64("test", test.ID).Logger()

	ws, err := NewWorkspace(p.config.WorkDir)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := ws.Remove(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	logger.Info().
		Str("branch", test.Branch).
		Str("commit", test.Commit).
		Str("dir", ws.Dir).
		Msg("Fetching sources")
	fetchErr := p.fetch(ctx, ws, test.Params)

	patchSize, err := p.receivePatch(conn, ws)
	if err != nil {
		return 0, err
	}

	stageErr := fetchErr
	if stageErr == nil {
		stageErr = p.build(ctx, logger, ws, patchSize)
	}
	if stageErr != nil {
		logger.Warn().Err(stageErr).Str("status", stageErr.Status.String()).Msg("Stage failed")
		return p.finish(conn, stageErr.Status, model.Stats{})
	}

	return p.play(ctx, logger, conn, ws, test)
}

func (p *Pipeline) fetch(ctx context.Context, ws *Workspace, params model.Params) *StageError {
	_, err := p.runner.Run(ctx, ws.Dir, "git", "clone", "--branch", params.Branch, "--single-branch", "--", p.config.Repository, "src")
	if err != nil {
		return &StageError{Status: model.StatusErrBranch, Err: err}
	}
	if _, err := p.runner.Run(ctx, ws.Src(), "git", "reset", "--hard", params.Commit); err != nil {
		return &StageError{Status: model.StatusErrCommit, Err: err}
	}
	return nil
}

// receivePatch stores the pending patch next to the checkout. The payload is
// drained from conn even when it cannot be stored.
func (p *Pipeline) receivePatch(conn *proto.Conn, ws *Workspace) (int64, error) {
	f, err := os.Create(ws.PatchPath())
	if err != nil {
		if _, derr := conn.RecvFile(io.Discard, model.MaxPatchSize); derr != nil {
			return 0, derr
		}
		return 0, fmt.Errorf("failed to create patch file: %w: %w", ErrResource, err)
	}
	defer f.Close()

	n, err := conn.RecvFile(f, model.MaxPatchSize)
	var werr *proto.WriteError
	if errors.As(err, &werr) {
		return 0, fmt.Errorf("failed to store patch: %w: %w", ErrResource, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to receive patch: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to store patch: %w: %w", ErrResource, err)
	}
	return n, nil
}

// build compiles the baseline, sets it aside, applies the patch and
// compiles again. An empty patch compares the commit against itself.
func (p *Pipeline) build(ctx context.Context, logger zerolog.Logger, ws *Workspace, patchSize int64) *StageError {
	src := ws.Src()
	binary := filepath.Join(src, p.config.Binary)

	logger.Info().Strs("make_args", p.config.MakeArgs).Msg("Building baseline")
	if _, err := p.runner.Run(ctx, src, "make", p.config.MakeArgs...); err != nil {
		return &StageError{Status: model.StatusErrMake, Err: err}
	}
	if err := os.Rename(binary, binary+"old"); err != nil {
		return &StageError{Status: model.StatusErrMake, Err: fmt.Errorf("baseline binary missing: %w", err)}
	}

	if patchSize > 0 {
		if _, err := p.runner.Run(ctx, src, "git", "apply", "../patch"); err != nil {
			return &StageError{Status: model.StatusErrPatch, Err: err}
		}
	}

	logger.Info().Int64("patch_size", patchSize).Msg("Building patched engine")
	if _, err := p.runner.Run(ctx, src, "make", p.config.MakeArgs...); err != nil {
		return &StageError{Status: model.StatusErrMake, Err: err}
	}
	if _, err := os.Stat(binary); err != nil {
		return &StageError{Status: model.StatusErrMake, Err: fmt.Errorf("patched binary missing: %w", err)}
	}
	return nil
}

// play runs the games and streams throttled interim reports until the
// workers exit, then sends the final report.
func (p *Pipeline) play(ctx context.Context, logger zerolog.Logger, conn *proto.Conn, ws *Workspace, test proto.TestParams) (model.Status, error) {
	src := ws.Src()
	newBinary := filepath.Join(src, p.config.Binary)
	oldBinary := newBinary + "old"

	acc := sprt.NewAccumulator(test.Params)
	referee, err := p.newReferee(src, newBinary, oldBinary, test.Params)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create referee")
		return p.finish(conn, model.StatusErrRun, acc.Snapshot().Stats)
	}

	// The first running report marks the start of the games.
	ctrl, err := p.report(conn, model.StatusRun, acc.Snapshot().Stats)
	if err != nil {
		return 0, err
	}
	if ctrl == proto.ControlStop {
		logger.Info().Msg("Test stopped by server")
		return p.finish(conn, model.StatusCancel, acc.Snapshot().Stats)
	}

	logger.Info().
		Str("type", test.Type.String()).
		Str("tc", test.TimeControl()).
		Int("threads", p.config.Threads).
		Msg("Playing games")
	games := StartGames(ctx, logger, referee, acc, p.config.Threads)

	ticker := time.NewTicker(p.config.ReportInterval)
	defer ticker.Stop()

	cancelled := false
	pending := false
loop:
	for {
		select {
		case <-games.Updates():
			pending = true
		case <-ticker.C:
			if !pending || cancelled {
				continue
			}
			pending = false
			snap := acc.Snapshot()
			if snap.Done() {
				continue
			}
			ctrl, err := p.report(conn, model.StatusRun, snap.Stats)
			if err != nil {
				games.Stop()
				_, _ = games.Wait()
				return 0, err
			}
			if ctrl == proto.ControlStop && !cancelled {
				logger.Info().Msg("Test stopped by server")
				cancelled = true
				games.Stop()
			}
		case <-games.Done():
			break loop
		}
	}

	snap, err := games.Wait()
	switch {
	case err != nil && ctx.Err() != nil:
		return 0, ctx.Err()
	case err != nil:
		logger.Warn().Err(err).Uint64("games", snap.Played()).Msg("Game run failed")
		return p.finish(conn, model.StatusErrRun, snap.Stats)
	case snap.Done():
		logger.Info().
			Str("status", snap.Status.String()).
			Uint64("games", snap.Played()).
			Float64("llr", snap.LLR).
			Float64("elo", snap.Elo).
			Msg("Test finished")
		return p.finish(conn, snap.Status, snap.Stats)
	case cancelled:
		return p.finish(conn, model.StatusCancel, snap.Stats)
	default:
		logger.Warn().Msg("Game workers exited without a result")
		return p.finish(conn, model.StatusErrRun, snap.Stats)
	}
}

// finish sends the terminal report. The server's answer is read but a
// terminal report needs no further action.
func (p *Pipeline) finish(conn *proto.Conn, status model.Status, stats model.Stats) (model.Status, error) {
	if _, err := p.report(conn, status, stats); err != nil {
		return status, err
	}
	return status, nil
}

func (p *Pipeline) report(conn *proto.Conn, status model.Status, stats model.Stats) (proto.Control, error) {
	if err := conn.Send(proto.Report{Status: status, Stats: stats}); err != nil {
		return 0, err
	}
	ctrl, err := proto.Recv[proto.Control](conn)
	if err != nil {
		return 0, err
	}
	return ctrl, nil
}
