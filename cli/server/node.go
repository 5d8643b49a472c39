package server

// This file contains the server side of the node conversation: handshake,
// dispatch and the report loop.

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/registry"
)

// ErrDenied is returned when a node fails the privilege check.
var ErrDenied = errors.New("permission denied")

func (s *Server) serveNode(ctx context.Context, logger zerolog.Logger, conn *proto.Conn) error {
	priv, err := proto.Recv[proto.Privilege](conn)
	if err != nil {
		return err
	}
	if !s.gate.Check(priv.Password) {
		if err := conn.Send(proto.ResponsePermissionDenied); err != nil {
			return err
		}
		return fmt.Errorf("node handshake: %w", ErrDenied)
	}
	if err := conn.Send(proto.ResponseOK); err != nil {
		return err
	}

	info, err := proto.Recv[proto.NodeInfo](conn)
	if err != nil {
		return err
	}
	logger = logger.With().Str("node", info.Name).Logger()

	id := s.nodes.add(proto.NodeStatus{
		Name:    info.Name,
		Threads: info.Threads,
		Since:   s.now().Unix(),
	})
	defer s.nodes.remove(id)
	logger.Info().Int64("threads", info.Threads).Msg("Node connected")

	for {
		if err := s.registry.Wait(ctx); err != nil {
			return nil
		}
		test, patch, err := s.registry.Claim(ctx)
		if errors.Is(err, registry.ErrNoneAvailable) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to claim test: %w", err)
		}

		s.nodes.assign(id, test.ID)
		err = s.runTest(ctx, logger, conn, test, patch)
		s.nodes.assign(id, 0)
		if err != nil {
			// The registry must see the release even when shutting down.
			if rerr := s.registry.Release(context.WithoutCancel(ctx), test.ID); rerr != nil {
				logger.Error().Err(rerr).Int64("test", test.ID).Msg("Failed to release test")
			}
			return err
		}
	}
}

// runTest dispatches a claimed test and applies the node's reports until
// the final one.
func (s *Server) runTest(ctx context.Context, logger zerolog.Logger, conn *proto.Conn, test model.Test, patch []byte) error {
	logger = logger.With().Int64("test", test.ID).Logger()
	logger.Info().Str("branch", test.Branch).Str("commit", test.Commit).Msg("Dispatching test")

	if err := conn.Send(proto.TestParams{ID: test.ID, Params: test.Params}); err != nil {
		return err
	}
	if err := conn.SendFile(bytes.NewReader(patch), int64(len(patch))); err != nil {
		return err
	}

	for {
		report, err := proto.Recv[proto.Report](conn)
		if err != nil {
			return err
		}

		ctrl := proto.ControlContinue
		updated, err := s.registry.Report(ctx, test.ID, report.Status, report.Stats)
		switch {
		case errors.Is(err, registry.ErrTerminal):
			logger.Debug().Str("status", updated.Status.String()).Msg("Stopping node on finished test")
			ctrl = proto.ControlStop
		case err != nil:
			logger.Warn().Err(err).Str("status", report.Status.String()).Msg("Rejected report")
			ctrl = proto.ControlStop
		case updated.Status.IsTerminal():
			ctrl = proto.ControlStop
		}

		if err := conn.Send(ctrl); err != nil {
			return err
		}
		if report.Status.IsTerminal() {
			return nil
		}
	}
}
