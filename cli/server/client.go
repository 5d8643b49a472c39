package server

// This file contains the request loop of client connections.

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

// session is the state of one client connection.
type session struct {
	logger     zerolog.Logger
	conn       *proto.Conn
	privileged bool
}

func (s *Server) serveClient(ctx context.Context, logger zerolog.Logger, conn *proto.Conn) error {
	sess := &session{logger: logger, conn: conn}
	for {
		req, err := proto.Recv[proto.Request](conn)
		if err != nil {
			if disconnected(err) {
				return nil
			}
			return err
		}
		logger.Debug().Str("request", req.String()).Msg("Handling request")

		switch req {
		case proto.RequestPrivilege:
			err = s.privilege(sess)
		case proto.RequestNodeUpdate:
			err = conn.Send(proto.ResponseOK, proto.NodeList{Nodes: s.nodes.list()})
		case proto.RequestNewTest:
			err = s.newTest(ctx, sess)
		case proto.RequestModTest:
			err = s.modTest(ctx, sess)
		case proto.RequestLogTest:
			err = s.logTest(sess)
		case proto.RequestPatch:
			err = s.patch(ctx, sess)
		default:
			err = fmt.Errorf("unhandled request %s", req)
		}
		if err != nil {
			return fmt.Errorf("%s request: %w", req, err)
		}
	}
}

func (s *Server) privilege(sess *session) error {
	priv, err := proto.Recv[proto.Privilege](sess.conn)
	if err != nil {
		return err
	}
	sess.privileged = s.gate.Check(priv.Password)
	if !sess.privileged {
		sess.logger.Warn().Msg("Privilege denied")
		return sess.conn.Send(proto.ResponsePermissionDenied)
	}
	sess.logger.Info().Msg("Privilege granted")
	return sess.conn.Send(proto.ResponseOK)
}

// newTest always consumes the patch before answering.
func (s *Server) newTest(ctx context.Context, sess *session) error {
	params, err := proto.Recv[proto.TestParams](sess.conn)
	if err != nil {
		return err
	}
	var patch bytes.Buffer
	if _, err := sess.conn.RecvFile(&patch, model.MaxPatchSize); err != nil {
		return err
	}

	if !sess.privileged {
		return sess.conn.Send(proto.ResponsePermissionDenied)
	}
	id, err := s.registry.Create(ctx, params.Params, patch.Bytes())
	if err != nil {
		sess.logger.Warn().Err(err).Msg("Rejected test")
		return sess.conn.Send(proto.ResponseFail)
	}
	return sess.conn.Send(proto.ResponseOK, proto.Created{ID: id})
}

func (s *Server) modTest(ctx context.Context, sess *session) error {
	mod, err := proto.Recv[proto.ModTest](sess.conn)
	if err != nil {
		return err
	}
	if !sess.privileged {
		return sess.conn.Send(proto.ResponsePermissionDenied)
	}

	switch mod.Action {
	case proto.ModCancel:
		err = s.registry.Cancel(ctx, mod.ID)
	}
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrTerminal) {
			sess.logger.Error().Err(err).Int64("test", mod.ID).Msg("Failed to modify test")
		}
		return sess.conn.Send(proto.ResponseFail)
	}
	return sess.conn.Send(proto.ResponseOK)
}

func (s *Server) logTest(sess *session) error {
	req, err := proto.Recv[proto.LogTest](sess.conn)
	if err != nil {
		return err
	}

	if req.Kind == proto.LogSingle {
		t, err := s.registry.Get(req.ID)
		if err != nil {
			return sess.conn.Send(proto.ResponseFail)
		}
		return sess.conn.Send(proto.ResponseOK, proto.TestRecord{Test: t})
	}

	filter := registry.Active
	if req.Kind == proto.LogDone {
		filter = registry.Done
	}
	limit := proto.MaxListLength
	if req.Limit > 0 && req.Limit < proto.MaxListLength {
		limit = int(req.Limit)
	}
	return sess.conn.Send(proto.ResponseOK, proto.TestList{Tests: s.registry.List(filter, limit)})
}

func (s *Server) patch(ctx context.Context, sess *session) error {
	req, err := proto.Recv[proto.PatchRequest](sess.conn)
	if err != nil {
		return err
	}
	patch, err := s.registry.Patch(ctx, req.ID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			sess.logger.Error().Err(err).Int64("test", req.ID).Msg("Failed to load patch")
		}
		return sess.conn.Send(proto.ResponseFail)
	}
	if err := sess.conn.Send(proto.ResponseOK); err != nil {
		return err
	}
	return sess.conn.SendFile(bytes.NewReader(patch), int64(len(patch)))
}
