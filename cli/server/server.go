package server

// Package server accepts node and client connections and drives them
// against the test registry. Every connection is one sequential
// conversation handled by its own goroutine.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/registry"
)

// Server serves the protocol for one registry.
type Server struct {
	logger   zerolog.Logger
	registry *registry.Registry
	gate     *Gate
	nodes    *nodeSet
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the time source used for node connection times.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func New(logger zerolog.Logger, reg *registry.Registry, gate *Gate, opts ...Option) *Server {
	s := &Server{
		logger:   logger,
		registry: reg,
		gate:     gate,
		nodes:    newNodeSet(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is done. On shutdown the
// listener and all open connections are closed and Serve returns once every
// handler has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("Shutting down")
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs the conversation on a single connection and closes it.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) {
	session := uuid.NewString()
	logger := s.logger.With().Str("session", session).Logger()
	if nc, ok := rw.(net.Conn); ok {
		logger = logger.With().Str("remote", nc.RemoteAddr().String()).Logger()
	}

	conn := proto.NewConn(rw)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Connection handler panicked")
		}
	}()

	hello, err := proto.Recv[proto.Hello](conn)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to read hello")
		return
	}

	switch hello.Role {
	case proto.RoleNode:
		logger = logger.With().Str("role", "node").Logger()
		err = s.serveNode(ctx, logger, conn)
	default:
		logger = logger.With().Str("role", "client").Logger()
		err = s.serveClient(ctx, logger, conn)
	}

	switch {
	case err == nil:
		logger.Debug().Msg("Connection closed")
	case ctx.Err() != nil:
		logger.Debug().Err(err).Msg("Connection closed on shutdown")
	default:
		logger.Warn().Err(err).Msg("Connection failed")
	}
}

// disconnected reports whether err means the peer went away between
// messages.
func disconnected(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
