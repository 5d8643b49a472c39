package node

// This file contains the node side of the server conversation.

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/testbit/testbit/cli/proto"
)

// ErrDenied is returned when the server rejects the node passphrase.
var ErrDenied = errors.New("permission denied")

// Node registers with a server and runs the tests it dispatches.
type Node struct {
	logger   zerolog.Logger
	pipeline *Pipeline
	name     string
	threads  int
	password string
}

func New(logger zerolog.Logger, pipeline *Pipeline, name string, threads int, password string) *Node {
	return &Node{
		logger:   logger,
		pipeline: pipeline,
		name:     name,
		threads:  threads,
		password: password,
	}
}

// Serve performs the handshake on conn and then runs dispatched tests one
// after the other until ctx is done or an error ends the connection. The
// connection is closed when ctx is done.
func (n *Node) Serve(ctx context.Context, conn *proto.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := n.handshake(conn); err != nil {
		return err
	}
	n.logger.Info().Str("name", n.name).Int("threads", n.threads).Msg("Registered with server")

	for {
		test, err := proto.Recv[proto.TestParams](conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive test: %w", err)
		}

		n.logger.Info().Int64("test", test.ID).Msg("Received test")
		status, err := n.pipeline.Run(ctx, conn, test)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrResource) {
				return nil
			}
			return fmt.Errorf("test %d: %w", test.ID, err)
		}
		n.logger.Info().Int64("test", test.ID).Str("status", status.String()).Msg("Reported test")
	}
}

func (n *Node) handshake(conn *proto.Conn) error {
	if err := conn.Send(proto.Hello{Role: proto.RoleNode}, proto.Privilege{Password: n.password}); err != nil {
		return err
	}
	resp, err := proto.Recv[proto.Response](conn)
	if err != nil {
		return err
	}
	if resp != proto.ResponseOK {
		return fmt.Errorf("server answered %s: %w", resp, ErrDenied)
	}
	return conn.Send(proto.NodeInfo{Name: n.name, Threads: int64(n.threads)})
}
