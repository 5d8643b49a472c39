package cli

// This file contains the connection and passphrase helpers shared by the
// client commands and the node.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/testbit/testbit/cli/proto"
)

// passphraseEnv provides the passphrase without a prompt.
const passphraseEnv = "TESTBIT_PASSPHRASE"

var errDenied = errors.New("permission denied")

// connect opens a connection to the configured server.
func (a *App) connect(ctx context.Context) (*proto.Conn, error) {
	cfg := a.config.Client
	conn, err := proto.Dial(ctx, cfg.Server,
		proto.WithCAFile(cfg.CAFile),
		proto.WithServerName(cfg.ServerName),
		proto.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		proto.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("server", cfg.Server).Msg("Connected")
	return conn, nil
}

// dialClient opens a client session.
func (a *App) dialClient(ctx context.Context) (*proto.Conn, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(proto.Hello{Role: proto.RoleClient}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readPassphrase returns the passphrase from the environment or prompts for
// it on the terminal without echo.
func readPassphrase() (string, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to read the passphrase from, set %s", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Enter Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(b), nil
}

// privilege elevates a client session.
func (a *App) privilege(conn *proto.Conn) error {
	password, err := readPassphrase()
	if err != nil {
		return err
	}
	if err := conn.Send(proto.RequestPrivilege, proto.Privilege{Password: password}); err != nil {
		return err
	}
	return expectOK(conn)
}

// expectOK reads a response and turns anything but OK into an error.
func expectOK(conn *proto.Conn) error {
	resp, err := proto.Recv[proto.Response](conn)
	if err != nil {
		return err
	}
	switch resp {
	case proto.ResponseOK:
		return nil
	case proto.ResponsePermissionDenied:
		return errDenied
	default:
		return fmt.Errorf("server answered %s", resp)
	}
}

// parseTestID parses the single ID argument of a command.
func parseTestID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one test ID, got %d arguments", len(args))
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid test ID %q", args[0])
	}
	return id, nil
}
