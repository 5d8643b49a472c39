package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/node"
	"github.com/testbit/testbit/cli/proto"
)

const AppName = "testbit"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
	config *Config
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
	}
	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Distributed strength testing of chess engine patches",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"TESTBIT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Server address (host[:port])",
				EnvVars: []string{"TESTBIT_SERVER"},
			},
			&cli.StringFlag{
				Name:    "ca-file",
				Usage:   "PEM file with the certificate authority of the server",
				EnvVars: []string{"TESTBIT_CA_FILE"},
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Skip verification of the server certificate",
			},
		},
		Before: app.before,
	}

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "server",
		Usage:  "Accept nodes and clients and dispatch queued tests",
		Action: app.runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: fmt.Sprintf("Listen address (default: :%s)", proto.DefaultPort),
			},
			&cli.StringFlag{
				Name:    "cert",
				Usage:   "PEM certificate of the server",
				EnvVars: []string{"TESTBIT_CERT_FILE"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "PEM private key of the server",
				EnvVars: []string{"TESTBIT_KEY_FILE"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Backing store of the test registry: file or postgres",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory of the file store",
				EnvVars: []string{"TESTBIT_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string of the postgres store",
				EnvVars: []string{"TESTBIT_DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL test updates are published to",
				EnvVars: []string{"TESTBIT_REDIS_URL"},
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "node",
		Usage:  "Connect to a server and run the tests it dispatches",
		Action: app.runNode,
		Flags: []cli.Flag{
			node.NameFlag(),
			node.RepositoryFlag(),
			node.ThreadsFlag(),
			node.MakeArgsFlag(),
			node.BinaryFlag(),
			node.WorkDirFlag(),
			node.RefereeFlag(),
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "submit",
		Usage:     "Queue a new test",
		ArgsUsage: "[PATCH]",
		Action:    app.submit,
		Flags:     submitFlags(),
		Description: `Queue a new test of a patch against a branch and commit.

The patch is read from the PATCH file, from stdin when PATCH is "-", or
taken from "git diff HEAD" of the current directory when --diff is given.
Without a patch the commit is tested against itself.

Examples:
  testbit submit --branch master --commit 3f2a91c eval.patch
  testbit submit --diff --elo0 0 --elo1 5
  testbit submit --type elo --eloe 3 --diff`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a queued or running test",
		ArgsUsage: "ID",
		Action:    app.cancel,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "log",
		Usage:     "Show a test record",
		ArgsUsage: "ID",
		Action:    app.view,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List active or finished tests",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "done",
				Usage: "List finished tests, most recent first",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "patch",
		Usage:     "Print the patch of a test",
		ArgsUsage: "ID",
		Action:    app.patch,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "nodes",
		Usage:  "List connected nodes",
		Action: app.nodes,
	})
	return app
}

// Run loads a .env file from the working directory, if present, before the
// flags are parsed so it can provide their environment variables.
func (a *App) Run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, node.ErrResource):
		return 3
	case errors.Is(err, errDenied), errors.Is(err, node.ErrDenied):
		return 5
	default:
		return 1
	}
}

func (a *App) before(ctx *cli.Context) error {
	if ctx.Bool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if v := ctx.String("server"); v != "" {
		cfg.Client.Server = v
	}
	if v := ctx.String("ca-file"); v != "" {
		cfg.Client.CAFile = v
	}
	if ctx.Bool("insecure") {
		cfg.Client.InsecureSkipVerify = true
	}
	a.config = cfg
	return nil
}
