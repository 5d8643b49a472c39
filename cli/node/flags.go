package node

import (
	"github.com/urfave/cli/v2"
)

// RepositoryFlag returns the flag selecting the engine repository.
func RepositoryFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "repository",
		Usage:   "Git URL of the engine repository",
		EnvVars: []string{"TESTBIT_REPOSITORY"},
	}
}

// ThreadsFlag returns the flag for the number of concurrent game pairs.
func ThreadsFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "threads",
		Aliases: []string{"j"},
		Usage:   "Number of game pairs played concurrently",
		EnvVars: []string{"TESTBIT_THREADS"},
	}
}

// MakeArgsFlag returns the flag for extra make arguments.
func MakeArgsFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "make-arg",
		Usage: "Argument passed to make (can be specified multiple times)",
	}
}

// BinaryFlag returns the flag naming the engine binary built by make.
func BinaryFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "binary",
		Usage: "Engine binary produced by make, relative to the checkout",
	}
}

// WorkDirFlag returns the flag for the working tree base directory.
func WorkDirFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "workdir",
		Usage:   "Directory working trees are created in (default: system temp dir)",
		EnvVars: []string{"TESTBIT_WORKDIR"},
	}
}

// RefereeFlag returns the flag for the match program template.
func RefereeFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "referee",
		Usage: "Match program and arguments, one per flag; {new}, {old}, {tc}, {maintime} and {increment} are expanded",
	}
}

// NameFlag returns the flag for the name the node registers with.
func NameFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "name",
		Usage:   "Node name shown to clients (default: hostname)",
		EnvVars: []string{"TESTBIT_NODE_NAME"},
	}
}
