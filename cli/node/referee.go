package node

// This file contains the referee that plays game pairs between the patched
// and the baseline engine.

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/sprt"
)

// Referee plays one game pair: the patched engine has white in the first
// game and black in the second.
type Referee interface {
	PlayPair(ctx context.Context) (sprt.Pair, error)
}

// RefereeFactory creates the referee of one test from the two binaries.
type RefereeFactory func(dir, newBinary, oldBinary string, params model.Params) (Referee, error)

// CommandReferee runs an external match program for every pair. The
// program prints the result of each game as a PGN result token (1-0, 0-1 or
// 1/2-1/2), first game first.
type CommandReferee struct {
	runner Runner
	dir    string
	args   []string
}

// NewCommandReferee expands the placeholders {new}, {old}, {tc}, {maintime}
// and {increment} in template.
func NewCommandReferee(runner Runner, template []string, dir, newBinary, oldBinary string, params model.Params) (*CommandReferee, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("no referee command configured")
	}

	replacer := strings.NewReplacer(
		"{new}", newBinary,
		"{old}", oldBinary,
		"{tc}", params.TimeControl(),
		"{maintime}", strconv.FormatFloat(params.MainTime, 'f', -1, 64),
		"{increment}", strconv.FormatFloat(params.Increment, 'f', -1, 64),
	)
	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = replacer.Replace(arg)
	}

	return &CommandReferee{
		runner: runner,
		dir:    dir,
		args:   args,
	}, nil
}

// CommandRefereeFactory returns a factory creating CommandReferees.
func CommandRefereeFactory(runner Runner, template []string) RefereeFactory {
	return func(dir, newBinary, oldBinary string, params model.Params) (Referee, error) {
		return NewCommandReferee(runner, template, dir, newBinary, oldBinary, params)
	}
}

func (r *CommandReferee) PlayPair(ctx context.Context) (sprt.Pair, error) {
	out, err := r.runner.Run(ctx, r.dir, r.args[0], r.args[1:]...)
	if err != nil {
		return sprt.Pair{}, err
	}
	return ParsePair(string(out))
}

// ParsePair reads the first two result tokens of out. Results are given
// from white's point of view and the patched engine plays white first.
func ParsePair(out string) (sprt.Pair, error) {
	var results []sprt.Result
	for _, field := range strings.Fields(out) {
		var white float64
		switch field {
		case "1-0":
			white = 1
		case "0-1":
			white = 0
		case "1/2-1/2":
			white = 0.5
		case "*":
			return sprt.Pair{}, fmt.Errorf("game %d did not finish", len(results)+1)
		default:
			continue
		}

		score := white
		if len(results) == 1 {
			score = 1 - white
		}
		result, err := sprt.ParseResult(score)
		if err != nil {
			return sprt.Pair{}, err
		}
		results = append(results, result)
		if len(results) == 2 {
			return sprt.Pair{First: results[0], Second: results[1]}, nil
		}
	}
	return sprt.Pair{}, fmt.Errorf("expected 2 game results, found %d", len(results))
}
