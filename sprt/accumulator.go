package sprt

// accumulator.go contains the shared game result accumulator and the stop
// rule of both test modes.

import (
	"fmt"
	"sync"

	"github.com/testbit/testbit/model"
)

// Result is the outcome of a single game from the point of view of the
// patched engine. The values index the trinomial counts.
type Result uint8

const (
	Loss Result = iota
	Draw
	Win
)

// ParseResult converts a game score (0, 0.5 or 1) into a Result.
func ParseResult(score float64) (Result, error) {
	switch score {
	case 0:
		return Loss, nil
	case 0.5:
		return Draw, nil
	case 1:
		return Win, nil
	default:
		return 0, fmt.Errorf("invalid game score %v", score)
	}
}

// Pair is a game pair played with both colour assignments.
type Pair struct {
	First  Result
	Second Result
}

// Class returns the pentanomial class of the pair.
func (p Pair) Class() int {
	return int(p.First) + int(p.Second)
}

// Snapshot is a consistent copy of the accumulator state.
type Snapshot struct {
	model.Stats
	// Run while the test continues, otherwise the verdict
	Status model.Status
}

// Done reports whether a verdict has been reached.
func (s Snapshot) Done() bool {
	return s.Status != model.StatusRun
}

// Accumulator collects finished game pairs of one test and evaluates the
// stop rule after every update. It is safe for concurrent use by game
// workers; counting and evaluating happen under one lock so the stop rule
// never observes a half-updated state.
type Accumulator struct {
	params model.Params
	lower  float64
	upper  float64

	mu     sync.Mutex
	stats  model.Stats
	status model.Status
}

// NewAccumulator returns an empty accumulator for a test.
func NewAccumulator(params model.Params) *Accumulator {
	a, b := Bounds(params.Alpha, params.Beta)
	acc := &Accumulator{
		params: params,
		lower:  a,
		upper:  b,
		status: model.StatusRun,
	}
	acc.stats.Elo, acc.stats.PM = Estimate(acc.stats.P)
	return acc
}

// Add counts a finished pair and returns the resulting snapshot. The verdict
// latches at the first decision; pairs that finish afterwards are still
// counted.
func (a *Accumulator) Add(pair Pair) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.T[pair.First]++
	a.stats.T[pair.Second]++
	a.stats.P[pair.Class()]++

	if a.params.Type == model.TypeSPRT {
		a.stats.LLR = LLR(a.stats.P, a.params.Elo0, a.params.Elo1)
	}
	a.stats.Elo, a.stats.PM = Estimate(a.stats.P)

	if a.status == model.StatusRun {
		a.status = a.decide()
	}
	return Snapshot{Stats: a.stats, Status: a.status}
}

// Snapshot returns the current state without modifying it.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Stats: a.stats, Status: a.status}
}

func (a *Accumulator) decide() model.Status {
	capped := a.stats.Played() >= a.params.Games

	switch a.params.Type {
	case model.TypeSPRT:
		switch {
		case a.stats.LLR >= a.upper:
			return model.StatusH1
		case a.stats.LLR <= a.lower:
			return model.StatusH0
		case capped:
			return model.StatusInconclusive
		}
	case model.TypeFixedElo:
		// Reaching the cap reports the best estimate obtained so far.
		if a.stats.PM <= a.params.EloE || capped {
			return model.StatusElo
		}
	}
	return model.StatusRun
}
