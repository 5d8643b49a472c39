package sprt

import (
	"math"
	"time"

	"github.com/testbit/testbit/model"
)

const llrEpsilon = 1e-9

// Projection is an advisory estimate of when a running test finishes.
type Projection struct {
	// Projected completion time
	Completion time.Time
	// Time left from now, never negative
	Remaining time.Duration
}

// ETA extrapolates the completion time of a running test from the time spent
// since its first game. SPRT tests assume the LLR keeps growing at the same
// rate towards the bound it is heading for; fixed Elo tests assume the
// half-width shrinks with the square root of the number of games. The second
// result is false when no projection is available.
func ETA(t *model.Test, now time.Time) (Projection, bool) {
	if !t.Started() || t.STime == 0 {
		return Projection{}, false
	}

	start := time.Unix(t.STime, 0)
	duration := now.Sub(start)
	if duration <= 0 {
		return Projection{}, false
	}

	var ratio float64
	switch t.Type {
	case model.TypeSPRT:
		if math.Abs(t.LLR) < llrEpsilon {
			return Projection{}, false
		}
		a, b := Bounds(t.Alpha, t.Beta)
		goal := a
		if t.LLR > 0 {
			goal = b
		}
		ratio = goal / t.LLR
	case model.TypeFixedElo:
		if math.IsInf(t.PM, 0) || math.IsNaN(t.PM) || t.EloE <= 0 {
			return Projection{}, false
		}
		ratio = (t.PM / t.EloE) * (t.PM / t.EloE)
	default:
		return Projection{}, false
	}

	total := time.Duration(float64(duration) * ratio)
	completion := start.Add(total)
	remaining := completion.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Projection{Completion: completion, Remaining: remaining}, true
}
