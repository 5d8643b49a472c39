package sprt

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testbit/testbit/model"
)

var classPairs = [5]Pair{
	{Loss, Loss},
	{Loss, Draw},
	{Draw, Draw},
	{Draw, Win},
	{Win, Win},
}

// spread returns a deterministic pair stream whose running pentanomial
// frequencies stay as close as possible to weights.
func spread(weights [5]uint64) func() Pair {
	var total uint64
	for _, w := range weights {
		total += w
	}
	var counts [5]uint64
	var k uint64
	return func() Pair {
		best, bestDeficit := 0, int64(math.MinInt64)
		for i, w := range weights {
			deficit := int64((k+1)*w) - int64(total*counts[i])
			if deficit > bestDeficit {
				best, bestDeficit = i, deficit
			}
		}
		counts[best]++
		k++
		return classPairs[best]
	}
}

func sprtParams(games uint64) model.Params {
	return model.Params{
		Type:      model.TypeSPRT,
		MainTime:  10,
		Increment: 0.1,
		Alpha:     0.05,
		Beta:      0.05,
		Elo0:      0,
		Elo1:      5,
		Games:     games,
		Branch:    "master",
		Commit:    "HEAD",
	}
}

func run(acc *Accumulator, next func() Pair, limit int) Snapshot {
	var snap Snapshot
	for i := 0; i < limit; i++ {
		snap = acc.Add(next())
		if snap.Done() {
			break
		}
	}
	return snap
}

func TestBounds(t *testing.T) {
	for _, alpha := range []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.49} {
		for _, beta := range []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.49} {
			a, b := Bounds(alpha, beta)
			require.Less(t, a, 0.0, "alpha=%v beta=%v", alpha, beta)
			require.Greater(t, b, 0.0, "alpha=%v beta=%v", alpha, beta)
		}
	}

	a, b := Bounds(0.05, 0.05)
	require.InDelta(t, -2.944, a, 1e-3)
	require.InDelta(t, 2.944, b, 1e-3)
}

func TestScoreRoundTrip(t *testing.T) {
	require.InDelta(t, 0.5, Score(0), 1e-12)
	for _, elo := range []float64{-400, -50, -5, 0, 5, 50, 400} {
		require.InDelta(t, elo, EloFromScore(Score(elo)), 1e-9)
	}
	require.True(t, Score(5) > 0.5)
	require.False(t, math.IsInf(EloFromScore(1), 0))
}

func TestLLR(t *testing.T) {
	t.Run("no games", func(t *testing.T) {
		require.Equal(t, 0.0, LLR([5]uint64{}, 0, 5))
	})

	t.Run("sign follows the mean", func(t *testing.T) {
		strong := [5]uint64{50, 186, 500, 214, 50}
		weak := [5]uint64{50, 214, 500, 186, 50}
		require.Greater(t, LLR(strong, 0, 5), 0.0)
		require.Less(t, LLR(weak, 0, 5), 0.0)
	})

	t.Run("scales with the number of pairs", func(t *testing.T) {
		p := [5]uint64{50, 186, 500, 214, 50}
		var p10 [5]uint64
		for i := range p {
			p10[i] = 10 * p[i]
		}
		require.InDelta(t, 10*LLR(p, 0, 5), LLR(p10, 0, 5), 1e-6)
	})

	t.Run("empty buckets are regularized", func(t *testing.T) {
		llr := LLR([5]uint64{0, 0, 10, 0, 0}, 0, 5)
		require.False(t, math.IsNaN(llr))
		require.False(t, math.IsInf(llr, 0))
	})
}

func TestEstimate(t *testing.T) {
	elo, pm := Estimate([5]uint64{})
	require.Equal(t, 0.0, elo)
	require.True(t, math.IsInf(pm, 1))

	_, pm = Estimate([5]uint64{0, 0, 7, 0, 0})
	require.True(t, math.IsInf(pm, 1), "zero variance leaves the margin undefined")

	elo, pm = Estimate([5]uint64{50, 200, 500, 200, 50})
	require.InDelta(t, 0, elo, 1e-9)
	require.InDelta(t, 304.6/math.Sqrt(1000), pm, 0.5)

	elo, _ = Estimate([5]uint64{50, 186, 500, 214, 50})
	require.InDelta(t, EloFromScore(0.507), elo, 1e-9)
}

func TestMarginShrinks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	game := func() Result {
		switch r := rng.Float64(); {
		case r < 0.3:
			return Loss
		case r < 0.7:
			return Draw
		default:
			return Win
		}
	}

	var p [5]uint64
	var margins []float64
	n := 0
	for _, checkpoint := range []int{100, 1000, 10000, 100000} {
		for ; n < checkpoint; n++ {
			p[Pair{game(), game()}.Class()]++
		}
		_, pm := Estimate(p)
		margins = append(margins, pm)
	}

	for i := 1; i < len(margins); i++ {
		require.Less(t, margins[i], margins[i-1], "margins: %v", margins)
	}
}

func TestAccumulatorSPRT(t *testing.T) {
	t.Run("H1 for an engine near elo1", func(t *testing.T) {
		acc := NewAccumulator(sprtParams(40000))
		snap := run(acc, spread([5]uint64{50, 186, 500, 214, 50}), 20000)

		require.Equal(t, model.StatusH1, snap.Status)
		_, b := Bounds(0.05, 0.05)
		require.GreaterOrEqual(t, snap.LLR, b)
		require.Less(t, snap.Played(), uint64(20000))
		require.Equal(t, snap.Played(), 2*snap.Pairs())
	})

	t.Run("H0 for a weaker engine", func(t *testing.T) {
		acc := NewAccumulator(sprtParams(40000))
		snap := run(acc, spread([5]uint64{50, 214, 500, 186, 50}), 20000)

		require.Equal(t, model.StatusH0, snap.Status)
		a, _ := Bounds(0.05, 0.05)
		require.LessOrEqual(t, snap.LLR, a)
	})

	t.Run("inconclusive at the game cap", func(t *testing.T) {
		acc := NewAccumulator(sprtParams(200))
		snap := run(acc, spread([5]uint64{50, 186, 500, 214, 50}), 1000)

		require.Equal(t, model.StatusInconclusive, snap.Status)
		require.Equal(t, uint64(200), snap.Played())
		a, b := Bounds(0.05, 0.05)
		require.Greater(t, snap.LLR, a)
		require.Less(t, snap.LLR, b)
	})

	t.Run("verdict latches", func(t *testing.T) {
		acc := NewAccumulator(sprtParams(4))
		next := spread([5]uint64{50, 186, 500, 214, 50})
		acc.Add(next())
		snap := acc.Add(next())
		require.Equal(t, model.StatusInconclusive, snap.Status)

		snap = acc.Add(next())
		require.Equal(t, model.StatusInconclusive, snap.Status)
		require.Equal(t, uint64(6), snap.Played())
	})
}

func TestAccumulatorFixedElo(t *testing.T) {
	params := model.Params{
		Type:     model.TypeFixedElo,
		MainTime: 10,
		EloE:     10,
		Games:    100000,
		Branch:   "master",
		Commit:   "HEAD",
	}

	t.Run("stops at the target margin", func(t *testing.T) {
		acc := NewAccumulator(params)
		snap := run(acc, spread([5]uint64{50, 200, 500, 200, 50}), 50000)

		require.Equal(t, model.StatusElo, snap.Status)
		require.LessOrEqual(t, snap.PM, 10.0)
		require.Less(t, snap.Played(), uint64(4000))
		require.InDelta(t, 0, snap.Elo, 5)
	})

	t.Run("cap reports the best estimate", func(t *testing.T) {
		capped := params
		capped.EloE = 1
		capped.Games = 200
		acc := NewAccumulator(capped)
		snap := run(acc, spread([5]uint64{50, 200, 500, 200, 50}), 1000)

		require.Equal(t, model.StatusElo, snap.Status)
		require.Equal(t, uint64(200), snap.Played())
		require.Greater(t, snap.PM, 1.0)
	})

	t.Run("does not stop on an undefined margin", func(t *testing.T) {
		acc := NewAccumulator(params)
		snap := acc.Add(Pair{Draw, Draw})
		require.Equal(t, model.StatusRun, snap.Status)
		snap = acc.Add(Pair{Draw, Draw})
		require.Equal(t, model.StatusRun, snap.Status)
	})
}

func TestAccumulatorConcurrent(t *testing.T) {
	acc := NewAccumulator(sprtParams(1 << 40))

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	var torn atomic.Bool
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				snap := acc.Add(classPairs[i%5])
				if snap.Played() != 2*snap.Pairs() {
					torn.Store(true)
				}
			}
		}()
	}
	wg.Wait()

	require.False(t, torn.Load(), "snapshot observed a half-updated accumulator")

	snap := acc.Snapshot()
	require.Equal(t, uint64(workers*perWorker), snap.Pairs())
	require.Equal(t, snap, acc.Snapshot(), "snapshots must not modify state")
}

func TestParseResult(t *testing.T) {
	for score, want := range map[float64]Result{0: Loss, 0.5: Draw, 1: Win} {
		got, err := ParseResult(score)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseResult(0.25)
	require.Error(t, err)
}

func TestETA(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	base := model.Test{
		Status: model.StatusRun,
		Params: sprtParams(40000),
		STime:  now.Add(-100 * time.Second).Unix(),
	}
	base.T = [3]uint64{10, 20, 10}

	t.Run("sprt extrapolates towards the bound", func(t *testing.T) {
		test := base
		test.LLR = 1
		proj, ok := ETA(&test, now)
		require.True(t, ok)

		_, b := Bounds(0.05, 0.05)
		wantTotal := time.Duration(b * float64(100*time.Second))
		require.WithinDuration(t, time.Unix(test.STime, 0).Add(wantTotal), proj.Completion, time.Millisecond)
		require.InDelta(t, float64(wantTotal-100*time.Second), float64(proj.Remaining), float64(time.Millisecond))
	})

	t.Run("negative llr heads for the lower bound", func(t *testing.T) {
		test := base
		test.LLR = -1
		proj, ok := ETA(&test, now)
		require.True(t, ok)
		require.Greater(t, proj.Remaining, time.Duration(0))
	})

	t.Run("unavailable at zero llr", func(t *testing.T) {
		test := base
		test.LLR = 0
		_, ok := ETA(&test, now)
		require.False(t, ok)
	})

	t.Run("unavailable before games", func(t *testing.T) {
		test := base
		test.LLR = 1
		test.T = [3]uint64{}
		_, ok := ETA(&test, now)
		require.False(t, ok)
	})

	t.Run("fixed elo uses the squared margin ratio", func(t *testing.T) {
		test := base
		test.Type = model.TypeFixedElo
		test.EloE = 10
		test.PM = 20
		proj, ok := ETA(&test, now)
		require.True(t, ok)
		require.Equal(t, 300*time.Second, proj.Remaining)
	})

	t.Run("fixed elo unavailable with undefined margin", func(t *testing.T) {
		test := base
		test.Type = model.TypeFixedElo
		test.EloE = 10
		test.PM = math.Inf(1)
		_, ok := ETA(&test, now)
		require.False(t, ok)
	})
}
