package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/sprt"
)

const sentinelID = 4242

// fakeRunner simulates git and make inside the working tree.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	// stage names that fail: clone, reset, make1, apply, make2
	fail map[string]bool
	// create a directory where the patch file belongs
	blockPatch bool
	// skip producing the binary on a successful make
	noBinary bool
	applied  []byte
	makes    int
}

func (r *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))

	stage := name
	if name == "git" {
		stage = args[0]
	}
	if name == "make" {
		r.makes++
		stage = fmt.Sprintf("make%d", r.makes)
	}
	if r.fail[stage] {
		return nil, fmt.Errorf("%s failed", stage)
	}

	switch stage {
	case "clone":
		if err := os.Mkdir(filepath.Join(dir, "src"), 0755); err != nil {
			return nil, err
		}
		if r.blockPatch {
			return nil, os.Mkdir(filepath.Join(dir, "patch"), 0755)
		}
	case "apply":
		patch, err := os.ReadFile(filepath.Join(dir, args[1]))
		if err != nil {
			return nil, err
		}
		r.applied = patch
	case "make1", "make2":
		if r.noBinary {
			return nil, nil
		}
		return nil, os.WriteFile(filepath.Join(dir, "bitbit"), []byte(stage), 0755)
	}
	return nil, nil
}

var classPairs = [5]sprt.Pair{
	{First: sprt.Loss, Second: sprt.Loss},
	{First: sprt.Loss, Second: sprt.Draw},
	{First: sprt.Draw, Second: sprt.Draw},
	{First: sprt.Draw, Second: sprt.Win},
	{First: sprt.Win, Second: sprt.Win},
}

// weightedReferee deterministically plays pairs whose pentanomial
// frequencies track weights.
type weightedReferee struct {
	mu      sync.Mutex
	weights [5]uint64
	counts  [5]uint64
	played  uint64
	delay   time.Duration
	// fail the call after this many pairs, 0 never
	failAfter uint64
}

func (r *weightedReferee) PlayPair(ctx context.Context) (sprt.Pair, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && r.played >= r.failAfter {
		return sprt.Pair{}, errors.New("engine crashed")
	}

	var total uint64
	for _, w := range r.weights {
		total += w
	}
	best, bestDeficit := 0, int64(-1<<62)
	for i, w := range r.weights {
		deficit := int64((r.played+1)*w) - int64(total*r.counts[i])
		if deficit > bestDeficit {
			best, bestDeficit = i, deficit
		}
	}
	r.counts[best]++
	r.played++
	return classPairs[best], nil
}

func (r *weightedReferee) Played() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.played
}

func refereeFactory(referee Referee) RefereeFactory {
	return func(dir, newBinary, oldBinary string, params model.Params) (Referee, error) {
		return referee, nil
	}
}

type serverScript struct {
	patch []byte
	// whether the node is expected to report at all
	reports bool
	// reply Stop to the report with this 1-based index, 0 never
	stopAt int
}

type serverResult struct {
	reports []proto.Report
	err     error
}

// fakeServer streams the patch, answers reports until a terminal one and
// then sends a sentinel message the node must be able to read.
func fakeServer(conn *proto.Conn, script serverScript) <-chan serverResult {
	out := make(chan serverResult, 1)
	go func() {
		var res serverResult
		res.err = func() error {
			if err := conn.SendFile(bytes.NewReader(script.patch), int64(len(script.patch))); err != nil {
				return err
			}
			for script.reports {
				report, err := proto.Recv[proto.Report](conn)
				if err != nil {
					return err
				}
				res.reports = append(res.reports, report)

				ctrl := proto.ControlContinue
				if report.Status.IsTerminal() || len(res.reports) == script.stopAt {
					ctrl = proto.ControlStop
				}
				if err := conn.Send(ctrl); err != nil {
					return err
				}
				if report.Status.IsTerminal() {
					break
				}
			}
			return conn.Send(proto.Created{ID: sentinelID})
		}()
		out <- res
	}()
	return out
}

func sprtParams() model.Params {
	return model.Params{
		Type:      model.TypeSPRT,
		MainTime:  10,
		Increment: 0.1,
		Alpha:     0.05,
		Beta:      0.05,
		Elo0:      0,
		Elo1:      5,
		Games:     40000,
		Branch:    "master",
		Commit:    "HEAD",
	}
}

type harness struct {
	runner *fakeRunner
	base   string
}

func newHarness(t *testing.T, runner *fakeRunner, referee Referee, threads int) (*Pipeline, harness) {
	t.Helper()
	base := t.TempDir()
	p := NewPipeline(zerolog.Nop(), runner, refereeFactory(referee), Config{
		Repository:     "https://example.org/bitbit.git",
		MakeArgs:       []string{"SIMD=avx2", "bitbit"},
		Binary:         "bitbit",
		Threads:        threads,
		WorkDir:        base,
		ReportInterval: time.Millisecond,
	})
	return p, harness{runner: runner, base: base}
}

// run drives one pipeline run against the fake server and checks that the
// conversation is still in sync and the working tree is gone afterwards.
func (h harness) run(t *testing.T, p *Pipeline, params model.Params, script serverScript) (model.Status, []proto.Report, error) {
	t.Helper()

	a, b := net.Pipe()
	nodeConn, serverConn := proto.NewConn(a), proto.NewConn(b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	results := fakeServer(serverConn, script)
	status, err := p.Run(context.Background(), nodeConn, proto.TestParams{ID: 1, Params: params})

	sentinel, rerr := proto.Recv[proto.Created](nodeConn)
	require.NoError(t, rerr, "conversation out of sync after the pipeline")
	require.Equal(t, int64(sentinelID), sentinel.ID)

	res := <-results
	require.NoError(t, res.err)

	entries, derr := os.ReadDir(h.base)
	require.NoError(t, derr)
	require.Empty(t, entries, "working tree must be removed")

	return status, res.reports, err
}

func TestPipelineStageFailures(t *testing.T) {
	tests := []struct {
		name       string
		fail       string
		noBinary   bool
		wantStatus model.Status
		wantCalls  int
	}{
		{name: "branch", fail: "clone", wantStatus: model.StatusErrBranch, wantCalls: 1},
		{name: "commit", fail: "reset", wantStatus: model.StatusErrCommit, wantCalls: 2},
		{name: "baseline build", fail: "make1", wantStatus: model.StatusErrMake, wantCalls: 3},
		{name: "baseline binary missing", noBinary: true, wantStatus: model.StatusErrMake, wantCalls: 3},
		{name: "patch", fail: "apply", wantStatus: model.StatusErrPatch, wantCalls: 4},
		{name: "patched build", fail: "make2", wantStatus: model.StatusErrMake, wantCalls: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{fail: map[string]bool{tt.fail: true}, noBinary: tt.noBinary}
			p, h := newHarness(t, runner, &weightedReferee{weights: [5]uint64{1, 1, 1, 1, 1}}, 1)

			status, reports, err := h.run(t, p, sprtParams(), serverScript{
				patch:   []byte("diff --git a/search.c b/search.c\n"),
				reports: true,
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, []proto.Report{{Status: tt.wantStatus}}, reports)
			require.Len(t, runner.calls, tt.wantCalls)
		})
	}
}

func TestPipelineDrainsPatchAfterFailedFetch(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"clone": true}}
	p, h := newHarness(t, runner, &weightedReferee{}, 1)

	patch := bytes.Repeat([]byte("+\tdepth++;\n"), 10000)
	status, reports, err := h.run(t, p, sprtParams(), serverScript{patch: patch, reports: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusErrBranch, status)
	require.Len(t, reports, 1)
	require.Nil(t, runner.applied)
}

func TestPipelinePatchStoreFailure(t *testing.T) {
	runner := &fakeRunner{blockPatch: true}
	p, h := newHarness(t, runner, &weightedReferee{}, 1)

	_, reports, err := h.run(t, p, sprtParams(), serverScript{patch: []byte("patch"), reports: false})
	require.ErrorIs(t, err, ErrResource)
	require.Empty(t, reports)
}

func TestPipelineStages(t *testing.T) {
	runner := &fakeRunner{}
	referee := &weightedReferee{weights: [5]uint64{50, 186, 500, 214, 50}}
	p, h := newHarness(t, runner, referee, 1)

	patch := []byte("diff --git a/eval.c b/eval.c\n")
	status, _, err := h.run(t, p, sprtParams(), serverScript{patch: patch, reports: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusH1, status)

	require.Equal(t, []string{
		"git clone --branch master --single-branch -- https://example.org/bitbit.git src",
		"git reset --hard HEAD",
		"make SIMD=avx2 bitbit",
		"git apply ../patch",
		"make SIMD=avx2 bitbit",
	}, runner.calls)
	require.Equal(t, patch, runner.applied)
}

func TestPipelineEmptyPatchSkipsApply(t *testing.T) {
	runner := &fakeRunner{}
	referee := &weightedReferee{weights: [5]uint64{50, 214, 500, 186, 50}}
	p, h := newHarness(t, runner, referee, 2)

	status, _, err := h.run(t, p, sprtParams(), serverScript{reports: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusH0, status)
	require.NotContains(t, runner.calls, "git apply ../patch")
}

func TestPipelineReachesH1NearElo1(t *testing.T) {
	referee := &weightedReferee{weights: [5]uint64{50, 186, 500, 214, 50}}
	p, h := newHarness(t, &fakeRunner{}, referee, 4)

	status, reports, err := h.run(t, p, sprtParams(), serverScript{patch: []byte("patch"), reports: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusH1, status)

	require.GreaterOrEqual(t, len(reports), 2)
	require.Equal(t, model.StatusRun, reports[0].Status)
	require.Zero(t, reports[0].Stats.Played())

	final := reports[len(reports)-1]
	require.Equal(t, model.StatusH1, final.Status)
	require.Less(t, final.Stats.Played(), uint64(40000))
	require.Greater(t, final.Stats.LLR, 0.0)
	require.Equal(t, referee.Played(), final.Stats.Pairs(), "every finished pair is counted")

	for _, r := range reports[:len(reports)-1] {
		require.Equal(t, model.StatusRun, r.Status)
	}
}

func fixedEloParams() model.Params {
	return model.Params{
		Type:     model.TypeFixedElo,
		MainTime: 10,
		EloE:     5,
		Games:    1 << 40,
		Branch:   "master",
		Commit:   "HEAD",
	}
}

func TestPipelineCancelled(t *testing.T) {
	t.Run("while playing", func(t *testing.T) {
		// draws only: the margin stays undefined and the test never ends by itself
		referee := &weightedReferee{weights: [5]uint64{0, 0, 1, 0, 0}, delay: time.Millisecond}
		p, h := newHarness(t, &fakeRunner{}, referee, 2)

		status, reports, err := h.run(t, p, fixedEloParams(), serverScript{patch: []byte("patch"), reports: true, stopAt: 2})
		require.NoError(t, err)
		require.Equal(t, model.StatusCancel, status)
		require.Len(t, reports, 3)

		final := reports[2]
		require.Equal(t, model.StatusCancel, final.Status)
		require.Equal(t, referee.Played(), final.Stats.Pairs())
		require.NotZero(t, final.Stats.Pairs())
	})

	t.Run("before the first game", func(t *testing.T) {
		referee := &weightedReferee{weights: [5]uint64{0, 0, 1, 0, 0}}
		p, h := newHarness(t, &fakeRunner{}, referee, 2)

		status, reports, err := h.run(t, p, fixedEloParams(), serverScript{patch: []byte("patch"), reports: true, stopAt: 1})
		require.NoError(t, err)
		require.Equal(t, model.StatusCancel, status)
		require.Len(t, reports, 2)
		require.Zero(t, referee.Played())
	})
}

func TestPipelineRunError(t *testing.T) {
	referee := &weightedReferee{weights: [5]uint64{1, 1, 1, 1, 1}, failAfter: 3}
	p, h := newHarness(t, &fakeRunner{}, referee, 1)

	status, reports, err := h.run(t, p, fixedEloParams(), serverScript{patch: []byte("patch"), reports: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusErrRun, status)

	final := reports[len(reports)-1]
	require.Equal(t, model.StatusErrRun, final.Status)
	require.Equal(t, uint64(3), final.Stats.Pairs(), "partial statistics are kept")
}

type countingReferee struct {
	inner    Referee
	finished atomic.Uint64
}

func (r *countingReferee) PlayPair(ctx context.Context) (sprt.Pair, error) {
	pair, err := r.inner.PlayPair(ctx)
	if err == nil {
		r.finished.Add(1)
	}
	return pair, err
}

func TestGamesStopAfterVerdict(t *testing.T) {
	referee := &countingReferee{inner: &weightedReferee{weights: [5]uint64{50, 186, 500, 214, 50}}}
	params := sprtParams()
	acc := sprt.NewAccumulator(params)

	games := StartGames(context.Background(), zerolog.Nop(), referee, acc, 8)
	snap, err := games.Wait()
	require.NoError(t, err)
	require.Equal(t, model.StatusH1, snap.Status)
	require.Equal(t, referee.finished.Load(), snap.Pairs(), "pairs finishing after the verdict are counted")

	// no new pairs after the workers exited
	require.Equal(t, snap, acc.Snapshot())
}

func TestGamesContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	referee := &weightedReferee{weights: [5]uint64{0, 0, 1, 0, 0}, delay: time.Millisecond}
	acc := sprt.NewAccumulator(fixedEloParams())

	games := StartGames(ctx, zerolog.Nop(), referee, acc, 2)
	time.Sleep(10 * time.Millisecond)
	cancel()

	_, err := games.Wait()
	require.ErrorIs(t, err, context.Canceled)
}
