package cli

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testbit/testbit/cli/node"
	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/sprt"
)

func TestParseTestID(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    int64
		wantErr bool
	}{
		{
			name: "plain ID",
			in:   []string{"12"},
			want: 12,
		},
		{
			name: "hash prefix",
			in:   []string{"#7"},
			want: 7,
		},
		{
			name:    "no arguments",
			in:      []string{},
			wantErr: true,
		},
		{
			name:    "two arguments",
			in:      []string{"1", "2"},
			wantErr: true,
		},
		{
			name:    "zero",
			in:      []string{"0"},
			wantErr: true,
		},
		{
			name:    "negative",
			in:      []string{"-1"},
			wantErr: true,
		},
		{
			name:    "not a number",
			in:      []string{"abc123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTestID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseTestID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseTestID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func runningTest(now time.Time) model.Test {
	_, upper := sprt.Bounds(0.05, 0.05)
	return model.Test{
		ID:     12,
		Status: model.StatusRun,
		Params: model.Params{
			Type:      model.TypeSPRT,
			MainTime:  10,
			Increment: 0.1,
			Alpha:     0.05,
			Beta:      0.05,
			Elo0:      0,
			Elo1:      5,
			Games:     100000,
			Branch:    "master",
			Commit:    "3f2a91c0d7e4b5a6",
		},
		Stats: model.Stats{
			T:   [3]uint64{4, 12, 4},
			P:   [5]uint64{0, 2, 6, 2, 0},
			LLR: upper / 2,
			Elo: 1.5,
			PM:  math.Inf(1),
		},
		QTime: now.Add(-time.Hour).Unix(),
		STime: now.Add(-100 * time.Second).Unix(),
	}
}

func TestFormatETA(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	t.Run("halfway to the bound", func(t *testing.T) {
		test := runningTest(now)
		want := fmt.Sprintf("%s (1m40s left)", now.Add(100*time.Second).Format("2006-01-02 15:04"))
		require.Equal(t, want, formatETA(test, now))
	})

	t.Run("no games", func(t *testing.T) {
		test := runningTest(now)
		test.Stats = model.Stats{}
		require.Equal(t, "unavailable", formatETA(test, now))
	})

	t.Run("undefined half-width", func(t *testing.T) {
		test := runningTest(now)
		test.Type = model.TypeFixedElo
		test.EloE = 3
		require.Equal(t, "unavailable", formatETA(test, now))
	})
}

func TestFormatElo(t *testing.T) {
	require.Equal(t, "+1.50", formatElo(1.5, math.Inf(1)))
	require.Equal(t, "-3.25 ± 4.10", formatElo(-3.25, 4.1))
}

func TestDisplayTest(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	t.Run("running", func(t *testing.T) {
		var out bytes.Buffer
		displayTest(&out, runningTest(now), now)
		text := out.String()

		require.True(t, strings.HasPrefix(text, "=== Test 12: Running ===\n"))
		require.Contains(t, text, "Type: sprt (elo0 0, elo1 5, alpha 0.05, beta 0.05)\n")
		require.Contains(t, text, "Time Control: 10+0.1\n")
		require.Contains(t, text, "Finished: -\n")
		require.Contains(t, text, "Games: 20 of 100000\n")
		require.Contains(t, text, "Pentanomial: 0 2 6 2 0\n")
		require.Contains(t, text, "LLR: 1.47 (-2.94, 2.94)\n")
		require.Contains(t, text, "ETA: ")
	})

	t.Run("queued", func(t *testing.T) {
		test := runningTest(now)
		test.Status = model.StatusQueue
		test.Stats = model.Stats{}
		test.STime = 0

		var out bytes.Buffer
		displayTest(&out, test, now)
		text := out.String()
		require.Contains(t, text, "=== Test 12: Pending ===")
		require.Contains(t, text, "Started: -\n")
		require.NotContains(t, text, "Games:")
	})

	t.Run("fixed elo verdict", func(t *testing.T) {
		test := runningTest(now)
		test.Type = model.TypeFixedElo
		test.EloE = 5
		test.Status = model.StatusElo
		test.PM = 4.5
		test.DTime = now.Unix()

		var out bytes.Buffer
		displayTest(&out, test, now)
		text := out.String()
		require.Contains(t, text, "=== Test 12: Done ===")
		require.Contains(t, text, "Type: elo (eloe 5)\n")
		require.Contains(t, text, "Elo: +1.50 ± 4.50\n")
		require.NotContains(t, text, "LLR:")
		require.NotContains(t, text, "ETA:")
	})
}

func TestDisplayTests(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	queued := runningTest(now)
	queued.ID = 13
	queued.Status = model.StatusQueue
	queued.Stats = model.Stats{}

	var out bytes.Buffer
	require.NoError(t, displayTests(&out, []model.Test{runningTest(now), queued}, now))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "master@3f2a91c0")
	require.Contains(t, lines[1], "1.47")
	require.Contains(t, lines[2], "Pending")
	require.Contains(t, lines[2], " - ")
}

func TestDisplayNodes(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	var out bytes.Buffer
	require.NoError(t, displayNodes(&out, []proto.NodeStatus{
		{Name: "alpha", Threads: 8, TestID: 12, Since: now.Add(-90 * time.Second).Unix()},
		{Name: "beta", Threads: 2, Since: now.Unix()},
	}, now))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"alpha", "8", "12", "1m30s", "ago"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"beta", "2", "idle", "0s", "ago"}, strings.Fields(lines[2]))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 1, ExitCode(errors.New("boom")))
	require.Equal(t, 3, ExitCode(fmt.Errorf("test 4: %w", node.ErrResource)))
	require.Equal(t, 5, ExitCode(fmt.Errorf("server answered: %w", node.ErrDenied)))
	require.Equal(t, 5, ExitCode(errDenied))
}
