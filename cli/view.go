package cli

// This file contains the log and patch commands for displaying a single
// test.

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
	"github.com/testbit/testbit/sprt"
)

func (a *App) view(ctx *cli.Context) error {
	id, err := parseTestID(ctx.Args().Slice())
	if err != nil {
		return err
	}

	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(proto.RequestLogTest, proto.LogTest{Kind: proto.LogSingle, ID: id}); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return fmt.Errorf("no test with ID %d: %w", id, err)
	}
	record, err := proto.Recv[proto.TestRecord](conn)
	if err != nil {
		return err
	}

	displayTest(os.Stdout, record.Test, time.Now())
	return nil
}

func (a *App) patch(ctx *cli.Context) error {
	id, err := parseTestID(ctx.Args().Slice())
	if err != nil {
		return err
	}

	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(proto.RequestPatch, proto.PatchRequest{ID: id}); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return fmt.Errorf("no test with ID %d: %w", id, err)
	}
	var patch bytes.Buffer
	if _, err := conn.RecvFile(&patch, model.MaxPatchSize); err != nil {
		return err
	}
	if patch.Len() == 0 {
		fmt.Fprintln(os.Stderr, "Empty patch")
		return nil
	}
	_, err = patch.WriteTo(os.Stdout)
	return err
}

func displayTest(w io.Writer, t model.Test, now time.Time) {
	fmt.Fprintf(w, "=== Test %d: %s ===\n", t.ID, t.Status.Label())
	fmt.Fprintf(w, "Type: %s\n", describeType(t.Params))
	fmt.Fprintf(w, "Time Control: %s\n", t.TimeControl())
	fmt.Fprintf(w, "Branch: %s\n", t.Branch)
	fmt.Fprintf(w, "Commit: %s\n", t.Commit)
	fmt.Fprintf(w, "Queued: %s\n", formatTime(t.QTime))
	fmt.Fprintf(w, "Started: %s\n", formatTime(t.STime))
	fmt.Fprintf(w, "Finished: %s\n", formatTime(t.DTime))
	fmt.Fprintln(w)

	if !t.Started() {
		return
	}
	fmt.Fprintf(w, "Games: %d of %d\n", t.Played(), t.Games)
	fmt.Fprintf(w, "Trinomial (L/D/W): %d / %d / %d\n", t.T[0], t.T[1], t.T[2])
	fmt.Fprintf(w, "Pentanomial: %d %d %d %d %d\n", t.P[0], t.P[1], t.P[2], t.P[3], t.P[4])
	if t.Type == model.TypeSPRT {
		lower, upper := sprt.Bounds(t.Alpha, t.Beta)
		fmt.Fprintf(w, "LLR: %.2f (%.2f, %.2f)\n", t.LLR, lower, upper)
	}
	fmt.Fprintf(w, "Elo: %s\n", formatElo(t.Elo, t.PM))
	if t.Status == model.StatusRun {
		fmt.Fprintf(w, "ETA: %s\n", formatETA(t, now))
	}
}

func describeType(p model.Params) string {
	if p.Type == model.TypeFixedElo {
		return fmt.Sprintf("elo (eloe %g)", p.EloE)
	}
	return fmt.Sprintf("sprt (elo0 %g, elo1 %g, alpha %g, beta %g)", p.Elo0, p.Elo1, p.Alpha, p.Beta)
}

func formatTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}

func formatElo(elo, pm float64) string {
	if math.IsInf(pm, 0) || math.IsNaN(pm) {
		return fmt.Sprintf("%+.2f", elo)
	}
	return fmt.Sprintf("%+.2f ± %.2f", elo, pm)
}

// formatETA renders the advisory completion estimate of a running test.
func formatETA(t model.Test, now time.Time) string {
	p, ok := sprt.ETA(&t, now)
	if !ok {
		return "unavailable"
	}
	return fmt.Sprintf("%s (%s left)", p.Completion.Format("2006-01-02 15:04"), p.Remaining.Round(time.Second))
}
