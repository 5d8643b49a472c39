package cli

// This file contains the list and nodes commands.

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/model"
)

func (a *App) list(ctx *cli.Context) error {
	kind := proto.LogActive
	if ctx.Bool("done") {
		kind = proto.LogDone
	}
	limit := ctx.Int("limit")
	if limit < 0 {
		return fmt.Errorf("invalid limit %d", limit)
	}

	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(proto.RequestLogTest, proto.LogTest{Kind: kind, Limit: uint64(limit)}); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return err
	}
	list, err := proto.Recv[proto.TestList](conn)
	if err != nil {
		return err
	}

	if len(list.Tests) == 0 {
		if kind == proto.LogDone {
			fmt.Println("No finished tests")
		} else {
			fmt.Println("No active tests")
		}
		return nil
	}
	return displayTests(os.Stdout, list.Tests, time.Now())
}

func displayTests(out io.Writer, tests []model.Test, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tTC\tBRANCH\tGAMES\tLLR\tELO\tETA")
	for _, t := range tests {
		llr := "-"
		if t.Type == model.TypeSPRT && t.Started() {
			llr = fmt.Sprintf("%.2f", t.LLR)
		}
		elo := "-"
		if t.Started() {
			elo = formatElo(t.Elo, t.PM)
		}
		eta := "-"
		if t.Status == model.StatusRun {
			eta = formatETA(t, now)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID, t.Status.Label(), t.Type, t.TimeControl(), shortRef(t.Branch, t.Commit), t.Played(), llr, elo, eta)
	}
	return w.Flush()
}

func shortRef(branch, commit string) string {
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return branch + "@" + commit
}

func (a *App) nodes(ctx *cli.Context) error {
	conn, err := a.dialClient(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(proto.RequestNodeUpdate); err != nil {
		return err
	}
	if err := expectOK(conn); err != nil {
		return err
	}
	list, err := proto.Recv[proto.NodeList](conn)
	if err != nil {
		return err
	}

	if len(list.Nodes) == 0 {
		fmt.Println("No connected nodes")
		return nil
	}
	return displayNodes(os.Stdout, list.Nodes, time.Now())
}

func displayNodes(out io.Writer, nodes []proto.NodeStatus, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTHREADS\tTEST\tCONNECTED")
	for _, n := range nodes {
		test := "idle"
		if n.TestID != 0 {
			test = fmt.Sprintf("%d", n.TestID)
		}
		since := now.Sub(time.Unix(n.Since, 0)).Round(time.Second)
		fmt.Fprintf(w, "%s\t%d\t%s\t%s ago\n", n.Name, n.Threads, test, since)
	}
	return w.Flush()
}
