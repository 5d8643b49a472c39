package node

// This file contains the worker pool playing the games of one test.

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/testbit/testbit/sprt"
)

// Games plays game pairs on a fixed number of workers until the accumulator
// reaches a verdict, Stop is called, or a game fails. Stopping is
// cooperative: workers finish the pair they are playing and start no new
// one, and every finished pair is counted.
type Games struct {
	logger  zerolog.Logger
	referee Referee
	acc     *sprt.Accumulator

	stopOnce sync.Once
	stop     chan struct{}
	updates  chan struct{}
	done     chan struct{}
	err      error
}

// StartGames launches threads workers.
func StartGames(ctx context.Context, logger zerolog.Logger, referee Referee, acc *sprt.Accumulator, threads int) *Games {
	if threads < 1 {
		threads = 1
	}
	g := &Games{
		logger:  logger,
		referee: referee,
		acc:     acc,
		stop:    make(chan struct{}),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		i := i
		group.Go(func() error {
			return g.work(groupCtx, i)
		})
	}
	go func() {
		g.err = group.Wait()
		close(g.done)
	}()

	logger.Debug().Int("threads", threads).Msg("Started game workers")
	return g
}

func (g *Games) work(ctx context.Context, worker int) error {
	for {
		select {
		case <-g.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pair, err := g.referee.PlayPair(ctx)
		if err != nil {
			g.Stop()
			return fmt.Errorf("worker %d: %w", worker, err)
		}

		snap := g.acc.Add(pair)
		g.notify()
		if snap.Done() {
			g.Stop()
		}
	}
}

// notify marks the accumulator as changed. Pending updates are merged.
func (g *Games) notify() {
	select {
	case g.updates <- struct{}{}:
	default:
	}
}

// Stop asks the workers to finish their current pair and exit.
func (g *Games) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
}

// Updates signals that finished pairs were counted since the last receive.
func (g *Games) Updates() <-chan struct{} {
	return g.updates
}

// Done is closed once all workers have exited.
func (g *Games) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until all workers have exited and returns the final snapshot
// and the first game error.
func (g *Games) Wait() (sprt.Snapshot, error) {
	<-g.done
	return g.acc.Snapshot(), g.err
}
