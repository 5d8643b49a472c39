package registry

// Package registry holds the authoritative set of tests. Every mutation is
// serialized by one lock, persisted to the backing store before it becomes
// visible, and published to the notifier afterwards.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/testbit/testbit/model"
)

var (
	// ErrNotFound is returned for unknown test ids.
	ErrNotFound = errors.New("test not found")
	// ErrTerminal is returned when a finished test would be modified.
	ErrTerminal = errors.New("test already finished")
	// ErrTransition is returned for a status change the lifecycle forbids.
	ErrTransition = errors.New("invalid status transition")
	// ErrNoneAvailable is returned by Claim when no test is queued.
	ErrNoneAvailable = errors.New("no queued test")
)

// Filter selects the tests returned by List.
type Filter uint8

const (
	// Active selects queued and running tests, oldest first.
	Active Filter = iota
	// Done selects finished tests, most recently finished first.
	Done
)

// Registry owns all tests of a server.
type Registry struct {
	logger   zerolog.Logger
	store    Store
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	tests  map[int64]*model.Test
	nextID int64
	// closed and replaced whenever a test is queued
	queued chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier publishes every record change to n.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New loads all tests from store. Tests that were running when the previous
// server stopped have lost their node and are queued again.
func New(ctx context.Context, logger zerolog.Logger, store Store, opts ...Option) (*Registry, error) {
	r := &Registry{
		logger:   logger,
		store:    store,
		notifier: nopNotifier{},
		now:      time.Now,
		tests:    make(map[int64]*model.Test),
		nextID:   1,
		queued:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	tests, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tests: %w", err)
	}

	for _, t := range tests {
		t := t
		if t.Status == model.StatusRun {
			requeue(&t)
			if err := store.Update(ctx, t); err != nil {
				return nil, fmt.Errorf("failed to requeue test %d: %w", t.ID, err)
			}
			r.logger.Info().Int64("id", t.ID).Msg("Requeued interrupted test")
		}
		r.tests[t.ID] = &t
		if t.ID >= r.nextID {
			r.nextID = t.ID + 1
		}
	}

	if ids, ok := store.(idReserver); ok {
		max, err := ids.MaxID(ctx)
		if err != nil {
			return nil, err
		}
		if max >= r.nextID {
			r.nextID = max + 1
		}
	}

	r.logger.Debug().Int("tests", len(r.tests)).Int64("next_id", r.nextID).Msg("Loaded registry")
	return r, nil
}

// Create validates params and queues a new test with its patch.
func (r *Registry) Create(ctx context.Context, params model.Params, patch []byte) (int64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	if len(patch) > model.MaxPatchSize {
		return 0, fmt.Errorf("patch of %d bytes exceeds %d bytes", len(patch), model.MaxPatchSize)
	}

	r.mu.Lock()
	t := model.Test{
		ID:     r.nextID,
		Status: model.StatusQueue,
		Params: params,
		QTime:  r.now().Unix(),
	}
	if err := r.store.Create(ctx, t, patch); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to store test: %w", err)
	}
	r.tests[t.ID] = &t
	r.nextID++
	r.signalQueued()
	r.mu.Unlock()

	r.logger.Info().Int64("id", t.ID).Str("type", t.Type.String()).Str("branch", t.Branch).Str("commit", t.Commit).Msg("Queued test")
	r.publish(ctx, t)
	return t.ID, nil
}

// Claim atomically takes the oldest queued test and marks it running. Two
// concurrent claims never return the same test.
func (r *Registry) Claim(ctx context.Context) (model.Test, []byte, error) {
	r.mu.Lock()
	t := r.oldestQueued()
	if t == nil {
		r.mu.Unlock()
		return model.Test{}, nil, ErrNoneAvailable
	}

	patch, err := r.store.Patch(ctx, t.ID)
	if err != nil {
		r.mu.Unlock()
		return model.Test{}, nil, fmt.Errorf("failed to load patch of test %d: %w", t.ID, err)
	}

	next := *t
	next.Status = model.StatusRun
	if err := r.commit(ctx, t, next); err != nil {
		r.mu.Unlock()
		return model.Test{}, nil, err
	}
	r.mu.Unlock()

	r.publish(ctx, next)
	return next, patch, nil
}

// Report applies a progress or final report from the node running a test
// and returns the updated record. A report for a finished test fails with
// ErrTerminal; the node is expected to stop.
func (r *Registry) Report(ctx context.Context, id int64, status model.Status, stats model.Stats) (model.Test, error) {
	r.mu.Lock()
	t, ok := r.tests[id]
	if !ok {
		r.mu.Unlock()
		return model.Test{}, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		current := *t
		r.mu.Unlock()
		return current, fmt.Errorf("test %d is %s: %w", id, t.Status, ErrTerminal)
	}
	if t.Status != model.StatusRun || status == model.StatusQueue || !t.Status.CanTransitionTo(status) {
		r.mu.Unlock()
		return model.Test{}, fmt.Errorf("test %d from %s to %s: %w", id, t.Status, status, ErrTransition)
	}

	next := *t
	next.Status = status
	if status.CarriesStats() {
		next.Stats = stats
	}
	if status == model.StatusRun && next.STime == 0 {
		next.STime = r.now().Unix()
	}
	if status.IsTerminal() {
		next.DTime = r.now().Unix()
	}
	if err := r.commit(ctx, t, next); err != nil {
		r.mu.Unlock()
		return model.Test{}, err
	}
	r.mu.Unlock()

	if status.IsTerminal() {
		r.logger.Info().Int64("id", id).Str("status", status.String()).Uint64("games", next.Played()).Msg("Test finished")
	}
	r.publish(ctx, next)
	return next, nil
}

// Release returns a running test whose node was lost to the queue. Its
// progress is discarded since the games will be replayed from scratch.
func (r *Registry) Release(ctx context.Context, id int64) error {
	r.mu.Lock()
	t, ok := r.tests[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	if t.Status != model.StatusRun {
		r.mu.Unlock()
		return nil
	}

	next := *t
	requeue(&next)
	if err := r.commit(ctx, t, next); err != nil {
		r.mu.Unlock()
		return err
	}
	r.signalQueued()
	r.mu.Unlock()

	r.logger.Warn().Int64("id", id).Msg("Requeued test of lost node")
	r.publish(ctx, next)
	return nil
}

// Cancel moves a queued or running test to Cancel.
func (r *Registry) Cancel(ctx context.Context, id int64) error {
	r.mu.Lock()
	t, ok := r.tests[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("test %d is %s: %w", id, t.Status, ErrTerminal)
	}

	next := *t
	next.Status = model.StatusCancel
	next.DTime = r.now().Unix()
	if err := r.commit(ctx, t, next); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.logger.Info().Int64("id", id).Msg("Cancelled test")
	r.publish(ctx, next)
	return nil
}

// Get returns a copy of one test.
func (r *Registry) Get(id int64) (model.Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tests[id]
	if !ok {
		return model.Test{}, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	return *t, nil
}

// List returns copies of the tests selected by filter. A limit of zero
// returns all of them.
func (r *Registry) List(filter Filter, limit int) []model.Test {
	r.mu.Lock()
	var tests []model.Test
	for _, t := range r.tests {
		if t.Status.IsTerminal() == (filter == Done) {
			tests = append(tests, *t)
		}
	}
	r.mu.Unlock()

	if filter == Done {
		sort.Slice(tests, func(i, j int) bool {
			if tests[i].DTime != tests[j].DTime {
				return tests[i].DTime > tests[j].DTime
			}
			return tests[i].ID > tests[j].ID
		})
	} else {
		sort.Slice(tests, func(i, j int) bool {
			return tests[i].ID < tests[j].ID
		})
	}

	if limit > 0 && len(tests) > limit {
		tests = tests[:limit]
	}
	return tests
}

// Patch returns the patch of a test.
func (r *Registry) Patch(ctx context.Context, id int64) ([]byte, error) {
	r.mu.Lock()
	_, ok := r.tests[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	return r.store.Patch(ctx, id)
}

// Wait blocks until a queued test may be available or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.oldestQueued() != nil {
		r.mu.Unlock()
		return nil
	}
	queued := r.queued
	r.mu.Unlock()

	select {
	case <-queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit persists next and replaces the in-memory record. Callers hold mu.
func (r *Registry) commit(ctx context.Context, t *model.Test, next model.Test) error {
	if err := r.store.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to store test %d: %w", next.ID, err)
	}
	*t = next
	return nil
}

func (r *Registry) oldestQueued() *model.Test {
	var oldest *model.Test
	for _, t := range r.tests {
		if t.Status == model.StatusQueue && (oldest == nil || t.ID < oldest.ID) {
			oldest = t
		}
	}
	return oldest
}

func (r *Registry) signalQueued() {
	close(r.queued)
	r.queued = make(chan struct{})
}

func (r *Registry) publish(ctx context.Context, t model.Test) {
	if err := r.notifier.Publish(ctx, t); err != nil {
		r.logger.Warn().Err(err).Int64("id", t.ID).Msg("Failed to publish test update")
	}
}

func requeue(t *model.Test) {
	t.Status = model.StatusQueue
	t.Stats = model.Stats{}
	t.STime = 0
}
