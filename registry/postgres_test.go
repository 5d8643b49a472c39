//go:build integration

package registry

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testbit/testbit/model"
)

// TestPostgresStore runs against the database in TEST_DATABASE_URL.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.pool.Exec(ctx, `DELETE FROM tests`)
		store.Close()
	})
	_, err = store.pool.Exec(ctx, `DELETE FROM tests`)
	require.NoError(t, err)

	r, _ := newRegistry(t, store)
	id, err := r.Create(ctx, testParams(), []byte("patch"))
	require.NoError(t, err)
	_, _, err = r.Claim(ctx)
	require.NoError(t, err)

	stats := model.Stats{T: [3]uint64{3, 4, 5}, P: [5]uint64{0, 1, 2, 2, 1}, LLR: 0.3, Elo: 12, PM: 80}
	_, err = r.Report(ctx, id, model.StatusRun, stats)
	require.NoError(t, err)
	_, err = r.Report(ctx, id, model.StatusH1, stats)
	require.NoError(t, err)

	tests, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	require.Equal(t, model.StatusH1, tests[0].Status)
	require.Equal(t, stats, tests[0].Stats)
	require.Equal(t, testParams(), tests[0].Params)

	patch, err := store.Patch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("patch"), patch)

	_, err = store.Patch(ctx, id+1)
	require.ErrorIs(t, err, ErrNotFound)
}
