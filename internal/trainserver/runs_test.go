package trainserver

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunStore_Lifecycle(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	run, err := store.Start("GridWorld", "Sarsa", map[string]any{"nEpisodes": 10}, 10)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, RunRunning, run.Status)

	clock = clock.Add(time.Minute)
	require.NoError(t, store.Finish(run.ID, RunCompleted, 10))

	got, err := store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "GridWorld", got.Problem)
	assert.Equal(t, "Sarsa", got.Algorithm)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, 10, got.Episodes)
	assert.Equal(t, 10, got.NEpisodes)
	assert.JSONEq(t, `{"nEpisodes":10}`, string(got.Params))
	assert.True(t, got.StartedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(clock))
}

func TestRunStore_ListMostRecentFirst(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := store.Start("MountainCar", "RoundingSarsa", nil, 5)
		require.NoError(t, err)
		ids = append(ids, run.ID)
		clock = clock.Add(1500 * time.Millisecond)
	}

	runs, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = store.List(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunStore_GetUnknown(t *testing.T) {
	store := NewRunStore(newTestDB(t))

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRunStore_MarkAbandoned(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	a, err := store.Start("GridWorld", "Sarsa", nil, 5)
	require.NoError(t, err)
	b, err := store.Start("GridWorld", "Sarsa", nil, 5)
	require.NoError(t, err)
	require.NoError(t, store.Finish(b.ID, RunCompleted, 5))

	n, err := store.MarkAbandoned()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
}
