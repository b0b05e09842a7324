package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2025, 9, 1, 2, 0, 0, 0, time.UTC)

func entry(id string, finished time.Time) Entry {
	return Entry{
		RunID:           id,
		StartedAt:       finished.Add(-time.Minute),
		FinishedAt:      finished,
		State:           "committed",
		Committed:       true,
		SnapshotVersion: 3,
		TotalRecords:    95,
		Outcomes: []Outcome{
			{Key: "2024_1", Status: "updated", Attempts: 1, Records: 55},
			{Key: "2023_1", Status: "failed", Attempts: 3, Error: "resolve 2023_1: no download after 1m0s"},
		},
	}
}

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	l, err := Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Record(entry("a", now.Add(-2*time.Hour))))
	require.NoError(t, l.Record(entry("b", now.Add(-time.Hour))))
	require.NoError(t, l.Close())

	l, err = Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].RunID)
	assert.Equal(t, entry("b", now.Add(-time.Hour)), got[0])

	got, err = l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenPrunesOldRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	l, err := Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Record(entry("old", now.Add(-31*24*time.Hour))))
	require.NoError(t, l.Record(entry("new", now.Add(-29*24*time.Hour))))
	require.NoError(t, l.Close())

	l, err = Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].RunID)
}

func TestConcurrentRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	l, err := Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(entry(fmt.Sprintf("run-%02d", i), now.Add(time.Duration(-i)*time.Minute))))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	l, err = Open(ctx, path, now, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, got, 50)
	assert.Equal(t, "run-00", got[0].RunID)
}

func TestRecordRejectsMissingRunID(t *testing.T) {
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), now, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Error(t, l.Record(Entry{}))
}

func TestOpenWithoutPath(t *testing.T) {
	_, err := Open(context.Background(), "", now, nil)
	assert.Error(t, err)
}
