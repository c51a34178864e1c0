package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/elonfeng/flowtrends/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func forumBundles(prefix string, n int) []source.Bundle {
	out := make([]source.Bundle, n)
	for i := range out {
		out[i] = source.Bundle{
			Source:   source.SourceForum,
			Label:    fmt.Sprintf("%s-%d", prefix, i),
			Platform: "n8n Forum",
			Metrics:  source.Metrics{"views": float64(i * 10), "replies": float64(i)},
		}
	}
	return out
}

func labels(bundles []source.Bundle) []string {
	out := make([]string, len(bundles))
	for i, b := range bundles {
		out[i] = b.Label
	}
	return out
}

func TestStore_ReplaceAndRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		commit, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("a", 3))
		require.NoError(t, err)
		assert.Equal(t, source.SourceForum, commit.Source)
		assert.Equal(t, 3, commit.Count)
		assert.NotEmpty(t, commit.BatchID)
		assert.False(t, commit.CommittedAt.IsZero())

		got, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"a-0", "a-1", "a-2"}, labels(got))

		for _, b := range got {
			assert.Equal(t, source.SourceForum, b.Source)
			assert.Equal(t, "n8n Forum", b.Platform)
			assert.Equal(t, commit.BatchID, b.BatchID)
			assert.False(t, b.CreatedAt.IsZero())
			assert.NotZero(t, b.ID)
		}
		assert.InDelta(t, 20.0, got[2].Metrics.Float("views"), 1e-9)
		assert.InDelta(t, 2.0, got[2].Metrics.Float("replies"), 1e-9)
	})
}

func TestStore_ReplaceDiscardsPreviousSnapshot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("old", 5))
		require.NoError(t, err)
		second, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("new", 2))
		require.NoError(t, err)

		got, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		assert.Equal(t, []string{"new-0", "new-1"}, labels(got))
		for _, b := range got {
			assert.Equal(t, second.BatchID, b.BatchID)
		}
	})
}

func TestStore_EmptyReplaceClearsSource(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("a", 2))
		require.NoError(t, err)
		_, err = s.ReplaceSource(ctx, source.SourceForum, nil)
		require.NoError(t, err)

		got, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStore_ReadBeforeAnyCommit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.ReadSource(ctx, source.SourceVideo)
		require.NoError(t, err)
		assert.Empty(t, got)

		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		for _, st := range source.AllSourceTypes() {
			assert.Contains(t, all, st)
			assert.Empty(t, all[st])
		}
	})
}

func TestStore_CrossSourceIsolation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("forum", 2))
		require.NoError(t, err)
		_, err = s.ReplaceSource(ctx, source.SourceTrend, []source.Bundle{
			{Label: "ai agents", Metrics: source.Metrics{"avg_interest": 10.0, "trend": "up"}},
		})
		require.NoError(t, err)
		_, err = s.ReplaceSource(ctx, source.SourceTrend, nil)
		require.NoError(t, err)

		forum, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		assert.Equal(t, []string{"forum-0", "forum-1"}, labels(forum))

		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all[source.SourceForum], 2)
		assert.Empty(t, all[source.SourceTrend])

		counts, err := s.CountBySource(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[source.SourceType]int{
			source.SourceTrend: 0,
			source.SourceForum: 2,
			source.SourceVideo: 0,
		}, counts)
	})
}

func TestStore_MalformedBatchLeavesSnapshotIntact(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("keep", 3))
		require.NoError(t, err)

		tests := []struct {
			name  string
			batch []source.Bundle
		}{
			{
				name:  "missing label",
				batch: append(forumBundles("new", 2), source.Bundle{Metrics: source.Metrics{}}),
			},
			{
				name:  "wrong source tag",
				batch: []source.Bundle{{Source: source.SourceVideo, Label: "x"}},
			},
			{
				name:  "unserialisable metrics",
				batch: []source.Bundle{{Label: "x", Metrics: source.Metrics{"views": math.NaN()}}},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := s.ReplaceSource(ctx, source.SourceForum, tt.batch)
				require.Error(t, err)
				assert.ErrorIs(t, err, source.ErrMalformedRecord)

				got, err := s.ReadSource(ctx, source.SourceForum)
				require.NoError(t, err)
				assert.Equal(t, []string{"keep-0", "keep-1", "keep-2"}, labels(got))
			})
		}
	})
}

func TestStore_InvalidSource(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, "podcast", nil)
		assert.ErrorIs(t, err, source.ErrInvalidSource)

		_, err = s.ReadSource(ctx, "podcast")
		assert.ErrorIs(t, err, source.ErrInvalidSource)
	})
}

func TestStore_TrendLabelOptional(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceTrend, []source.Bundle{{Metrics: nil}})
		require.NoError(t, err)

		got, err := s.ReadSource(ctx, source.SourceTrend)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].Label)
		assert.NotNil(t, got[0].Metrics)
		assert.Empty(t, got[0].Metrics)
	})
}

func TestStore_MetricsRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		in := source.Metrics{
			"avg_interest":    json.Number("42.5"),
			"latest_interest": json.Number("80"),
			"searches":        json.Number("9007199254740993"),
			"trend":           "up",
			"note":            "kept verbatim",
			"missing":         nil,
		}
		_, err := s.ReplaceSource(ctx, source.SourceTrend, []source.Bundle{{Label: "rag", Metrics: in}})
		require.NoError(t, err)

		got, err := s.ReadSource(ctx, source.SourceTrend)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, in, got[0].Metrics)

		n, ok := got[0].Metrics["searches"].(json.Number)
		require.True(t, ok)
		v, err := n.Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(9007199254740993), v)
	})
}

func TestSQLStore_IntegerMetricsReadBackExactly(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.ReplaceSource(ctx, source.SourceVideo, []source.Bundle{{
		Label:   "Email triage",
		Metrics: source.Metrics{"views": uint64(9007199254740993), "likes": 12},
	}})
	require.NoError(t, err)

	got, err := s.ReadSource(ctx, source.SourceVideo)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, json.Number("9007199254740993"), got[0].Metrics["views"])
	assert.Equal(t, json.Number("12"), got[0].Metrics["likes"])
	assert.InDelta(t, 12, got[0].Metrics.Float("likes"), 1e-9)
}

func TestDecodeMetrics(t *testing.T) {
	m, err := decodeMetrics(1, "null")
	require.NoError(t, err)
	assert.Equal(t, source.Metrics{}, m)

	_, err = decodeMetrics(2, `{"views": 1} {"views": 2}`)
	assert.ErrorIs(t, err, source.ErrMalformedRecord)

	_, err = decodeMetrics(3, `[1, 2]`)
	assert.ErrorIs(t, err, source.ErrMalformedRecord)
}

func TestStore_ReadersCannotMutateSnapshot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("a", 1))
		require.NoError(t, err)

		got, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		got[0].Label = "changed"
		got[0].Metrics["views"] = 1e9

		again, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		assert.Equal(t, "a-0", again[0].Label)
		assert.InDelta(t, 0.0, again[0].Metrics.Float("views"), 1e-9)
	})
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const size = 20

		_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("batch-0", size))
		require.NoError(t, err)

		var wg sync.WaitGroup
		done := make(chan struct{})
		errs := make(chan error, 16)

		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					got, err := s.ReadSource(ctx, source.SourceForum)
					if err != nil {
						errs <- err
						return
					}
					if len(got) != size {
						errs <- fmt.Errorf("partial snapshot: %d rows", len(got))
						return
					}
					for _, b := range got {
						if b.BatchID != got[0].BatchID {
							errs <- fmt.Errorf("mixed batches in one read")
							return
						}
					}
				}
			}()
		}

		// A concurrent writer on another source must not disturb forum readers.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				if _, err := s.ReplaceSource(ctx, source.SourceTrend, []source.Bundle{{Label: fmt.Sprint(i)}}); err != nil {
					errs <- err
					return
				}
			}
		}()

		for i := 1; i <= 10; i++ {
			_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles(fmt.Sprintf("batch-%d", i), size))
			require.NoError(t, err)
		}
		close(done)
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}

		got, err := s.ReadSource(ctx, source.SourceForum)
		require.NoError(t, err)
		assert.Equal(t, "batch-10-0", got[0].Label)
	})
}

func TestSQLStore_FailedInsertRollsBack(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("keep", 3))
	require.NoError(t, err)

	// Fail the insert of one record after the delete and earlier inserts ran.
	_, err = s.db.Exec(`
		CREATE TRIGGER reject_boom BEFORE INSERT ON workflow_trends
		WHEN NEW.label = 'boom'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;
	`)
	require.NoError(t, err)

	batch := append(forumBundles("new", 2), source.Bundle{Label: "boom"})
	_, err = s.ReplaceSource(ctx, source.SourceForum, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	got, err := s.ReadSource(ctx, source.SourceForum)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-0", "keep-1", "keep-2"}, labels(got))
}

func TestSQLStore_MalformedStoredPayload(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.ReplaceSource(ctx, source.SourceForum, forumBundles("a", 1))
	require.NoError(t, err)

	// Payloads written by older tooling may hold non-JSON expressions.
	_, err = s.db.Exec(`UPDATE workflow_trends SET metrics_json = '{''views'': 10}'`)
	require.NoError(t, err)

	_, err = s.ReadSource(ctx, source.SourceForum)
	assert.ErrorIs(t, err, source.ErrMalformedRecord)

	_, err = s.ReadAll(ctx)
	assert.ErrorIs(t, err, source.ErrMalformedRecord)
}

func TestSQLStore_ClosedStoreReportsPersistenceError(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err = s.ReplaceSource(ctx, source.SourceForum, forumBundles("a", 1))
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = s.ReadSource(ctx, source.SourceForum)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.ReplaceSource(context.Background(), source.SourceForum, forumBundles("a", 1))
	assert.ErrorIs(t, err, ErrPersistence)
	_, err = s.ReadAll(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestOpen(t *testing.T) {
	s, err := Open(Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Options{Path: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLStore{}, s)

	_, err = Open(Options{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(Options{Driver: "postgres"})
	assert.Error(t, err)
}
