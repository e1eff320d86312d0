package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cachesync/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Path: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := models.SearchResult{ID: "r1", Title: "root", Content: "c", Timestamp: 1}
	require.NoError(t, s.Save(ctx, root))

	got, ok, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "root", got.Title)
	require.Equal(t, "r1", got.RootID)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveAppendsParentStub(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := models.SearchResult{ID: "r1", RootID: "r1", Title: "root"}
	require.NoError(t, s.Save(ctx, root))

	reply := models.SearchResult{ID: "r2", RootID: "r1", ParentID: "r1", FollowUpQuery: "more"}
	require.NoError(t, s.Save(ctx, reply))
	// idempotent re-save should not duplicate the stub
	require.NoError(t, s.Save(ctx, reply))

	thread, err := s.GetThread(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, thread.Replies, 1)
	require.Equal(t, "r2", thread.Replies[0].ID)
}

func TestGetThreadExpandsNestedReplies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "a", RootID: "a", Title: "a"}))
	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "b", RootID: "a", ParentID: "a", Title: "b"}))
	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "c", RootID: "a", ParentID: "b", Title: "c"}))

	thread, err := s.GetThread(ctx, "a")
	require.NoError(t, err)
	require.Len(t, thread.Replies, 1)
	require.Equal(t, "b", thread.Replies[0].ID)
	require.Len(t, thread.Replies[0].Replies, 1)
	require.Equal(t, "c", thread.Replies[0].Replies[0].ID)
}

func TestExpiredEntryTreatedAsMissingButStubKept(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "root", RootID: "root"}))
	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "child", RootID: "root", ParentID: "root"}))

	// force expiry by rewriting created_at directly
	require.NoError(t, s.db.Model(&envelope{}).Where("id = ?", "child").
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	_, ok, err := s.Get(ctx, "child")
	require.NoError(t, err)
	require.False(t, ok)

	thread, err := s.GetThread(ctx, "root")
	require.NoError(t, err)
	require.Len(t, thread.Replies, 1)
	require.Equal(t, "child", thread.Replies[0].ID)
	require.Empty(t, thread.Replies[0].Content)
}

func TestHistoryBoundedToMaxEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < models.HistoryMaxEntries+5; i++ {
		item := models.SearchHistoryItem{
			Query:     "query-" + time.Now().Add(time.Duration(i)*time.Millisecond).String(),
			ResultID:  "r",
			Timestamp: int64(i),
		}
		require.NoError(t, s.AppendHistory(ctx, item))
	}

	hist, err := s.History(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hist), models.HistoryMaxEntries)
}

func TestHistoryDedupesByQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendHistory(ctx, models.SearchHistoryItem{Query: "q", ResultID: "r1", Timestamp: 1}))
	require.NoError(t, s.AppendHistory(ctx, models.SearchHistoryItem{Query: "q", ResultID: "r2", Timestamp: 2}))

	hist, err := s.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "r2", hist[0].ResultID)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, models.SearchResult{ID: "old", RootID: "old"}))
	require.NoError(t, s.db.Model(&envelope{}).Where("id = ?", "old").
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
