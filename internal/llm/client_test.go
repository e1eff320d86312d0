package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cachesync/pkg/models"
)

func TestCompleteParsesSourcesLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"t","content":"answer body\nSources:\n- https://a\n- https://b"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	result, err := c.Complete(context.Background(), "id1", "query", nil)
	require.NoError(t, err)
	require.Equal(t, "answer body", result.Content)
	require.Equal(t, models.SourceList{"https://a", "https://b"}, result.Sources)
	require.Equal(t, "id1", result.RootID)
}

func TestCompleteSetsParentLineage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":"t","content":"c"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	parent := &models.SearchResult{ID: "p1", RootID: "root1", Content: "parent content"}
	result, err := c.Complete(context.Background(), "id2", "follow up", parent)
	require.NoError(t, err)
	require.Equal(t, "p1", result.ParentID)
	require.Equal(t, "root1", result.RootID)
	require.Equal(t, "follow up", result.FollowUpQuery)
}

func TestCompleteNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Complete(context.Background(), "id3", "q", nil)
	require.Error(t, err)
}

func TestBuildSystemPromptRootVsFollowUp(t *testing.T) {
	require.Equal(t, rootSystemPrompt, BuildSystemPrompt(nil))

	parent := &models.SearchResult{Content: "some prior answer content"}
	got := BuildSystemPrompt(parent)
	require.Contains(t, got, "some prior answer content")
	require.NotEqual(t, rootSystemPrompt, got)
}

func TestExcerptTruncatesTo200Chars(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := excerpt(string(long), ParentExcerptLen)
	require.Len(t, got, ParentExcerptLen)
}
