package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cachesync/pkg/models"
)

var errUnexpectedLLMCall = errors.New("llm should not have been called")

type memStore struct {
	entries map[string]models.SearchResult
	history []models.SearchHistoryItem
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]models.SearchResult{}}
}

func (m *memStore) Get(_ context.Context, id string) (models.SearchResult, bool, error) {
	r, ok := m.entries[id]
	return r, ok, nil
}
func (m *memStore) Save(_ context.Context, r models.SearchResult) error {
	m.entries[r.ID] = r
	if r.ParentID == "" {
		return nil
	}
	parent, ok := m.entries[r.ParentID]
	if !ok {
		return nil
	}
	for _, stub := range parent.Replies {
		if stub.ID == r.ID {
			return nil
		}
	}
	parent.Replies = append(parent.Replies, models.SearchResult{ID: r.Stub().ID, FollowUpQuery: r.Stub().FollowUpQuery})
	m.entries[r.ParentID] = parent
	return nil
}
func (m *memStore) GetThread(ctx context.Context, id string) (models.SearchResult, error) {
	r, _, _ := m.Get(ctx, id)
	return r, nil
}
func (m *memStore) GetAllEntries(context.Context) ([]models.SearchResult, error) { return nil, nil }
func (m *memStore) AppendHistory(_ context.Context, item models.SearchHistoryItem) error {
	m.history = append(m.history, item)
	return nil
}
func (m *memStore) History(context.Context) ([]models.SearchHistoryItem, error) { return m.history, nil }
func (m *memStore) DeleteExpired(context.Context, time.Time) (int64, error)     { return 0, nil }
func (m *memStore) Close() error                                                { return nil }

type noHitGateway struct{}

func (noHitGateway) Find(context.Context, string, string) (models.SearchResult, bool) {
	return models.SearchResult{}, false
}

type hitGateway struct{ result models.SearchResult }

func (g hitGateway) Find(context.Context, string, string) (models.SearchResult, bool) {
	return g.result, true
}

type fakeLLM struct {
	result models.SearchResult
	err    error
}

func (f fakeLLM) Complete(_ context.Context, id, query string, parent *models.SearchResult) (models.SearchResult, error) {
	if f.err != nil {
		return models.SearchResult{}, f.err
	}
	r := f.result
	r.ID = id
	if parent != nil {
		r.FollowUpQuery = query
	}
	return r, nil
}

func TestHandleRootQueryCachesByDeterministicID(t *testing.T) {
	s := newMemStore()
	o := &Orchestrator{Store: s, Similarity: noHitGateway{}, LLM: fakeLLM{result: models.SearchResult{Title: "answer"}}}

	first := o.Handle(context.Background(), "what is go", "")
	require.Equal(t, rootCacheID("what is go"), first.ID)

	second := o.Handle(context.Background(), "what is go", "")
	require.Equal(t, first.ID, second.ID)
	require.Len(t, s.history, 1) // second call hit LAS, never re-ran AppendHistory
}

func TestHandleUsesSimilarityHitOverLLM(t *testing.T) {
	s := newMemStore()
	o := &Orchestrator{
		Store:      s,
		Similarity: hitGateway{result: models.SearchResult{Title: "cached"}},
		LLM:        fakeLLM{err: errUnexpectedLLMCall},
	}

	result := o.Handle(context.Background(), "q", "")
	require.Equal(t, "cached", result.Title)
}

func TestHandleRepeatedFollowUpReturnsStoredReplyWithoutCallingLLM(t *testing.T) {
	s := newMemStore()
	llm := &fakeLLM{result: models.SearchResult{Title: "page two"}}
	o := &Orchestrator{Store: s, Similarity: noHitGateway{}, LLM: llm}

	root := o.Handle(context.Background(), "what is go", "")

	first := o.Handle(context.Background(), "pagination", root.ID)
	require.Equal(t, "pagination", first.FollowUpQuery)
	require.Equal(t, root.ID, first.ParentID)

	llm.err = errUnexpectedLLMCall
	second := o.Handle(context.Background(), "pagination", root.ID)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, s.entries[root.ID].Replies, 1) // no duplicate stub appended
}

func TestHandleFallsBackToErrorResultOnLLMFailure(t *testing.T) {
	s := newMemStore()
	o := &Orchestrator{
		Store:      s,
		Similarity: noHitGateway{},
		LLM:        fakeLLM{err: context.DeadlineExceeded},
	}

	result := o.Handle(context.Background(), "q", "")
	require.Equal(t, "Error", result.Category)
	require.Equal(t, 0, result.Confidence)
}
