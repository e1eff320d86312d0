package similarity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cachesync/pkg/models"
)

type fakeIngress struct {
	mu         sync.Mutex
	submits    int
	polls      int
	hitOnPoll  int // poll attempt index (0-based) that returns a hit, -1 for never
	submitErr  error
	pollErr    error
	result     models.SearchResult
}

func (f *fakeIngress) Submit(ctx context.Context, queryHash, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.submitErr
}

func (f *fakeIngress) Poll(ctx context.Context, queryHash, userID string) (models.SearchResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := f.polls
	f.polls++
	if f.pollErr != nil {
		return models.SearchResult{}, false, f.pollErr
	}
	if f.hitOnPoll >= 0 && attempt == f.hitOnPoll {
		return f.result, true, nil
	}
	return models.SearchResult{}, false, nil
}

func noSleep(time.Duration) {}

func TestFindHitsOnFirstPoll(t *testing.T) {
	ing := &fakeIngress{hitOnPoll: 0, result: models.SearchResult{ID: "hit"}}
	g := NewGateway(ing, nil)
	g.sleep = noSleep

	result, ok := g.Find(context.Background(), "query", "user")
	require.True(t, ok)
	require.Equal(t, "hit", result.ID)
	require.Equal(t, 1, ing.polls)
}

func TestFindExhaustsAttemptsAndMisses(t *testing.T) {
	ing := &fakeIngress{hitOnPoll: -1}
	g := NewGateway(ing, nil)
	g.sleep = noSleep

	_, ok := g.Find(context.Background(), "query", "user")
	require.False(t, ok)
	require.Equal(t, MaxAttempts, ing.polls)
}

type fakeFallback struct {
	result models.SearchResult
	hit    bool
}

func (f *fakeFallback) Nearest(ctx context.Context, query, userID string) (models.SearchResult, bool, error) {
	return f.result, f.hit, nil
}

func TestFindFallsThroughToTierTwo(t *testing.T) {
	ing := &fakeIngress{hitOnPoll: -1}
	fb := &fakeFallback{result: models.SearchResult{ID: "tier2"}, hit: true}
	g := NewGateway(ing, fb)
	g.sleep = noSleep

	result, ok := g.Find(context.Background(), "query", "user")
	require.True(t, ok)
	require.Equal(t, "tier2", result.ID)
}

func TestFindCoalescesConcurrentLookups(t *testing.T) {
	ing := &fakeIngress{hitOnPoll: 2, result: models.SearchResult{ID: "shared"}}
	g := NewGateway(ing, nil)
	// Hold the in-flight lookup in its first backoff until every caller
	// has had time to join it.
	release := make(chan struct{})
	g.sleep = func(time.Duration) { <-release }

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := g.Find(context.Background(), "same-query", "same-user")
			results[i] = ok
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, ok := range results {
		require.True(t, ok)
	}
	// singleflight should coalesce all five into a single submit.
	require.Equal(t, 1, ing.submits)
}
