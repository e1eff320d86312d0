// Package orchestrator implements the Search Orchestrator: the
// LAS -> SCG -> LLM cascade that answers a query and, on completion,
// persists the result and hands it off to the Background Sync Engine
// without waiting for the handoff.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/searchmesh/cachesync/internal/lifecycle"
	"github.com/searchmesh/cachesync/internal/store"
	"github.com/searchmesh/cachesync/internal/telemetry"
	"github.com/searchmesh/cachesync/pkg/models"
)

// SimilarityGateway is the subset of internal/similarity.Gateway the
// orchestrator depends on.
type SimilarityGateway interface {
	Find(ctx context.Context, query, userID string) (models.SearchResult, bool)
}

// LLMClient is the subset of internal/llm.Client the orchestrator
// depends on.
type LLMClient interface {
	Complete(ctx context.Context, id, query string, parent *models.SearchResult) (models.SearchResult, error)
}

// Orchestrator wires LAS, SCG, and the LLM into the cascade spec.md
// §4.5 describes.
type Orchestrator struct {
	Store      store.Store
	Similarity SimilarityGateway
	LLM        LLMClient
	// Lifecycle gates the sync handoff on the WLH ready signal: a Send
	// issued before the worker has answered a PING with a PONG buffers on
	// the page-side event bus and is replayed, in order, once it resolves.
	// May be nil in tests that don't exercise the sync handoff.
	Lifecycle   *lifecycle.Lifecycle
	Fingerprint models.FingerprintId
	Metrics     *telemetry.Metrics // may be nil: metrics are optional
}

// Handle answers query, optionally as a follow-up to parentID. For a
// root query (no parentID) the cascade first checks LAS under the
// query's deterministic cache key, then the Similarity Cache Gateway,
// then finally the LLM. Follow-up queries skip the LAS cache-key check
// (each follow-up produces a distinct id); instead the parent's reply
// stubs are scanned for one with the same follow-up query, and only if
// none is stored does the lookup go on to SCG then the LLM. A newly
// produced result is always persisted and a sync handed off, even on
// the LLM-timeout fallback path.
func (o *Orchestrator) Handle(ctx context.Context, query, parentID string) models.SearchResult {
	var parent *models.SearchResult
	if parentID != "" {
		if p, ok, err := o.Store.Get(ctx, parentID); err == nil && ok {
			parent = &p
		}
	}

	if parent == nil {
		rootID := rootCacheID(query)
		if existing, ok, err := o.Store.Get(ctx, rootID); err == nil && ok {
			return existing
		}
	} else if existing, ok := o.existingReply(ctx, *parent, query); ok {
		return existing
	}

	id := newResultID()
	if parent == nil {
		id = rootCacheID(query)
	}

	var cached models.SearchResult
	var hit bool
	if o.Similarity != nil {
		cached, hit = o.Similarity.Find(ctx, query, string(o.Fingerprint))
	}
	if hit {
		cached.ID = id
		if parent != nil {
			cached.ParentID = parent.ID
			cached.RootID = parent.RootID
			cached.FollowUpQuery = query
		} else {
			cached.RootID = cached.ID
		}
		o.finish(ctx, query, cached)
		return cached
	}

	result, err := o.LLM.Complete(ctx, id, query, parent)
	if o.Metrics != nil {
		o.Metrics.RecordLLMCall(ctx, err)
	}
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("orchestrator: llm call failed, returning error result")
		result = models.ErrorResult(id, fmt.Sprintf("search failed: %v", err))
		if parent != nil {
			result.ParentID = parent.ID
			result.RootID = parent.RootID
		}
		// An error result is still persisted and synced: the page must
		// be able to retry against the same thread position later.
	} else if parent != nil {
		result.ParentID = parent.ID
		result.RootID = parent.RootID
		result.FollowUpQuery = query
	} else {
		result.RootID = result.ID
	}

	o.finish(ctx, query, result)
	return result
}

// existingReply reports whether parent already has a reply whose
// FollowUpQuery matches query, per spec.md §4.5 step 2: repeating the
// same follow-up must return the stored reply rather than calling the
// LLM and appending a duplicate stub. parent.Replies holds stubs only
// ({id, followUpQuery}), so a match is re-fetched in full from the
// store.
func (o *Orchestrator) existingReply(ctx context.Context, parent models.SearchResult, query string) (models.SearchResult, bool) {
	for _, stub := range parent.Replies {
		if stub.FollowUpQuery != query {
			continue
		}
		if existing, ok, err := o.Store.Get(ctx, stub.ID); err == nil && ok {
			return existing, true
		}
		return models.SearchResult{}, false
	}
	return models.SearchResult{}, false
}

// rootCacheID derives a stable artifact id for a root query from its
// deterministic cache key, so identical root queries reuse the same
// LAS entry instead of minting a new one each time.
func rootCacheID(query string) string {
	return fmt.Sprintf("root-%d", CacheKey(query))
}

func (o *Orchestrator) finish(ctx context.Context, query string, result models.SearchResult) {
	if err := o.Store.Save(ctx, result); err != nil {
		log.Error().Err(err).Str("id", result.ID).Msg("orchestrator: save failed")
	}

	if err := o.Store.AppendHistory(ctx, models.SearchHistoryItem{
		Query:     query,
		ResultID:  result.ID,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		log.Warn().Err(err).Msg("orchestrator: history append failed")
	}

	if o.Lifecycle != nil {
		o.Lifecycle.Send(lifecycle.Event{
			Type: "SYNC_SUBMIT",
			Payload: models.SyncSubmission{
				ID:            uuid.NewString(),
				FingerprintID: string(o.Fingerprint),
				Query:         query,
				Result:        result,
				EnqueuedAt:    time.Now().UnixMilli(),
			},
		})
	}
}

func newResultID() string {
	return uuid.NewString()
}
