// Package store defines the Local Artifact Store contract: a
// content-addressed, page-local durable cache of SearchResult envelopes
// plus a bounded, deduplicated search history.
package store

import (
	"context"
	"time"

	"github.com/searchmesh/cachesync/pkg/models"
)

// TTL is the lazy-expiry window applied to entries on read. An entry
// older than TTL is treated as absent by Get, but its stub reference in
// a parent's reply list is never rewritten.
const TTL = 24 * time.Hour

// Store is the Local Artifact Store contract, implemented by
// internal/store/sqlite.Store.
type Store interface {
	// Get returns the envelope for id, or ok=false if it doesn't exist
	// or has expired under TTL.
	Get(ctx context.Context, id string) (models.SearchResult, bool, error)

	// Save writes a new envelope and, if it has a ParentID, appends a
	// ReplyStub to the parent's stub list in the same read-modify-write
	// cycle (idempotent: re-saving a reply already present is a no-op
	// on the parent).
	Save(ctx context.Context, result models.SearchResult) error

	// GetThread expands id into a full tree, walking stub references
	// with a visit-set so a cycle or repeated id can never loop forever.
	// An expired or missing reply stays in its parent's reply list as
	// an unexpandable leaf rather than being dropped.
	GetThread(ctx context.Context, id string) (models.SearchResult, error)

	// GetAllEntries lists every non-expired envelope, backing the
	// diagnostics export and the legacy sync fallback.
	GetAllEntries(ctx context.Context) ([]models.SearchResult, error)

	// AppendHistory records a query/result pair in the bounded,
	// deduplicated search history (most recent 50, newest first).
	AppendHistory(ctx context.Context, item models.SearchHistoryItem) error

	// History returns the current search history, most recent first.
	History(ctx context.Context) ([]models.SearchHistoryItem, error)

	// DeleteExpired removes envelopes whose TTL has elapsed. Used by the
	// janitor goroutine; Get's lazy-expiry contract does not depend on
	// this ever running.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
