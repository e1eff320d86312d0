// Package graphdiag renders the Local Artifact Store's thread structure
// as a flat JSON edge-list for diagnostics and visualization. It never
// backs the GetThread read path, which stays flat-with-stubs.
package graphdiag

import (
	"context"
	"fmt"

	"github.com/searchmesh/cachesync/internal/store"
)

// Edge is one id -> parentId relation.
type Edge struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
}

// Snapshot is the full diagnostics payload for /api/diagnostics/entries.
type Snapshot struct {
	Edges []Edge `json:"edges"`
	Count int    `json:"count"`
}

// Export walks every entry in s and builds the edge-list snapshot.
func Export(ctx context.Context, s store.Store) (Snapshot, error) {
	entries, err := s.GetAllEntries(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("graphdiag: list entries: %w", err)
	}

	edges := make([]Edge, 0, len(entries))
	for _, e := range entries {
		edges = append(edges, Edge{ID: e.ID, ParentID: e.ParentID})
	}

	return Snapshot{Edges: edges, Count: len(edges)}, nil
}
