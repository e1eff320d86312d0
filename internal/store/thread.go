package store

import (
	"context"

	"github.com/searchmesh/cachesync/pkg/models"
)

// ExpandThread walks root's reply stubs depth-first using fetch to
// resolve each id, guarding against cycles with a visit-set. It is the
// shared tree-assembly logic both the sqlite-backed store and any future
// backend can call from their GetThread implementation.
func ExpandThread(ctx context.Context, root models.SearchResult, fetch func(context.Context, string) (models.SearchResult, bool, error)) (models.SearchResult, error) {
	visited := map[string]bool{root.ID: true}
	return expand(ctx, root, fetch, visited)
}

func expand(ctx context.Context, node models.SearchResult, fetch func(context.Context, string) (models.SearchResult, bool, error), visited map[string]bool) (models.SearchResult, error) {
	stubs := stubsOf(node)
	node.Replies = nil

	for _, stub := range stubs {
		if visited[stub.ID] {
			continue
		}
		visited[stub.ID] = true

		child, ok, err := fetch(ctx, stub.ID)
		if err != nil {
			return node, err
		}
		if !ok {
			// Expired or missing: keep the stub as an unexpandable
			// leaf, never rewrite the parent's reference.
			node.Replies = append(node.Replies, models.SearchResult{
				ID:            stub.ID,
				FollowUpQuery: stub.FollowUpQuery,
			})
			continue
		}

		child, err = expand(ctx, child, fetch, visited)
		if err != nil {
			return node, err
		}
		node.Replies = append(node.Replies, child)
	}

	return node, nil
}

// stubsOf re-derives the reply stub list for node from its already
// expanded Replies (used when the caller has pre-populated Replies with
// just stub {id, followUpQuery} pairs before calling ExpandThread).
func stubsOf(node models.SearchResult) []models.ReplyStub {
	stubs := make([]models.ReplyStub, 0, len(node.Replies))
	for _, r := range node.Replies {
		stubs = append(stubs, models.ReplyStub{ID: r.ID, FollowUpQuery: r.FollowUpQuery})
	}
	return stubs
}
