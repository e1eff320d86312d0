// Package synccore holds the error taxonomy and the page->worker submit
// call shared across the cache-sync subsystems.
package synccore

import "errors"

// Sentinel errors covering the taxonomy of spec.md §7. A boundary that
// classifies a failure wraps one of these; other failures are returned
// as wrapped driver or HTTP errors.
var (
	// ErrCacheMiss means the Similarity Cache Gateway found no entry,
	// either a genuine miss or a collapsed CACHE-404.
	ErrCacheMiss = errors.New("synccore: cache miss")

	// ErrCacheUnavailable covers CACHE-500: the similarity store itself
	// failed, not merely an empty result.
	ErrCacheUnavailable = errors.New("synccore: cache unavailable")

	// ErrWebhookRejected means a POST was refused with a non-2xx status.
	// Submitter returns it when the worker's magic path answers non-2xx;
	// the similarity gateway logs its WEBHOOK-500 code without it.
	ErrWebhookRejected = errors.New("synccore: webhook rejected")

	// ErrLLMTimeout means the Search Orchestrator's LLM call exceeded
	// its deadline.
	ErrLLMTimeout = errors.New("synccore: llm timeout")

	// ErrHandshakeTimeout means the page never observed a PONG/
	// CLIENT_READY within the expected window.
	ErrHandshakeTimeout = errors.New("synccore: handshake timeout")

	// ErrQueueExpired means a queued submission exceeded its 24h
	// retention window and was dropped rather than redelivered.
	ErrQueueExpired = errors.New("synccore: queue entry expired")
)
