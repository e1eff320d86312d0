// Package similarity implements the Similarity Cache Gateway: a
// SHA-512 query hash POSTed to a similarity ingress, polled with
// exponential backoff, with concurrent identical lookups coalesced.
package similarity

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/searchmesh/cachesync/internal/synccore"
	"github.com/searchmesh/cachesync/internal/telemetry"
	"github.com/searchmesh/cachesync/pkg/models"
)

// MaxAttempts is the number of poll attempts (0..4) before the lookup
// is abandoned as a miss, per spec.md §4.2.
const MaxAttempts = 5

// BackoffBase is the base of the 1s*2^attempt poll backoff schedule.
const BackoffBase = 1 * time.Second

// Ingress posts a query hash to the similarity ingress and polls the
// cache relations for a result. Implemented by internal/similarity/remote.Client.
type Ingress interface {
	Submit(ctx context.Context, queryHash, userID string) error
	Poll(ctx context.Context, queryHash, userID string) (models.SearchResult, bool, error)
}

// VectorFallback is the supplemented tier-2 cosine-similarity lookup,
// consulted only after tier 1 exhausts MaxAttempts with no hit.
type VectorFallback interface {
	Nearest(ctx context.Context, query string, userID string) (models.SearchResult, bool, error)
}

// Gateway is the Similarity Cache Gateway.
type Gateway struct {
	Ingress  Ingress
	Fallback VectorFallback // may be nil: tier 2 is optional
	Metrics  *telemetry.Metrics // may be nil: metrics are optional

	group singleflight.Group
	sleep func(time.Duration)
}

// NewGateway builds a Gateway backed by ingress, with an optional
// vector fallback.
func NewGateway(ingress Ingress, fallback VectorFallback) *Gateway {
	return &Gateway{Ingress: ingress, Fallback: fallback, sleep: time.Sleep}
}

// QueryHash computes the SHA-512 hex digest spec.md §4.2 specifies for
// the ingress submission.
func QueryHash(query string) string {
	sum := sha512.Sum512([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Find looks up query for userID: submits the hash, then polls with
// 1s*2^attempt backoff across MaxAttempts tries. Concurrent identical
// (query, userID) lookups are coalesced onto one poll loop. Every
// failure mode in the taxonomy collapses to a plain cache miss here;
// callers never see CACHE-404/CACHE-500/WEBHOOK-500 directly.
func (g *Gateway) Find(ctx context.Context, query, userID string) (models.SearchResult, bool) {
	hash := QueryHash(query)
	key := hash + "|" + userID

	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.findOnce(ctx, hash, userID, query)
	})
	if err != nil {
		if g.Metrics != nil {
			g.Metrics.RecordSimilarityAttempt(ctx, false)
		}
		return models.SearchResult{}, false
	}
	result := v.(models.SearchResult)
	hit := result.ID != ""
	if g.Metrics != nil {
		g.Metrics.RecordSimilarityAttempt(ctx, hit)
	}
	return result, hit
}

func (g *Gateway) findOnce(ctx context.Context, hash, userID, query string) (models.SearchResult, error) {
	if err := g.Ingress.Submit(ctx, hash, userID); err != nil {
		log.Debug().Err(err).Str("code", "WEBHOOK-500").Msg("similarity: ingress submit rejected")
		return g.tierTwo(ctx, query, userID)
	}

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		result, hit, err := g.Ingress.Poll(ctx, hash, userID)
		if err != nil {
			log.Debug().Err(err).Str("code", "CACHE-500").Int("attempt", attempt).Msg("similarity: poll failed")
			return g.tierTwo(ctx, query, userID)
		}
		if hit {
			return result, nil
		}

		if attempt < MaxAttempts-1 {
			g.sleep(BackoffBase << attempt)
		}
	}

	log.Debug().Str("code", "CACHE-404").Str("hash", hash).Msg("similarity: exhausted poll attempts")
	return g.tierTwo(ctx, query, userID)
}

// tierTwo is the supplemented pgvector cosine-similarity fallback. It
// never changes the tier-1 contract: if unset or it also misses, the
// lookup is a plain cache miss.
func (g *Gateway) tierTwo(ctx context.Context, query, userID string) (models.SearchResult, error) {
	if g.Fallback == nil {
		return models.SearchResult{}, fmt.Errorf("%w", synccore.ErrCacheMiss)
	}
	result, hit, err := g.Fallback.Nearest(ctx, query, userID)
	if err != nil || !hit {
		return models.SearchResult{}, fmt.Errorf("%w", synccore.ErrCacheMiss)
	}
	return result, nil
}
