// Package remote implements the Similarity Cache Gateway's remote store:
// a Postgres+pgvector client against the cachedQueryResults/cache/
// cacheUserResults relations, generalized from a cosine-distance vector
// search to the gateway's exact-hash join lookup for tier 1. The
// cosine-similarity search is NearestByVector, for callers that hold an
// embedding; Nearest, which the gateway's tier 2 calls, reports a miss.
package remote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/searchmesh/cachesync/pkg/models"
)

// cachedQueryResult is the gorm record for the cachedQueryResults table:
// one row per (queryHash, userId) ingress submission.
type cachedQueryResult struct {
	QueryHash string `gorm:"column:query_hash;primaryKey"`
	UserID    string `gorm:"column:user_id;primaryKey"`
}

func (cachedQueryResult) TableName() string { return "cachedQueryResults" }

// cacheRow is the gorm record for the cache table: the fulfilled result
// body, joined to cacheUserResults by queryHash+userId.
type cacheRow struct {
	QueryHash  string       `gorm:"column:query_hash;primaryKey"`
	ResultJSON string       `gorm:"column:result_json"`
	Embedding  pgvec.Vector `gorm:"column:embedding"`
}

func (cacheRow) TableName() string { return "cache" }

// cacheUserResult joins a user to a fulfilled cache row.
type cacheUserResult struct {
	QueryHash string `gorm:"column:query_hash;primaryKey"`
	UserID    string `gorm:"column:user_id;primaryKey"`
}

func (cacheUserResult) TableName() string { return "cacheUserResults" }

// Client is the Postgres+pgvector backed SCG remote store.
type Client struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Config holds remote store configuration.
type Config struct {
	DB *gorm.DB // postgres gorm connection, required
}

// NewClient builds a Client over an already-opened postgres connection.
func NewClient(cfg Config) (*Client, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("DB is required")
	}
	sqlDB, err := cfg.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	return &Client{db: cfg.DB, sqlDB: sqlDB}, nil
}

// Submit implements similarity.Ingress: records the (queryHash, userId)
// ask in cachedQueryResults, which the external webhook resolves
// asynchronously into a row in cache + cacheUserResults.
func (c *Client) Submit(ctx context.Context, queryHash, userID string) error {
	row := cachedQueryResult{QueryHash: queryHash, UserID: userID}
	if err := c.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("submit query hash: %w", err)
	}
	return nil
}

// Poll implements similarity.Ingress: exact-hash join lookup across
// cache and cacheUserResults for the given user.
func (c *Client) Poll(ctx context.Context, queryHash, userID string) (models.SearchResult, bool, error) {
	var row cacheRow
	err := c.db.WithContext(ctx).
		Joins("JOIN \"cacheUserResults\" cur ON cur.query_hash = cache.query_hash").
		Where("cache.query_hash = ? AND cur.user_id = ?", queryHash, userID).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.SearchResult{}, false, nil
		}
		return models.SearchResult{}, false, fmt.Errorf("poll cache: %w", err)
	}

	var result models.SearchResult
	if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
		return models.SearchResult{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	result.IsCached = true
	return result, true, nil
}

// Nearest implements similarity.VectorFallback. This client has no
// embedder of its own, so by default it reports a miss; a caller that
// wants a genuine cosine-distance tier 2 embeds query itself and calls
// NearestByVector directly instead of going through the gateway's
// Fallback interface.
func (c *Client) Nearest(ctx context.Context, query string, userID string) (models.SearchResult, bool, error) {
	return models.SearchResult{}, false, nil
}

// NearestByVector performs the cosine-distance search once the caller
// already has an embedding for query, kept separate from Nearest so an
// embedding-capable caller can use it directly.
func (c *Client) NearestByVector(ctx context.Context, embedding []float32, userID string) (models.SearchResult, bool, error) {
	queryVec := pgvec.NewVector(embedding)

	rows, err := c.sqlDB.QueryContext(ctx, `
		SELECT cache.result_json, cache.embedding <=> $1 AS distance
		FROM cache
		JOIN "cacheUserResults" cur ON cur.query_hash = cache.query_hash
		WHERE cur.user_id = $2
		ORDER BY distance
		LIMIT 1`, queryVec, userID)
	if err != nil {
		return models.SearchResult{}, false, fmt.Errorf("nearest: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return models.SearchResult{}, false, rows.Err()
	}

	var resultJSON string
	var distance float64
	if err := rows.Scan(&resultJSON, &distance); err != nil {
		return models.SearchResult{}, false, fmt.Errorf("scan nearest: %w", err)
	}

	var result models.SearchResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return models.SearchResult{}, false, fmt.Errorf("decode nearest result: %w", err)
	}
	result.IsCached = true
	return result, true, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.sqlDB.Close()
}
