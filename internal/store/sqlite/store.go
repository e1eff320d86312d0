package sqlite

import (
	"context"
	"fmt"
	"time"

	glebarezsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/searchmesh/cachesync/internal/store"
	"github.com/searchmesh/cachesync/pkg/models"
)

// Config holds LAS sqlite configuration.
type Config struct {
	Path     string
	LogLevel logger.LogLevel
}

// Store is the gorm-backed Local Artifact Store.
type Store struct {
	db *gorm.DB
}

// NewStore opens or creates the sqlite-backed envelope store and runs
// migrations, the way internal/db/gorm.NewStore wires a fresh connection.
func NewStore(cfg Config) (*Store, error) {
	db, err := gorm.Open(glebarezsqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements store.Store. An entry older than store.TTL is deleted
// on read and reported as absent: the janitor sweep is a bounded-
// staleness backstop for entries nobody reads again, not the primary
// expiry path.
func (s *Store) Get(ctx context.Context, id string) (models.SearchResult, bool, error) {
	var e envelope
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.SearchResult{}, false, nil
		}
		return models.SearchResult{}, false, fmt.Errorf("get envelope: %w", err)
	}

	if time.Since(e.CreatedAt) > store.TTL {
		if err := s.db.WithContext(ctx).Delete(&e).Error; err != nil {
			log.Warn().Err(err).Str("id", id).Msg("store: failed to delete expired entry on read")
		}
		return models.SearchResult{}, false, nil
	}

	return e.toResult(), true, nil
}

// Save implements store.Store: writes the envelope, then, if it has a
// parent, appends a stub to the parent's reply list in a
// read-modify-write transaction. Re-saving an already-present reply is
// a no-op on the parent (idempotent).
func (s *Store) Save(ctx context.Context, result models.SearchResult) error {
	e := fromResult(result)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&e).Error; err != nil {
			return fmt.Errorf("save envelope: %w", err)
		}

		if result.ParentID == "" {
			return nil
		}

		var parent envelope
		if err := tx.Where("id = ?", result.ParentID).First(&parent).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				log.Warn().Str("parentId", result.ParentID).Msg("store: parent not found for reply stub append")
				return nil
			}
			return fmt.Errorf("load parent: %w", err)
		}

		if parent.Replies.Has(result.ID) {
			return nil
		}
		parent.Replies = append(parent.Replies, result.Stub())

		if err := tx.Save(&parent).Error; err != nil {
			return fmt.Errorf("update parent replies: %w", err)
		}
		return nil
	})
}

// GetThread implements store.Store.
func (s *Store) GetThread(ctx context.Context, id string) (models.SearchResult, error) {
	root, ok, err := s.Get(ctx, id)
	if err != nil {
		return models.SearchResult{}, err
	}
	if !ok {
		return models.SearchResult{}, fmt.Errorf("get thread: %w", gorm.ErrRecordNotFound)
	}

	return store.ExpandThread(ctx, root, s.Get)
}

// GetAllEntries implements store.Store.
func (s *Store) GetAllEntries(ctx context.Context) ([]models.SearchResult, error) {
	var rows []envelope
	cutoff := time.Now().Add(-store.TTL)
	if err := s.db.WithContext(ctx).Where("created_at > ?", cutoff).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}

	results := make([]models.SearchResult, 0, len(rows))
	for _, e := range rows {
		results = append(results, e.toResult())
	}
	return results, nil
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-store.TTL)
	res := s.db.WithContext(ctx).Where("created_at <= ?", cutoff).Delete(&envelope{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.Store = (*Store)(nil)
