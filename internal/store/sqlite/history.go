package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/searchmesh/cachesync/pkg/models"
)

// AppendHistory implements store.Store. A re-submitted query overwrites
// its previous entry's timestamp and result rather than duplicating it,
// then the table is trimmed back down to HistoryMaxEntries.
func (s *Store) AppendHistory(ctx context.Context, item models.SearchHistoryItem) error {
	row := historyRow{Query: item.Query, ResultID: item.ResultID, Timestamp: item.Timestamp}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "query"}},
			DoUpdates: clause.AssignmentColumns([]string{"result_id", "timestamp"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert history: %w", err)
		}

		var count int64
		if err := tx.Model(&historyRow{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count history: %w", err)
		}
		if count <= models.HistoryMaxEntries {
			return nil
		}

		overflow := count - models.HistoryMaxEntries
		var stale []historyRow
		if err := tx.Order("timestamp ASC").Limit(int(overflow)).Find(&stale).Error; err != nil {
			return fmt.Errorf("find stale history: %w", err)
		}
		for _, st := range stale {
			if err := tx.Delete(&historyRow{}, "query = ?", st.Query).Error; err != nil {
				return fmt.Errorf("trim history: %w", err)
			}
		}
		return nil
	})
}

// History implements store.Store, newest first.
func (s *Store) History(ctx context.Context) ([]models.SearchHistoryItem, error) {
	var rows []historyRow
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	items := make([]models.SearchHistoryItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, models.SearchHistoryItem{Query: r.Query, ResultID: r.ResultID, Timestamp: r.Timestamp})
	}
	return items, nil
}
