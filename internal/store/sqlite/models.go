// Package sqlite provides the gorm+modernc.org/sqlite backed Local
// Artifact Store.
package sqlite

import (
	"time"

	"github.com/searchmesh/cachesync/pkg/models"
)

// envelope is the gorm record for one conv_<id> entry. Field names match
// models.SearchResult; Replies are persisted as a JSON stub list, never
// as a foreign-key graph.
type envelope struct {
	ID            string               `gorm:"column:id;primaryKey"`
	RootID        string               `gorm:"column:root_id;index"`
	ParentID      string               `gorm:"column:parent_id;index"`
	FollowUpQuery string               `gorm:"column:follow_up_query"`
	Title         string               `gorm:"column:title"`
	Content       string               `gorm:"column:content"`
	Sources       models.SourceList    `gorm:"column:sources;type:text"`
	Confidence    int                  `gorm:"column:confidence"`
	Category      string               `gorm:"column:category"`
	Timestamp     int64                `gorm:"column:timestamp"`
	Replies       models.ReplyStubList `gorm:"column:replies;type:text"`
	CreatedAt     time.Time            `gorm:"column:created_at;index"`
}

func (envelope) TableName() string { return "conv_entries" }

func (e envelope) toResult() models.SearchResult {
	result := models.SearchResult{
		ID:            e.ID,
		RootID:        e.RootID,
		ParentID:      e.ParentID,
		FollowUpQuery: e.FollowUpQuery,
		Title:         e.Title,
		Content:       e.Content,
		Sources:       e.Sources,
		Confidence:    e.Confidence,
		Category:      e.Category,
		Timestamp:     e.Timestamp,
	}
	for _, stub := range e.Replies {
		result.Replies = append(result.Replies, models.SearchResult{
			ID:            stub.ID,
			FollowUpQuery: stub.FollowUpQuery,
		})
	}
	return result
}

func fromResult(r models.SearchResult) envelope {
	e := envelope{
		ID:            r.ID,
		RootID:        r.RootID,
		ParentID:      r.ParentID,
		FollowUpQuery: r.FollowUpQuery,
		Title:         r.Title,
		Content:       r.Content,
		Sources:       r.Sources,
		Confidence:    r.Confidence,
		Category:      r.Category,
		Timestamp:     r.Timestamp,
		CreatedAt:     time.Now(),
	}
	if e.RootID == "" {
		e.RootID = e.ID
	}
	return e
}

// historyRow is the gorm record for one search_history entry.
type historyRow struct {
	Query     string `gorm:"column:query;primaryKey"`
	ResultID  string `gorm:"column:result_id"`
	Timestamp int64  `gorm:"column:timestamp;index"`
}

func (historyRow) TableName() string { return "search_history" }
