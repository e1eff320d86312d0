package models

// SearchHistoryItem is one entry in the page-local, bounded, deduplicated
// search history LAS maintains (max 50 entries, most recent first).
type SearchHistoryItem struct {
	Query     string `json:"query" gorm:"column:query;primaryKey"`
	ResultID  string `json:"resultId" gorm:"column:result_id"`
	Timestamp int64  `json:"timestamp" gorm:"column:timestamp;index"`
}

// HistoryMaxEntries bounds the persisted history, per spec.md §4.1.
const HistoryMaxEntries = 50
