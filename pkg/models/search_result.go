// Package models contains the domain types shared by the local artifact
// store, the similarity cache gateway, and the background sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ReplyStub is the denormalized {id, followUpQuery} reference a parent
// SearchResult carries for each reply. Expansion of a stub into a full
// SearchResult happens on read, never on write.
type ReplyStub struct {
	ID            string `json:"id"`
	FollowUpQuery string `json:"followUpQuery,omitempty"`
}

// SourceList is an ordered sequence of citation lines, stored as a JSON
// array column. Modeled the way pkg/models.JSONStringArray scans string
// slices for SQLite in the teacher repo.
type SourceList []string

// Scan implements sql.Scanner.
func (s *SourceList) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("SourceList: unsupported scan type %T", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s SourceList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// ReplyStubList is the JSON-encoded sequence of ReplyStub persisted on the
// parent envelope.
type ReplyStubList []ReplyStub

// Scan implements sql.Scanner.
func (r *ReplyStubList) Scan(src any) error {
	if src == nil {
		*r = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("ReplyStubList: unsupported scan type %T", src)
	}
	if len(data) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(data, r)
}

// Value implements driver.Valuer.
func (r ReplyStubList) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	return json.Marshal(r)
}

// Has reports whether the stub list already contains an entry with the
// given id, the idempotency check save() needs before appending.
func (r ReplyStubList) Has(id string) bool {
	for _, stub := range r {
		if stub.ID == id {
			return true
		}
	}
	return false
}

// SearchResult is one node in a conversation tree. It is the unit LAS
// persists, SCG fabricates cache hits from, and BSE ships to the webhook.
type SearchResult struct {
	ID            string        `json:"id" gorm:"column:id;primaryKey"`
	RootID        string        `json:"rootId" gorm:"column:root_id;index"`
	ParentID      string        `json:"parentId,omitempty" gorm:"column:parent_id"`
	FollowUpQuery string        `json:"followUpQuery,omitempty" gorm:"column:follow_up_query"`
	Title         string        `json:"title" gorm:"column:title"`
	Content       string        `json:"content" gorm:"column:content"`
	Sources       SourceList    `json:"sources" gorm:"column:sources;type:text"`
	Confidence    int           `json:"confidence" gorm:"column:confidence"`
	Category      string        `json:"category" gorm:"column:category"`
	Timestamp     int64         `json:"timestamp" gorm:"column:timestamp"`
	Replies       []SearchResult `json:"replies,omitempty" gorm:"-"`
	IsCached      bool          `json:"isCached,omitempty" gorm:"-"`
}

// IsRoot reports whether r is the root of its own thread.
func (r SearchResult) IsRoot() bool {
	return r.ParentID == "" || r.RootID == r.ID
}

// Stub projects r down to the denormalized reference its parent stores.
func (r SearchResult) Stub() ReplyStub {
	return ReplyStub{ID: r.ID, FollowUpQuery: r.FollowUpQuery}
}

// ErrorResult builds the single fallback SearchResult the Search
// Orchestrator returns on an LLM timeout or failure, per spec §4.5/§7:
// confidence 0, category "Error", empty sources, never a thrown error.
func ErrorResult(id, message string) SearchResult {
	return SearchResult{
		ID:         id,
		RootID:     id,
		Title:      "Search failed",
		Content:    message,
		Sources:    SourceList{},
		Confidence: 0,
		Category:   "Error",
	}
}
