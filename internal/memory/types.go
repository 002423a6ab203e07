// Package memory turns raw conversation turns into durable, queryable
// semantic memory: segmentation, entity and fact extraction, embedding
// through the protected queue, and two-tier storage (badger working
// tier, vector store durable tier).
package memory

import (
	"time"
)

// Turn is one conversation utterance.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact types.
const (
	FactIdentity     = "identity"
	FactPreference   = "preference"
	FactRelationship = "relationship"
	FactTemporal     = "temporal"
	FactContext      = "context"
)

// Segment is a contiguous run of turns treated as one topical unit.
// Immutable once produced.
type Segment struct {
	ID             string
	ConversationID string
	UserID         string
	TurnStart      int
	TurnEnd        int
	Text           string
	Entities       []string
	Sentiment      float64
	Timestamp      time.Time
}

// Fact is one extracted or curated user fact.
type Fact struct {
	ID              string
	UserID          string
	Content         string
	FactType        string
	Category        string
	Confidence      float64
	SourceSegmentID string
	Entities        []string
	CreatedAt       time.Time
	ValidUntil      *time.Time
	Immutable       bool
}

// RecalledRecord is one ranked recall hit. Similarity is in [0, 1]
// after entity boosting.
type RecalledRecord struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Similarity float64                `json:"similarity"`
	Metadata   map[string]interface{} `json:"metadata"`
}
