package models

import "time"

// Utterance is a single raw message in a conversation's short-term queue.
// It is created on ingress and only ever mutated by flipping Processed;
// old processed utterances are eventually removed by the pruning policy.
type Utterance struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	UserID         string            `json:"userId"`
	UserName       string            `json:"userName"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"createdAt"`
	IsDirect       bool              `json:"isDirect"`
	IsFromAgent    bool              `json:"isFromAgent"`
	Processed      bool              `json:"processed"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ConceptNode is a long-term graph vertex for a recurring keyword or entity.
// ConversationID is empty for global nodes. The (ConversationID, Name) pair
// is unique; repeated mentions reinforce Activation instead of creating
// duplicates.
type ConceptNode struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Name           string    `json:"name"`
	Activation     float64   `json:"activation"`
	IsPermanent    bool      `json:"isPermanent"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Association is an undirected edge between two concept nodes. It is stored
// once under a canonical (smaller id, larger id) key; traversal treats both
// directions the same.
type Association struct {
	SourceID  string    `json:"sourceId"`
	TargetID  string    `json:"targetId"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TopicMemory is the durable record of a completed topic, linked many-to-many
// to the concept nodes extracted from it. Start and end times come from the
// extraction step as "YYYY-MM-DD HH:MM" strings and are kept verbatim.
type TopicMemory struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	StartTime      string    `json:"startTime"`
	EndTime        string    `json:"endTime"`
	Weight         float64   `json:"weight"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	IsPermanent    bool      `json:"isPermanent"`
	NodeIDs        []string  `json:"nodeIds,omitempty"`
}

// Schedule tracks when a conversation is next eligible for batch processing
// and which persona profile its replies should use.
type Schedule struct {
	ConversationID  string    `json:"conversationId"`
	NextProcessTime time.Time `json:"nextProcessTime"`
	PersonaPath     string    `json:"personaPath,omitempty"`
}

// QueueStats summarizes the short-term queue for the status API.
type QueueStats struct {
	Total       int64 `json:"total"`
	Unprocessed int64 `json:"unprocessed"`
}

// GraphCounts summarizes the long-term graph for the status API.
type GraphCounts struct {
	Nodes             int64 `json:"nodes"`
	PermanentNodes    int64 `json:"permanentNodes"`
	Associations      int64 `json:"associations"`
	Memories          int64 `json:"memories"`
	PermanentMemories int64 `json:"permanentMemories"`
}
