package memory

import "time"

// Entry is one per-character memory record. Immutable after creation
// except Importance, which is recomputed during pruning.
type Entry struct {
	ID          int64
	CharacterID string
	Role        string
	Content     string
	Salience    float64
	Importance  float64
	CreatedAt   time.Time
}

// Summary is the single live condensation of a character's evicted
// entries. Superseded summaries are replaced, not versioned.
type Summary struct {
	CharacterID    string
	Content        string
	CoveredEntries int
	UpdatedAt      time.Time
}

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Characters    int
	Entries       int
	Summaries     int
	Conversations int
	Turns         int
}
