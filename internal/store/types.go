package store

import "time"

// Crew is a cached crew summary row.
type Crew struct {
	CrewID             string
	Name               string
	LastMessageAt      int64
	LastMessagePreview string
}

// QueueRow is a journaled offline-queue entry. Payload holds the
// action-specific fields encoded by the queue package.
type QueueRow struct {
	Seq        int64
	EntryID    string
	CrewID     string
	Action     string
	Emergency  bool
	Payload    []byte
	CapturedAt time.Time
}
