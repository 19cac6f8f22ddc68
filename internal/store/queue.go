package store

import "time"

// AppendQueue journals an offline-queue entry.
func (db *DB) AppendQueue(row *QueueRow) error {
	_, err := db.Exec(`
		INSERT INTO offline_queue (entry_id, crew_id, action, emergency, payload, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.EntryID, row.CrewID, row.Action, row.Emergency, string(row.Payload), row.CapturedAt.UnixMilli())
	return err
}

// RemoveQueue deletes a journaled entry after a successful drain.
func (db *DB) RemoveQueue(entryID string) error {
	_, err := db.Exec(`DELETE FROM offline_queue WHERE entry_id = ?`, entryID)
	return err
}

// LoadQueue returns all journaled entries in drain order: emergency entries
// first, capture order within each priority class.
func (db *DB) LoadQueue() ([]QueueRow, error) {
	rows, err := db.Query(`
		SELECT seq, entry_id, crew_id, action, emergency, payload, captured_at
		FROM offline_queue
		ORDER BY emergency DESC, seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueRow
	for rows.Next() {
		var r QueueRow
		var payload string
		var capturedAt int64
		if err := rows.Scan(&r.Seq, &r.EntryID, &r.CrewID, &r.Action, &r.Emergency, &payload, &capturedAt); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.CapturedAt = time.UnixMilli(capturedAt)
		entries = append(entries, r)
	}
	return entries, rows.Err()
}
