package store

import (
	"database/sql"
	"time"
)

// UpsertCrew inserts or updates a crew summary row.
func (db *DB) UpsertCrew(c *Crew) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO crews (crew_id, name, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(crew_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE crews.name END,
			last_message_at = MAX(crews.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > crews.last_message_at THEN excluded.last_message_preview ELSE crews.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.CrewID, c.Name, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListCrews returns crews sorted by last message timestamp descending.
func (db *DB) ListCrews(limit int) ([]Crew, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT crew_id, name, last_message_at, last_message_preview
		FROM crews
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var crews []Crew
	for rows.Next() {
		var c Crew
		if err := rows.Scan(&c.CrewID, &c.Name, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		crews = append(crews, c)
	}
	return crews, rows.Err()
}

// GetCrew returns a single crew by id, or nil if unknown.
func (db *DB) GetCrew(crewID string) (*Crew, error) {
	var c Crew
	err := db.QueryRow(`
		SELECT crew_id, name, last_message_at, last_message_preview
		FROM crews WHERE crew_id = ?`, crewID).
		Scan(&c.CrewID, &c.Name, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
