package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/crewline/crewline/internal/delivery"
)

// UpsertMessage inserts or updates a message, idempotent on (crew_id, msg_id).
// Messages without a store-assigned id yet are keyed by their client id; once
// the store id arrives the existing row is re-keyed instead of duplicated.
func (db *DB) UpsertMessage(m *delivery.Message) error {
	msgID := m.ID
	if msgID == "" {
		msgID = m.ClientID
	}
	if m.ID != "" && m.ClientID != "" {
		// Re-key an earlier optimistic row written under the client id.
		if _, err := db.Exec(`
			UPDATE messages SET msg_id = ?
			WHERE crew_id = ? AND client_msg_id = ? AND msg_id != ?`,
			m.ID, m.CrewID, m.ClientID, m.ID); err != nil {
			return fmt.Errorf("rekey message: %w", err)
		}
	}

	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	delivered := marshalReceipts(m.Delivered)
	read := marshalReceipts(m.Read)

	var editedAt int64
	if m.EditedAt != nil {
		editedAt = m.EditedAt.UnixMilli()
	}

	_, err = db.Exec(`
		INSERT INTO messages (crew_id, msg_id, client_msg_id, sender_id, sender_name, body, kind, status,
			pinned, deleted, sent_at, edited_at, recipients, attachments, delivered_receipts, read_receipts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(crew_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status,
			pinned = excluded.pinned,
			deleted = excluded.deleted,
			edited_at = excluded.edited_at,
			attachments = excluded.attachments,
			delivered_receipts = excluded.delivered_receipts,
			read_receipts = excluded.read_receipts`,
		m.CrewID, msgID, m.ClientID, m.SenderID, m.SenderName, m.Body, string(m.Kind), string(m.Status),
		m.Pinned, m.Deleted, m.SentAt.UnixMilli(), editedAt,
		string(recipients), string(attachments), delivered, read, time.Now().UnixMilli())
	return err
}

// ListMessages returns up to limit messages for a crew sent before beforeTs
// (unix ms; zero means now), ordered by send time ascending.
func (db *DB) ListMessages(crewID string, beforeTs int64, limit int) ([]*delivery.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, client_msg_id, sender_id, sender_name, body, kind, status,
			pinned, deleted, sent_at, edited_at, recipients, attachments, delivered_receipts, read_receipts
		FROM messages
		WHERE crew_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, crewID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*delivery.Message
	for rows.Next() {
		m := &delivery.Message{CrewID: crewID}
		var kind, status, recipients, attachments, delivered, read string
		var sentAt, editedAt int64
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.SenderName, &m.Body, &kind, &status,
			&m.Pinned, &m.Deleted, &sentAt, &editedAt, &recipients, &attachments, &delivered, &read); err != nil {
			return nil, err
		}
		m.Kind = delivery.MessageKind(kind)
		m.Status = delivery.Status(status)
		m.SentAt = time.UnixMilli(sentAt)
		if editedAt > 0 {
			t := time.UnixMilli(editedAt)
			m.EditedAt = &t
		}
		if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		m.Delivered = unmarshalReceipts(delivered)
		m.Read = unmarshalReceipts(read)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func marshalReceipts(receipts map[string]time.Time) string {
	if len(receipts) == 0 {
		return "{}"
	}
	out := make(map[string]int64, len(receipts))
	for member, at := range receipts {
		out[member] = at.UnixMilli()
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func unmarshalReceipts(data string) map[string]time.Time {
	var raw map[string]int64
	if err := json.Unmarshal([]byte(data), &raw); err != nil || len(raw) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(raw))
	for member, ms := range raw {
		out[member] = time.UnixMilli(ms)
	}
	return out
}
