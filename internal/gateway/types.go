package gateway

import (
	"fmt"
	"time"

	"github.com/crewline/crewline/internal/delivery"
)

// Message is the persisted wire form of a message. See the package doc for
// the schema contract.
type Message struct {
	ID          string           `json:"id"`
	CrewID      string           `json:"crew_id"`
	ClientMsgID string           `json:"client_msg_id,omitempty"`
	SenderID    string           `json:"sender_id"`
	SenderName  string           `json:"sender_name,omitempty"`
	Body        string           `json:"body"`
	Kind        string           `json:"kind"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	SentAtMS    int64            `json:"sent_at_ms"`
	EditedAtMS  int64            `json:"edited_at_ms,omitempty"`
	Pinned      bool             `json:"pinned,omitempty"`
	Deleted     bool             `json:"deleted,omitempty"`
	Recipients  []string         `json:"recipients,omitempty"`
	Delivered   map[string]int64 `json:"delivered,omitempty"`
	Read        map[string]int64 `json:"read,omitempty"`
}

// Attachment is the persisted wire form of attachment metadata.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ThumbURL    string `json:"thumb_url,omitempty"`
}

// streamFrame is one WebSocket frame on a crew subscription: a full
// message-list snapshot for the crew.
type streamFrame struct {
	CrewID   string    `json:"crew_id"`
	Messages []Message `json:"messages"`
}

// WriteRequest is a request/response write against the store. Action uses the
// offline-queue action vocabulary; unused fields are omitted per action.
type WriteRequest struct {
	Action      string       `json:"action"`
	CrewID      string       `json:"crew_id"`
	MessageID   string       `json:"message_id,omitempty"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	SenderID    string       `json:"sender_id,omitempty"`
	Body        string       `json:"body,omitempty"`
	Kind        string       `json:"kind,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Location    string       `json:"location,omitempty"`
	Status      string       `json:"status,omitempty"`
	Pinned      bool         `json:"pinned,omitempty"`
}

// WriteResult is the store's acknowledgment of a successful write.
type WriteResult struct {
	MessageID string `json:"message_id"`
}

// WriteError is a rejected write with the store's machine-readable reason.
type WriteError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("gateway rejected write: %s (%s)", e.Reason, e.Code)
}

// ToDelivery converts a wire message into the domain model.
func (m Message) ToDelivery() *delivery.Message {
	out := &delivery.Message{
		ID:         m.ID,
		ClientID:   m.ClientMsgID,
		CrewID:     m.CrewID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Kind:       delivery.MessageKind(m.Kind),
		SentAt:     time.UnixMilli(m.SentAtMS),
		Pinned:     m.Pinned,
		Deleted:    m.Deleted,
		Recipients: m.Recipients,
		Status:     delivery.StatusSent,
	}
	if m.EditedAtMS > 0 {
		t := time.UnixMilli(m.EditedAtMS)
		out.EditedAt = &t
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, delivery.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			ThumbURL:    a.ThumbURL,
		})
	}
	for member, ms := range m.Delivered {
		out.ApplyDelivery(member, time.UnixMilli(ms))
	}
	for member, ms := range m.Read {
		out.ApplyRead(member, time.UnixMilli(ms))
	}
	return out
}
