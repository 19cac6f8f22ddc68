package delivery

import (
	"maps"
	"slices"
	"time"
)

// MessageKind classifies a message's content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVoice    MessageKind = "voice"
	KindDocument MessageKind = "document"
	KindJobShare MessageKind = "job_share"
	KindSystem   MessageKind = "system"
)

// Attachment is binary payload metadata owned by its parent message.
type Attachment struct {
	ID          string
	URL         string
	ContentType string
	SizeBytes   int64
	ThumbURL    string
}

// Message is one unit of crew communication. Receipt maps record per-member
// delivered/read timestamps. Recipients is the crew roster captured at send
// time and is the denominator for "fully read".
type Message struct {
	ID          string // store-assigned; empty until the first successful write
	ClientID    string // client-assigned, stable across retries
	CrewID      string
	SenderID    string
	SenderName  string
	Body        string
	Kind        MessageKind
	Attachments []Attachment
	SentAt      time.Time
	EditedAt    *time.Time
	Status      Status
	Pinned      bool
	Deleted     bool
	Recipients  []string
	Delivered   map[string]time.Time
	Read        map[string]time.Time
}

// tombstoneBody replaces deleted message content; history is retained.
const tombstoneBody = "This message was deleted"

// Tombstone soft-deletes the message in place.
func (m *Message) Tombstone() {
	m.Deleted = true
	m.Body = tombstoneBody
	m.Attachments = nil
}

// ApplyDelivery records a delivery receipt for a member. Idempotent: an
// already-recorded receipt is kept and false is returned.
func (m *Message) ApplyDelivery(memberID string, at time.Time) bool {
	if m.Delivered == nil {
		m.Delivered = make(map[string]time.Time)
	}
	if _, ok := m.Delivered[memberID]; ok {
		return false
	}
	m.Delivered[memberID] = at
	m.refreshStatus()
	return true
}

// ApplyRead records a read receipt for a member. A read receipt implies a
// delivery receipt if none exists. Idempotent.
func (m *Message) ApplyRead(memberID string, at time.Time) bool {
	if m.Read == nil {
		m.Read = make(map[string]time.Time)
	}
	if _, ok := m.Read[memberID]; ok {
		return false
	}
	m.Read[memberID] = at
	if m.Delivered == nil {
		m.Delivered = make(map[string]time.Time)
	}
	if _, ok := m.Delivered[memberID]; !ok {
		m.Delivered[memberID] = at
	}
	m.refreshStatus()
	return true
}

// refreshStatus advances the aggregate status from the receipt maps: delivered
// once every recipient has a delivery receipt, read once every recipient has a
// read receipt. Never regresses; failed and sending are left alone.
func (m *Message) refreshStatus() {
	if m.Status == StatusFailed || m.Status == StatusSending {
		return
	}
	if m.FullyRead() {
		_ = m.Advance(StatusRead)
		return
	}
	if len(m.Recipients) > 0 && m.receiptsCover(m.Delivered) {
		_ = m.Advance(StatusDelivered)
	}
}

// FullyRead reports whether every recipient captured at send time has a read
// receipt. A message with no recipients is never fully read.
func (m *Message) FullyRead() bool {
	return len(m.Recipients) > 0 && m.receiptsCover(m.Read)
}

func (m *Message) receiptsCover(receipts map[string]time.Time) bool {
	for _, id := range m.Recipients {
		if id == m.SenderID {
			continue
		}
		if _, ok := receipts[id]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Snapshot consumers receive clones so receipt
// updates never mutate a message an observer already holds.
func (m *Message) Clone() *Message {
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.Recipients = slices.Clone(m.Recipients)
	c.Delivered = maps.Clone(m.Delivered)
	c.Read = maps.Clone(m.Read)
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}
