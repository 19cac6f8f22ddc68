package delivery

import "time"

// unreadWindow bounds how far back a message still counts as unread.
const unreadWindow = 24 * time.Hour

// CountUnread returns how many messages count as unread for the viewer:
// the viewer has no read receipt, the viewer is not the sender, and the
// message was sent within the last 24 hours.
func CountUnread(msgs []*Message, viewerID string, now time.Time) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID == viewerID {
			continue
		}
		if now.Sub(m.SentAt) > unreadWindow {
			continue
		}
		if _, ok := m.Read[viewerID]; ok {
			continue
		}
		n++
	}
	return n
}
