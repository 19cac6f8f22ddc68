package delivery

import (
	"fmt"
	"slices"
)

// Status represents a message delivery state.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// validTransitions defines allowed status transitions. Status only moves
// forward; failed is terminal and reachable from sending only.
var validTransitions = map[Status][]Status{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusFailed:    {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Advance moves the message to a new status. Returns an error if the
// transition is invalid; re-applying the current status is a no-op.
func (m *Message) Advance(to Status) error {
	if m.Status == to {
		return nil
	}
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("invalid status transition from %s to %s", m.Status, to)
	}
	m.Status = to
	return nil
}
