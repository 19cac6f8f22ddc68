package queue

import (
	"encoding/json"
	"fmt"

	"github.com/crewline/crewline/internal/store"
)

// encodeEntry serializes an entry for the disk journal.
func encodeEntry(e Entry) (*store.QueueRow, error) {
	payload, err := json.Marshal(e.Op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Op.Action(), err)
	}
	return &store.QueueRow{
		EntryID:    e.ID,
		CrewID:     e.Op.Crew(),
		Action:     string(e.Op.Action()),
		Emergency:  e.Op.Emergency(),
		Payload:    payload,
		CapturedAt: e.CapturedAt,
	}, nil
}

// decodeEntry restores a journaled row into a typed entry.
func decodeEntry(r store.QueueRow) (Entry, error) {
	var op Op
	switch Action(r.Action) {
	case ActionSend:
		var o SendOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode send payload: %w", err)
		}
		op = o
	case ActionEditMessage:
		var o EditOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode edit payload: %w", err)
		}
		op = o
	case ActionDeleteMessage:
		var o DeleteOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode delete payload: %w", err)
		}
		op = o
	case ActionPinMessage:
		var o PinOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode pin payload: %w", err)
		}
		op = o
	case ActionSafetyAnnouncement:
		var o SafetyAnnouncementOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode announcement payload: %w", err)
		}
		op = o
	case ActionEmergencyAlert:
		var o EmergencyAlertOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode alert payload: %w", err)
		}
		op = o
	case ActionSafetyCheckin:
		var o SafetyCheckinOp
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			return Entry{}, fmt.Errorf("decode checkin payload: %w", err)
		}
		op = o
	default:
		return Entry{}, fmt.Errorf("unknown queue action %q", r.Action)
	}
	return Entry{ID: r.EntryID, CapturedAt: r.CapturedAt, Op: op}, nil
}
