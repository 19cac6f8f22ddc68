package queue

import (
	"time"

	"github.com/crewline/crewline/internal/delivery"
)

// Action tags an offline-queue operation.
type Action string

const (
	ActionSend               Action = "send"
	ActionEditMessage        Action = "editMessage"
	ActionDeleteMessage      Action = "deleteMessage"
	ActionPinMessage         Action = "pinMessage"
	ActionSafetyAnnouncement Action = "sendSafetyAnnouncement"
	ActionEmergencyAlert     Action = "sendEmergencyAlert"
	ActionSafetyCheckin      Action = "sendSafetyCheckin"
)

// Op is one captured intent. Each action kind is its own variant with typed
// fields; drain dispatches on the concrete type.
type Op interface {
	Action() Action
	Crew() string
	Emergency() bool
}

// Entry wraps an op with its identity and capture time. Entries are never
// mutated after capture.
type Entry struct {
	ID         string
	CapturedAt time.Time
	Op         Op
}

// SendOp queues a plain message send.
type SendOp struct {
	CrewID      string
	ClientMsgID string
	Body        string
	Kind        delivery.MessageKind
	Attachments []delivery.Attachment
}

func (o SendOp) Action() Action  { return ActionSend }
func (o SendOp) Crew() string    { return o.CrewID }
func (o SendOp) Emergency() bool { return false }

// EditOp queues a message edit.
type EditOp struct {
	CrewID    string
	MessageID string
	Body      string
}

func (o EditOp) Action() Action  { return ActionEditMessage }
func (o EditOp) Crew() string    { return o.CrewID }
func (o EditOp) Emergency() bool { return false }

// DeleteOp queues a message soft-delete.
type DeleteOp struct {
	CrewID    string
	MessageID string
}

func (o DeleteOp) Action() Action  { return ActionDeleteMessage }
func (o DeleteOp) Crew() string    { return o.CrewID }
func (o DeleteOp) Emergency() bool { return false }

// PinOp queues a pin or unpin.
type PinOp struct {
	CrewID    string
	MessageID string
	Pinned    bool
}

func (o PinOp) Action() Action  { return ActionPinMessage }
func (o PinOp) Crew() string    { return o.CrewID }
func (o PinOp) Emergency() bool { return false }

// SafetyAnnouncementOp queues a crew-wide safety announcement.
type SafetyAnnouncementOp struct {
	CrewID      string
	ClientMsgID string
	Body        string
}

func (o SafetyAnnouncementOp) Action() Action  { return ActionSafetyAnnouncement }
func (o SafetyAnnouncementOp) Crew() string    { return o.CrewID }
func (o SafetyAnnouncementOp) Emergency() bool { return false }

// EmergencyAlertOp queues an emergency alert. Alerts jump ahead of every
// non-emergency entry in the queue.
type EmergencyAlertOp struct {
	CrewID      string
	ClientMsgID string
	Body        string
	Location    string
}

func (o EmergencyAlertOp) Action() Action  { return ActionEmergencyAlert }
func (o EmergencyAlertOp) Crew() string    { return o.CrewID }
func (o EmergencyAlertOp) Emergency() bool { return true }

// SafetyCheckinOp queues a safety check-in.
type SafetyCheckinOp struct {
	CrewID      string
	ClientMsgID string
	Status      string
}

func (o SafetyCheckinOp) Action() Action  { return ActionSafetyCheckin }
func (o SafetyCheckinOp) Crew() string    { return o.CrewID }
func (o SafetyCheckinOp) Emergency() bool { return false }
