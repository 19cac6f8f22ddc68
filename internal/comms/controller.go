package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/crewline/crewline/internal/auth"
	"github.com/crewline/crewline/internal/bus"
	"github.com/crewline/crewline/internal/connectivity"
	"github.com/crewline/crewline/internal/delivery"
	"github.com/crewline/crewline/internal/gateway"
	"github.com/crewline/crewline/internal/queue"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/internal/typing"
	"github.com/crewline/crewline/internal/upload"
)

// Stream is one live crew message stream.
type Stream interface {
	Updates() <-chan []gateway.Message
	Err() <-chan error
	Close()
}

// Gateway is the slice of the store client the controller depends on.
type Gateway interface {
	Subscribe(ctx context.Context, crewID string) (Stream, error)
	Write(ctx context.Context, wr *gateway.WriteRequest) (*gateway.WriteResult, error)
	MarkRead(ctx context.Context, crewID, messageID, memberID string) error
	Members(ctx context.Context, crewID string) ([]string, error)
}

// Connectivity supplies the online/offline signal.
type Connectivity interface {
	Status() connectivity.Status
	Changes() (<-chan connectivity.Status, func())
}

// IdentitySource resolves the acting member. Mutating operations fail fast
// when no identity is available; nothing unauthenticated is ever queued.
type IdentitySource interface {
	Identity() (*auth.Identity, error)
}

// Cache persists messages and crew summaries locally so crews render before
// the first network round trip. May be nil.
type Cache interface {
	UpsertMessage(m *delivery.Message) error
	ListMessages(crewID string, beforeTs int64, limit int) ([]*delivery.Message, error)
	UpsertCrew(c *store.Crew) error
	ListCrews(limit int) ([]store.Crew, error)
}

// Config carries the controller's timer windows.
type Config struct {
	TypingTTL   time.Duration
	UploadGrace time.Duration
	UploadTick  time.Duration
}

// Deps are the controller's collaborators.
type Deps struct {
	Gateway      Gateway
	Connectivity Connectivity
	Identity     IdentitySource
	Cache        Cache
	Queue        *queue.Queue
	Transport    upload.Transport
	Clock        clock.Clock
	Bus          *bus.Bus
}

type crewSession struct {
	state  CrewState
	stream Stream
	cancel context.CancelFunc
}

const cacheWindow = 200

// Controller is the session aggregate: it owns the per-crew subscriptions,
// the message model, the offline queue drain, typing, and upload progress,
// and publishes every change as a copy-on-write session snapshot.
type Controller struct {
	deps      Deps
	clk       clock.Clock
	logger    *zap.Logger
	container *Container
	typing    *typing.Tracker
	uploads   *upload.Coordinator

	mu       sync.Mutex
	crews    map[string]*crewSession
	messages map[string][]*delivery.Message
	cancel   context.CancelFunc
}

// New creates a controller. Call Start before using it.
func New(cfg Config, deps Deps, logger *zap.Logger) *Controller {
	c := &Controller{
		deps:      deps,
		clk:       deps.Clock,
		logger:    logger,
		container: NewContainer(),
		crews:     make(map[string]*crewSession),
		messages:  make(map[string][]*delivery.Message),
	}
	c.typing = typing.NewTracker(deps.Clock, cfg.TypingTTL, c.onTypingChanged, logger)
	c.uploads = upload.NewCoordinator(deps.Clock, deps.Transport, cfg.UploadGrace, cfg.UploadTick, c.onUploadChanged, logger)
	return c
}

// Snapshots returns the snapshot container for observers.
func (c *Controller) Snapshots() *Container { return c.container }

// Start restores the journaled queue and begins watching connectivity. Each
// offline-to-online transition triggers exactly one queue drain.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.deps.Queue.Load(); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	c.publishQueue()
	go c.watchConnectivity(ctx)
	return nil
}

// Stop tears down every subscription and timer.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for crewID, cs := range c.crews {
		if cs.cancel != nil {
			cs.cancel()
		}
		if cs.stream != nil {
			cs.stream.Close()
		}
		delete(c.crews, crewID)
	}
	c.mu.Unlock()
	c.typing.Stop()
	c.uploads.Stop()
}

func (c *Controller) watchConnectivity(ctx context.Context) {
	ch, unsub := c.deps.Connectivity.Changes()
	defer unsub()

	prev := connectivity.Offline
	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return
			}
			c.container.Update(func(s *SessionSnapshot) {
				s.Online = status == connectivity.Online
			})
			c.deps.Bus.Publish("connectivity."+string(status), nil)
			if status == connectivity.Online && prev == connectivity.Offline {
				go c.drainQueue(ctx)
			}
			prev = status
		case <-ctx.Done():
			return
		}
	}
}

// StartListeningToMessages opens the crew's message stream. Idle and errored
// crews enter subscribing; the first snapshot batch from the stream moves
// them to active. An already-subscribed crew is a no-op. Subscription failure
// parks the crew in the error state with its messages retained.
func (c *Controller) StartListeningToMessages(ctx context.Context, crewID string) error {
	c.mu.Lock()
	if cs, ok := c.crews[crewID]; ok && (cs.state == CrewSubscribing || cs.state == CrewActive) {
		c.mu.Unlock()
		return nil
	}
	c.crews[crewID] = &crewSession{state: CrewSubscribing}
	c.mu.Unlock()
	c.publishState(crewID, CrewSubscribing, "")

	c.loadCached(crewID)

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.deps.Gateway.Subscribe(streamCtx, crewID)
	if err != nil {
		cancel()
		c.setCrewError(crewID, err)
		return err
	}

	c.mu.Lock()
	cs := c.crews[crewID]
	cs.stream = stream
	cs.cancel = cancel
	c.mu.Unlock()

	go c.readStream(streamCtx, crewID, stream)
	return nil
}

// StopListeningToMessages closes the crew's stream and returns it to idle.
// Messages stay in the snapshot; the typing set is cleared.
func (c *Controller) StopListeningToMessages(crewID string) {
	c.mu.Lock()
	cs, ok := c.crews[crewID]
	if ok {
		if cs.cancel != nil {
			cs.cancel()
		}
		if cs.stream != nil {
			cs.stream.Close()
		}
		delete(c.crews, crewID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.typing.ClearCrew(crewID)
	c.publishState(crewID, CrewIdle, "")
}

func (c *Controller) readStream(ctx context.Context, crewID string, stream Stream) {
	for {
		select {
		case msgs, ok := <-stream.Updates():
			if !ok {
				return
			}
			c.applyBatch(crewID, msgs)
		case err := <-stream.Err():
			if ctx.Err() == nil {
				c.setCrewError(crewID, err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) loadCached(crewID string) {
	if c.deps.Cache == nil {
		return
	}
	c.mu.Lock()
	already := len(c.messages[crewID]) > 0
	c.mu.Unlock()
	if already {
		return
	}
	msgs, err := c.deps.Cache.ListMessages(crewID, 0, cacheWindow)
	if err != nil {
		c.logger.Warn("failed to load cached messages", zap.String("crew_id", crewID), zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	c.messages[crewID] = msgs
	c.mu.Unlock()
	c.publishCrew(crewID)
}

// applyBatch replaces the crew's model with the store snapshot, keeping local
// optimistic messages the store has not acknowledged yet. The first batch of
// a subscription activates the crew. Repeated identical snapshots are
// harmless.
func (c *Controller) applyBatch(crewID string, wire []gateway.Message) {
	incoming := make([]*delivery.Message, 0, len(wire))
	seen := make(map[string]struct{}, len(wire)*2)
	for _, w := range wire {
		m := w.ToDelivery()
		incoming = append(incoming, m)
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
		if m.ClientID != "" {
			seen[m.ClientID] = struct{}{}
		}
	}

	c.mu.Lock()
	for _, local := range c.messages[crewID] {
		key := local.ID
		if key == "" {
			key = local.ClientID
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if local.Status == delivery.StatusSending || local.Status == delivery.StatusFailed {
			incoming = append(incoming, local)
		}
	}
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].SentAt.Before(incoming[j].SentAt)
	})
	c.messages[crewID] = incoming
	cs, ok := c.crews[crewID]
	activate := ok && cs.state == CrewSubscribing
	if activate {
		cs.state = CrewActive
	}
	c.mu.Unlock()

	if activate {
		c.publishState(crewID, CrewActive, "")
	}
	c.persistCrew(crewID)
	c.publishCrew(crewID)
	c.deps.Bus.Publish("message.batch", crewID)
}

// SendMessage captures a message send. The message appears immediately in
// sending state; online sends go straight to the store, offline sends are
// queued for the next drain.
func (c *Controller) SendMessage(ctx context.Context, crewID, body string, kind delivery.MessageKind, attachments []delivery.Attachment) (*delivery.Message, error) {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return nil, err
	}

	msg := &delivery.Message{
		ClientID:    uuid.New().String(),
		CrewID:      crewID,
		SenderID:    ident.MemberID,
		SenderName:  ident.DisplayName,
		Body:        body,
		Kind:        kind,
		Attachments: attachments,
		SentAt:      c.clk.Now(),
		Status:      delivery.StatusSending,
	}
	if c.online() {
		if members, err := c.deps.Gateway.Members(ctx, crewID); err == nil {
			msg.Recipients = members
		}
	}
	c.insertMessage(msg)

	op := queue.SendOp{
		CrewID:      crewID,
		ClientMsgID: msg.ClientID,
		Body:        body,
		Kind:        kind,
		Attachments: attachments,
	}
	return msg, c.dispatch(ctx, op)
}

// EditMessage rewrites a message body. The edit is applied locally first and
// reconciled with the store online or via the queue.
func (c *Controller) EditMessage(ctx context.Context, crewID, messageID, body string) error {
	if _, err := c.deps.Identity.Identity(); err != nil {
		return err
	}
	now := c.clk.Now()
	if !c.updateMessage(crewID, messageID, func(m *delivery.Message) {
		m.Body = body
		m.EditedAt = &now
	}) {
		return fmt.Errorf("message %s not found in crew %s", messageID, crewID)
	}
	return c.dispatch(ctx, queue.EditOp{CrewID: crewID, MessageID: messageID, Body: body})
}

// DeleteMessage soft-deletes a message: the row survives as a tombstone.
func (c *Controller) DeleteMessage(ctx context.Context, crewID, messageID string) error {
	if _, err := c.deps.Identity.Identity(); err != nil {
		return err
	}
	if !c.updateMessage(crewID, messageID, func(m *delivery.Message) {
		m.Tombstone()
	}) {
		return fmt.Errorf("message %s not found in crew %s", messageID, crewID)
	}
	return c.dispatch(ctx, queue.DeleteOp{CrewID: crewID, MessageID: messageID})
}

// PinMessage pins or unpins a message for the crew.
func (c *Controller) PinMessage(ctx context.Context, crewID, messageID string, pinned bool) error {
	if _, err := c.deps.Identity.Identity(); err != nil {
		return err
	}
	if !c.updateMessage(crewID, messageID, func(m *delivery.Message) {
		m.Pinned = pinned
	}) {
		return fmt.Errorf("message %s not found in crew %s", messageID, crewID)
	}
	return c.dispatch(ctx, queue.PinOp{CrewID: crewID, MessageID: messageID, Pinned: pinned})
}

// SendSafetyAnnouncement posts a crew-wide safety announcement.
func (c *Controller) SendSafetyAnnouncement(ctx context.Context, crewID, body string) (*delivery.Message, error) {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return nil, err
	}
	msg := c.systemMessage(crewID, ident, body)
	c.insertMessage(msg)
	op := queue.SafetyAnnouncementOp{CrewID: crewID, ClientMsgID: msg.ClientID, Body: body}
	return msg, c.dispatch(ctx, op)
}

// SendEmergencyAlert posts an emergency alert. When the alert has to be
// queued it jumps ahead of every non-emergency entry.
func (c *Controller) SendEmergencyAlert(ctx context.Context, crewID, body, location string) (*delivery.Message, error) {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return nil, err
	}
	text := body
	if location != "" {
		text = fmt.Sprintf("%s (at %s)", body, location)
	}
	msg := c.systemMessage(crewID, ident, text)
	c.insertMessage(msg)
	op := queue.EmergencyAlertOp{CrewID: crewID, ClientMsgID: msg.ClientID, Body: body, Location: location}
	return msg, c.dispatch(ctx, op)
}

// SendSafetyCheckin records the member's safety status with the crew.
func (c *Controller) SendSafetyCheckin(ctx context.Context, crewID, status string) (*delivery.Message, error) {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return nil, err
	}
	msg := c.systemMessage(crewID, ident, "Safety check-in: "+status)
	c.insertMessage(msg)
	op := queue.SafetyCheckinOp{CrewID: crewID, ClientMsgID: msg.ClientID, Status: status}
	return msg, c.dispatch(ctx, op)
}

func (c *Controller) systemMessage(crewID string, ident *auth.Identity, body string) *delivery.Message {
	return &delivery.Message{
		ClientID:   uuid.New().String(),
		CrewID:     crewID,
		SenderID:   ident.MemberID,
		SenderName: ident.DisplayName,
		Body:       body,
		Kind:       delivery.KindSystem,
		SentAt:     c.clk.Now(),
		Status:     delivery.StatusSending,
	}
}

// MarkMessageRead records the acting member's read receipt. The receipt is
// applied locally and reported to the store best-effort; receipts are not
// queued.
func (c *Controller) MarkMessageRead(ctx context.Context, crewID, messageID string) error {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return err
	}
	now := c.clk.Now()
	if !c.updateMessage(crewID, messageID, func(m *delivery.Message) {
		m.ApplyRead(ident.MemberID, now)
	}) {
		return fmt.Errorf("message %s not found in crew %s", messageID, crewID)
	}
	if c.online() {
		if err := c.deps.Gateway.MarkRead(ctx, crewID, c.canonicalID(crewID, messageID), ident.MemberID); err != nil {
			c.logger.Warn("failed to report read receipt",
				zap.String("crew_id", crewID), zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return nil
}

// SetTyping marks a member as typing (or not) in a crew. Typing state is
// advisory, client-local, and self-clears after the quiescence window.
func (c *Controller) SetTyping(crewID, memberID string, isTyping bool) {
	c.typing.SetTyping(crewID, memberID, isTyping)
}

// UploadAttachment transfers attachment bytes and blocks until the transfer
// settles. Progress is observable in the session snapshot while in flight.
func (c *Controller) UploadAttachment(ctx context.Context, attachmentID string, payload io.Reader) (string, error) {
	if _, err := c.deps.Identity.Identity(); err != nil {
		return "", err
	}
	return c.uploads.Upload(ctx, attachmentID, payload)
}

// CancelUpload aborts an in-flight attachment upload.
func (c *Controller) CancelUpload(attachmentID string) {
	c.uploads.Cancel(attachmentID)
}

// dispatch routes one captured intent: offline intents are queued, online
// intents hit the store directly. Transient failures fall back to the queue;
// store rejections surface to the caller, mark the message failed, and are
// retained on the crew until its next successful operation.
func (c *Controller) dispatch(ctx context.Context, op queue.Op) error {
	if !c.online() {
		c.enqueue(op)
		return nil
	}
	if err := c.execute(ctx, op); err != nil {
		var werr *gateway.WriteError
		if errors.As(err, &werr) {
			c.failOptimistic(op)
			c.setOpError(op.Crew(), werr.Error())
			return werr
		}
		c.enqueue(op)
		return nil
	}
	c.setOpError(op.Crew(), "")
	return nil
}

func (c *Controller) enqueue(op queue.Op) {
	entry := c.deps.Queue.Enqueue(op)
	c.publishQueue()
	c.deps.Bus.Publish("queue.enqueued", entry.ID)
}

// execute performs the real store write for one intent. Every queue action
// has a case here; an unhandled action is a programming error.
func (c *Controller) execute(ctx context.Context, op queue.Op) error {
	ident, err := c.deps.Identity.Identity()
	if err != nil {
		return err
	}

	switch o := op.(type) {
	case queue.SendOp:
		res, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:      string(queue.ActionSend),
			CrewID:      o.CrewID,
			ClientMsgID: o.ClientMsgID,
			SenderID:    ident.MemberID,
			Body:        o.Body,
			Kind:        string(o.Kind),
			Attachments: wireAttachments(o.Attachments),
		})
		if err != nil {
			return err
		}
		c.ackOptimistic(o.CrewID, o.ClientMsgID, res.MessageID)
		return nil

	case queue.EditOp:
		// Resolved here, not at capture: a queued send draining earlier in
		// the same pass may have assigned the store id in the meantime.
		_, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:    string(queue.ActionEditMessage),
			CrewID:    o.CrewID,
			MessageID: c.canonicalID(o.CrewID, o.MessageID),
			SenderID:  ident.MemberID,
			Body:      o.Body,
		})
		return err

	case queue.DeleteOp:
		_, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:    string(queue.ActionDeleteMessage),
			CrewID:    o.CrewID,
			MessageID: c.canonicalID(o.CrewID, o.MessageID),
			SenderID:  ident.MemberID,
		})
		return err

	case queue.PinOp:
		_, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:    string(queue.ActionPinMessage),
			CrewID:    o.CrewID,
			MessageID: c.canonicalID(o.CrewID, o.MessageID),
			SenderID:  ident.MemberID,
			Pinned:    o.Pinned,
		})
		return err

	case queue.SafetyAnnouncementOp:
		res, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:      string(queue.ActionSafetyAnnouncement),
			CrewID:      o.CrewID,
			ClientMsgID: o.ClientMsgID,
			SenderID:    ident.MemberID,
			Body:        o.Body,
			Kind:        string(delivery.KindSystem),
		})
		if err != nil {
			return err
		}
		c.ackOptimistic(o.CrewID, o.ClientMsgID, res.MessageID)
		return nil

	case queue.EmergencyAlertOp:
		res, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:      string(queue.ActionEmergencyAlert),
			CrewID:      o.CrewID,
			ClientMsgID: o.ClientMsgID,
			SenderID:    ident.MemberID,
			Body:        o.Body,
			Kind:        string(delivery.KindSystem),
			Location:    o.Location,
		})
		if err != nil {
			return err
		}
		c.ackOptimistic(o.CrewID, o.ClientMsgID, res.MessageID)
		return nil

	case queue.SafetyCheckinOp:
		res, err := c.deps.Gateway.Write(ctx, &gateway.WriteRequest{
			Action:      string(queue.ActionSafetyCheckin),
			CrewID:      o.CrewID,
			ClientMsgID: o.ClientMsgID,
			SenderID:    ident.MemberID,
			Kind:        string(delivery.KindSystem),
			Status:      o.Status,
		})
		if err != nil {
			return err
		}
		c.ackOptimistic(o.CrewID, o.ClientMsgID, res.MessageID)
		return nil

	default:
		return fmt.Errorf("unhandled queue action %q", op.Action())
	}
}

// drainQueue replays captured intents in priority order. Store rejections are
// terminal: the entry is dropped and its message marked failed. Transient
// failures keep the entry for the next drain.
func (c *Controller) drainQueue(ctx context.Context) {
	succeeded, failed, err := c.deps.Queue.Drain(ctx, func(ctx context.Context, e queue.Entry) error {
		execErr := c.execute(ctx, e.Op)
		if execErr == nil {
			c.setOpError(e.Op.Crew(), "")
			return nil
		}
		var werr *gateway.WriteError
		if errors.As(execErr, &werr) {
			c.failOptimistic(e.Op)
			c.setOpError(e.Op.Crew(), werr.Error())
			return nil
		}
		return execErr
	})
	if errors.Is(err, queue.ErrDrainInProgress) {
		return
	}
	if err != nil {
		c.logger.Warn("queue drain aborted", zap.Error(err))
	}
	c.publishQueue()
	if succeeded > 0 || failed > 0 {
		c.deps.Bus.Publish("queue.drained", map[string]int{"succeeded": succeeded, "failed": failed})
	}
}

// ackOptimistic records the store id for an optimistic message and advances
// it to sent.
func (c *Controller) ackOptimistic(crewID, clientMsgID, messageID string) {
	c.updateMessage(crewID, clientMsgID, func(m *delivery.Message) {
		m.ID = messageID
		if err := m.Advance(delivery.StatusSent); err != nil {
			c.logger.Warn("ack on non-sending message",
				zap.String("client_msg_id", clientMsgID), zap.Error(err))
		}
	})
}

// failOptimistic marks a rejected intent's message failed, if it has one.
func (c *Controller) failOptimistic(op queue.Op) {
	var crewID, clientID string
	switch o := op.(type) {
	case queue.SendOp:
		crewID, clientID = o.CrewID, o.ClientMsgID
	case queue.SafetyAnnouncementOp:
		crewID, clientID = o.CrewID, o.ClientMsgID
	case queue.EmergencyAlertOp:
		crewID, clientID = o.CrewID, o.ClientMsgID
	case queue.SafetyCheckinOp:
		crewID, clientID = o.CrewID, o.ClientMsgID
	default:
		// Edits, deletes and pins carry no optimistic send state.
		return
	}
	c.updateMessage(crewID, clientID, func(m *delivery.Message) {
		if err := m.Advance(delivery.StatusFailed); err != nil {
			c.logger.Warn("cannot fail message",
				zap.String("client_msg_id", clientID), zap.Error(err))
		}
	})
}

func (c *Controller) insertMessage(m *delivery.Message) {
	c.mu.Lock()
	c.messages[m.CrewID] = append(c.messages[m.CrewID], m)
	c.mu.Unlock()
	c.persistMessage(m)
	c.publishCrew(m.CrewID)
}

// updateMessage finds a message by store or client id and applies fn under
// the lock, then persists and republishes. Reports whether a message matched.
func (c *Controller) updateMessage(crewID, id string, fn func(m *delivery.Message)) bool {
	c.mu.Lock()
	var target *delivery.Message
	for _, m := range c.messages[crewID] {
		if m.ID == id || (m.ClientID != "" && m.ClientID == id) {
			target = m
			break
		}
	}
	if target != nil {
		fn(target)
	}
	c.mu.Unlock()
	if target == nil {
		return false
	}
	c.persistMessage(target)
	c.publishCrew(crewID)
	return true
}

// canonicalID maps whichever id the caller holds to the store-assigned id
// when one exists, so store writes never reference a client-only id the
// store already replaced.
func (c *Controller) canonicalID(crewID, id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages[crewID] {
		if m.ID == id || (m.ClientID != "" && m.ClientID == id) {
			if m.ID != "" {
				return m.ID
			}
			return m.ClientID
		}
	}
	return id
}

func (c *Controller) persistMessage(m *delivery.Message) {
	if c.deps.Cache == nil {
		return
	}
	if err := c.deps.Cache.UpsertMessage(m); err != nil {
		c.logger.Warn("failed to cache message",
			zap.String("crew_id", m.CrewID), zap.String("client_msg_id", m.ClientID), zap.Error(err))
	}
	if err := c.deps.Cache.UpsertCrew(&store.Crew{
		CrewID:             m.CrewID,
		LastMessageAt:      m.SentAt.UnixMilli(),
		LastMessagePreview: m.Body,
	}); err != nil {
		c.logger.Warn("failed to cache crew summary",
			zap.String("crew_id", m.CrewID), zap.Error(err))
	}
}

// Crews lists the locally known crews, most recently active first.
func (c *Controller) Crews(limit int) ([]store.Crew, error) {
	if c.deps.Cache == nil {
		return nil, nil
	}
	return c.deps.Cache.ListCrews(limit)
}

func (c *Controller) persistCrew(crewID string) {
	if c.deps.Cache == nil {
		return
	}
	c.mu.Lock()
	msgs := make([]*delivery.Message, len(c.messages[crewID]))
	copy(msgs, c.messages[crewID])
	c.mu.Unlock()
	for _, m := range msgs {
		c.persistMessage(m)
	}
}

func (c *Controller) publishCrew(crewID string) {
	c.mu.Lock()
	msgs := make([]*delivery.Message, len(c.messages[crewID]))
	for i, m := range c.messages[crewID] {
		msgs[i] = m.Clone()
	}
	c.mu.Unlock()

	var unread int
	if ident, err := c.deps.Identity.Identity(); err == nil {
		unread = delivery.CountUnread(msgs, ident.MemberID, c.clk.Now())
	}
	c.container.Update(func(s *SessionSnapshot) {
		s.Messages[crewID] = msgs
		s.Unread[crewID] = unread
	})
}

func (c *Controller) publishState(crewID string, state CrewState, errMsg string) {
	c.container.Update(func(s *SessionSnapshot) {
		s.States[crewID] = state
		if errMsg == "" {
			delete(s.Errors, crewID)
		} else {
			s.Errors[crewID] = errMsg
		}
	})
	c.deps.Bus.Publish("crew.state."+string(state), crewID)
}

// setOpError records or clears the crew's last store-write rejection without
// touching its subscription state.
func (c *Controller) setOpError(crewID, msg string) {
	if c.container.Current().Errors[crewID] == msg {
		return
	}
	c.container.Update(func(s *SessionSnapshot) {
		if msg == "" {
			delete(s.Errors, crewID)
		} else {
			s.Errors[crewID] = msg
		}
	})
}

func (c *Controller) setCrewError(crewID string, cause error) {
	c.mu.Lock()
	if cs, ok := c.crews[crewID]; ok {
		cs.state = CrewError
		if cs.cancel != nil {
			cs.cancel()
		}
		cs.stream = nil
		cs.cancel = nil
	}
	c.mu.Unlock()
	c.logger.Warn("crew subscription failed",
		zap.String("crew_id", crewID), zap.Error(cause))
	c.publishState(crewID, CrewError, cause.Error())
}

func (c *Controller) publishQueue() {
	entries := c.deps.Queue.Entries()
	items := make([]QueuedIntent, len(entries))
	for i, e := range entries {
		items[i] = QueuedIntent{
			ID:         e.ID,
			CrewID:     e.Op.Crew(),
			Action:     string(e.Op.Action()),
			Emergency:  e.Op.Emergency(),
			CapturedAt: e.CapturedAt,
		}
	}
	c.container.Update(func(s *SessionSnapshot) {
		s.Queue = items
	})
}

func (c *Controller) onTypingChanged(crewID string, members []string) {
	c.container.Update(func(s *SessionSnapshot) {
		if len(members) == 0 {
			delete(s.Typing, crewID)
		} else {
			s.Typing[crewID] = members
		}
	})
	c.deps.Bus.Publish("typing.changed", crewID)
}

func (c *Controller) onUploadChanged(attachmentID string, fraction float64, active bool) {
	c.container.Update(func(s *SessionSnapshot) {
		if active {
			s.Uploads[attachmentID] = fraction
		} else {
			delete(s.Uploads, attachmentID)
		}
	})
	c.deps.Bus.Publish("upload.progress", attachmentID)
}

func (c *Controller) online() bool {
	return c.deps.Connectivity.Status() == connectivity.Online
}

func wireAttachments(atts []delivery.Attachment) []gateway.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]gateway.Attachment, len(atts))
	for i, a := range atts {
		out[i] = gateway.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			ThumbURL:    a.ThumbURL,
		}
	}
	return out
}
