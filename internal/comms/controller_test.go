package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/zap"

	"github.com/crewline/crewline/internal/auth"
	"github.com/crewline/crewline/internal/bus"
	"github.com/crewline/crewline/internal/connectivity"
	"github.com/crewline/crewline/internal/delivery"
	"github.com/crewline/crewline/internal/gateway"
	"github.com/crewline/crewline/internal/queue"
)

type fakeStream struct {
	updates chan []gateway.Message
	errs    chan error
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		updates: make(chan []gateway.Message, 8),
		errs:    make(chan error, 1),
	}
}

func (s *fakeStream) Updates() <-chan []gateway.Message { return s.updates }
func (s *fakeStream) Err() <-chan error                 { return s.errs }
func (s *fakeStream) Close()                            { s.once.Do(func() { close(s.updates) }) }

type fakeGateway struct {
	mu       sync.Mutex
	writes   []*gateway.WriteRequest
	writeErr error
	nextID   int
	members  []string
	subErr   error
	streams  map[string]*fakeStream
	marks    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members: []string{"alice", "bob"},
		streams: make(map[string]*fakeStream),
	}
}

func (g *fakeGateway) Subscribe(_ context.Context, crewID string) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subErr != nil {
		return nil, g.subErr
	}
	s := newFakeStream()
	g.streams[crewID] = s
	return s, nil
}

func (g *fakeGateway) Write(_ context.Context, wr *gateway.WriteRequest) (*gateway.WriteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = append(g.writes, wr)
	if g.writeErr != nil {
		return nil, g.writeErr
	}
	g.nextID++
	return &gateway.WriteResult{MessageID: fmt.Sprintf("srv-%d", g.nextID)}, nil
}

func (g *fakeGateway) MarkRead(_ context.Context, crewID, messageID, memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks = append(g.marks, crewID+"/"+messageID+"/"+memberID)
	return nil
}

func (g *fakeGateway) Members(_ context.Context, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members, nil
}

func (g *fakeGateway) writeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.writes)
}

func (g *fakeGateway) writeActions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.writes))
	for i, w := range g.writes {
		out[i] = w.Action
	}
	return out
}

func (g *fakeGateway) stream(crewID string) *fakeStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams[crewID]
}

type fakeConn struct {
	mu     sync.Mutex
	status connectivity.Status
	subs   []chan connectivity.Status
}

func newFakeConn(initial connectivity.Status) *fakeConn {
	return &fakeConn{status: initial}
}

func (f *fakeConn) Status() connectivity.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) Changes() (<-chan connectivity.Status, func()) {
	ch := make(chan connectivity.Status, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	ch <- f.status
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeConn) set(status connectivity.Status) {
	f.mu.Lock()
	if f.status == status {
		f.mu.Unlock()
		return
	}
	f.status = status
	subs := append([]chan connectivity.Status(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- status
	}
}

type fakeIdentity struct {
	err error
}

func (f *fakeIdentity) Identity() (*auth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Identity{MemberID: "alice", DisplayName: "Alice"}, nil
}

type nopTransport struct{}

func (nopTransport) Upload(_ context.Context, attachmentID string, _ io.Reader, _ func(float64)) (string, error) {
	return "https://cdn/" + attachmentID, nil
}

type rig struct {
	ctrl  *Controller
	gw    *fakeGateway
	conn  *fakeConn
	ident *fakeIdentity
	queue *queue.Queue
	clk   *testclock.Clock
}

func newRig(t *testing.T, initial connectivity.Status) *rig {
	t.Helper()
	logger := zap.NewNop()
	r := &rig{
		gw:    newFakeGateway(),
		conn:  newFakeConn(initial),
		ident: &fakeIdentity{},
		queue: queue.New(nil, logger),
		clk:   testclock.NewClock(time.Now()),
	}
	r.ctrl = New(
		Config{TypingTTL: 3 * time.Second, UploadGrace: 2 * time.Second, UploadTick: 350 * time.Millisecond},
		Deps{
			Gateway:      r.gw,
			Connectivity: r.conn,
			Identity:     r.ident,
			Queue:        r.queue,
			Transport:    nopTransport{},
			Clock:        r.clk,
			Bus:          bus.New(),
		},
		logger,
	)
	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.ctrl.Stop)
	return r
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendOnlineAcksOptimistically(t *testing.T) {
	r := newRig(t, connectivity.Online)

	msg, err := r.ctrl.SendMessage(context.Background(), "crew-1", "hello", delivery.KindText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ClientID == "" {
		t.Error("optimistic message needs a client id")
	}

	snap := r.ctrl.Snapshots().Current()
	msgs := snap.Messages["crew-1"]
	if len(msgs) != 1 {
		t.Fatalf("snapshot has %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != delivery.StatusSent {
		t.Errorf("status = %s, want sent", msgs[0].Status)
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("store id = %q, want srv-1", msgs[0].ID)
	}
	if r.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", r.queue.Len())
	}
}

func TestSendOfflineStaysSendingAndQueues(t *testing.T) {
	r := newRig(t, connectivity.Offline)

	if _, err := r.ctrl.SendMessage(context.Background(), "crew-1", "hello", delivery.KindText, nil); err != nil {
		t.Fatal(err)
	}

	snap := r.ctrl.Snapshots().Current()
	msgs := snap.Messages["crew-1"]
	if len(msgs) != 1 || msgs[0].Status != delivery.StatusSending {
		t.Fatalf("want one message in sending state, got %+v", msgs)
	}
	if r.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", r.queue.Len())
	}
	if len(snap.Queue) != 1 || snap.Queue[0].Action != string(queue.ActionSend) {
		t.Errorf("snapshot queue = %+v", snap.Queue)
	}
	if r.gw.writeCount() != 0 {
		t.Errorf("offline send hit the network: %d writes", r.gw.writeCount())
	}
}

func TestReconnectDrainsCapturedIntentsOnce(t *testing.T) {
	r := newRig(t, connectivity.Offline)

	for _, body := range []string{"first", "second"} {
		if _, err := r.ctrl.SendMessage(context.Background(), "crew-1", body, delivery.KindText, nil); err != nil {
			t.Fatal(err)
		}
	}
	if r.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", r.queue.Len())
	}

	r.conn.set(connectivity.Online)
	waitFor(t, func() bool { return r.queue.Len() == 0 }, "queue never drained after reconnect")
	waitFor(t, func() bool {
		msgs := r.ctrl.Snapshots().Current().Messages["crew-1"]
		return len(msgs) == 2 &&
			msgs[0].Status == delivery.StatusSent && msgs[1].Status == delivery.StatusSent
	}, "messages never acked after drain")

	if r.gw.writeCount() != 2 {
		t.Errorf("writes = %d, want 2", r.gw.writeCount())
	}

	// A second reconnect with an empty queue must not replay anything.
	r.conn.set(connectivity.Offline)
	r.conn.set(connectivity.Online)
	time.Sleep(50 * time.Millisecond)
	if r.gw.writeCount() != 2 {
		t.Errorf("writes after second reconnect = %d, want 2", r.gw.writeCount())
	}
}

func TestEmergencyAlertJumpsQueue(t *testing.T) {
	r := newRig(t, connectivity.Offline)

	if _, err := r.ctrl.SendMessage(context.Background(), "crew-1", "routine", delivery.KindText, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ctrl.SendEmergencyAlert(context.Background(), "crew-1", "scaffold down", "site 4"); err != nil {
		t.Fatal(err)
	}

	entries := r.queue.Entries()
	if len(entries) != 2 {
		t.Fatalf("queue len = %d, want 2", len(entries))
	}
	if entries[0].Op.Action() != queue.ActionEmergencyAlert {
		t.Errorf("first entry = %s, want %s", entries[0].Op.Action(), queue.ActionEmergencyAlert)
	}

	r.conn.set(connectivity.Online)
	waitFor(t, func() bool { return r.queue.Len() == 0 }, "queue never drained")
	actions := r.gw.writeActions()
	if actions[0] != string(queue.ActionEmergencyAlert) {
		t.Errorf("drain order = %v, want emergency first", actions)
	}
}

func TestRejectedWriteMarksMessageFailed(t *testing.T) {
	r := newRig(t, connectivity.Online)
	r.gw.writeErr = &gateway.WriteError{Code: "not_member", Reason: "sender is not in the crew"}

	_, err := r.ctrl.SendMessage(context.Background(), "crew-1", "hello", delivery.KindText, nil)
	var werr *gateway.WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}

	snap := r.ctrl.Snapshots().Current()
	msgs := snap.Messages["crew-1"]
	if len(msgs) != 1 || msgs[0].Status != delivery.StatusFailed {
		t.Fatalf("want one failed message, got %+v", msgs)
	}
	if r.queue.Len() != 0 {
		t.Errorf("rejected write was queued; queue len = %d", r.queue.Len())
	}
	if snap.Errors["crew-1"] == "" {
		t.Error("rejection not surfaced on the crew")
	}

	// The next successful operation on the crew clears the rejection.
	r.gw.writeErr = nil
	if _, err := r.ctrl.SendMessage(context.Background(), "crew-1", "retry", delivery.KindText, nil); err != nil {
		t.Fatal(err)
	}
	if got := r.ctrl.Snapshots().Current().Errors["crew-1"]; got != "" {
		t.Errorf("error retained after successful send: %q", got)
	}
}

func TestTransientWriteFailureFallsBackToQueue(t *testing.T) {
	r := newRig(t, connectivity.Online)
	r.gw.writeErr = errors.New("connection reset")

	if _, err := r.ctrl.SendMessage(context.Background(), "crew-1", "hello", delivery.KindText, nil); err != nil {
		t.Fatal(err)
	}

	msgs := r.ctrl.Snapshots().Current().Messages["crew-1"]
	if len(msgs) != 1 || msgs[0].Status != delivery.StatusSending {
		t.Fatalf("want message retained in sending state, got %+v", msgs)
	}
	if r.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", r.queue.Len())
	}
}

func TestUnauthenticatedSendFailsFastAndIsNeverQueued(t *testing.T) {
	r := newRig(t, connectivity.Offline)
	r.ident.err = auth.ErrUnauthenticated

	_, err := r.ctrl.SendMessage(context.Background(), "crew-1", "hello", delivery.KindText, nil)
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if r.queue.Len() != 0 {
		t.Errorf("unauthenticated intent was queued")
	}
	if len(r.ctrl.Snapshots().Current().Messages["crew-1"]) != 0 {
		t.Errorf("unauthenticated send produced an optimistic message")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	r := newRig(t, connectivity.Online)

	if err := r.ctrl.StartListeningToMessages(context.Background(), "crew-1"); err != nil {
		t.Fatal(err)
	}
	snap := r.ctrl.Snapshots().Current()
	if snap.States["crew-1"] != CrewSubscribing {
		t.Fatalf("state = %s, want subscribing until the first batch", snap.States["crew-1"])
	}

	r.gw.stream("crew-1").updates <- []gateway.Message{
		{ID: "m1", CrewID: "crew-1", SenderID: "bob", SenderName: "Bob", Body: "morning", Kind: "text",
			SentAtMS: time.Now().UnixMilli(), Recipients: []string{"alice", "bob"}},
	}
	waitFor(t, func() bool {
		s := r.ctrl.Snapshots().Current()
		return s.States["crew-1"] == CrewActive && len(s.Messages["crew-1"]) == 1
	}, "first batch never activated the crew")

	if got := r.ctrl.Snapshots().Current().Unread["crew-1"]; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}

	r.ctrl.StopListeningToMessages("crew-1")
	snap = r.ctrl.Snapshots().Current()
	if snap.States["crew-1"] != CrewIdle {
		t.Errorf("state after stop = %s, want idle", snap.States["crew-1"])
	}
	if len(snap.Messages["crew-1"]) != 1 {
		t.Errorf("messages dropped on stop")
	}
}

func TestStreamErrorRetainsMessages(t *testing.T) {
	r := newRig(t, connectivity.Online)

	if err := r.ctrl.StartListeningToMessages(context.Background(), "crew-1"); err != nil {
		t.Fatal(err)
	}
	r.gw.stream("crew-1").updates <- []gateway.Message{
		{ID: "m1", CrewID: "crew-1", SenderID: "bob", Body: "morning", Kind: "text", SentAtMS: 1000},
		{ID: "m2", CrewID: "crew-1", SenderID: "bob", Body: "update", Kind: "text", SentAtMS: 2000},
	}
	waitFor(t, func() bool {
		return len(r.ctrl.Snapshots().Current().Messages["crew-1"]) == 2
	}, "batch never reached the snapshot")

	r.gw.stream("crew-1").errs <- errors.New("stream reset")
	waitFor(t, func() bool {
		return r.ctrl.Snapshots().Current().States["crew-1"] == CrewError
	}, "crew never entered the error state")

	snap := r.ctrl.Snapshots().Current()
	if len(snap.Messages["crew-1"]) != 2 {
		t.Errorf("messages lost on stream error: %d remain", len(snap.Messages["crew-1"]))
	}
	if snap.Errors["crew-1"] == "" {
		t.Error("error state has no error message")
	}

	// An errored crew can be resubscribed.
	if err := r.ctrl.StartListeningToMessages(context.Background(), "crew-1"); err != nil {
		t.Fatal(err)
	}
	snap = r.ctrl.Snapshots().Current()
	if snap.States["crew-1"] != CrewSubscribing {
		t.Errorf("state after resubscribe = %s, want subscribing", snap.States["crew-1"])
	}
	if snap.Errors["crew-1"] != "" {
		t.Error("error not cleared on resubscribe")
	}

	r.gw.stream("crew-1").updates <- []gateway.Message{
		{ID: "m1", CrewID: "crew-1", SenderID: "bob", Body: "morning", Kind: "text", SentAtMS: 1000},
		{ID: "m2", CrewID: "crew-1", SenderID: "bob", Body: "update", Kind: "text", SentAtMS: 2000},
	}
	waitFor(t, func() bool {
		return r.ctrl.Snapshots().Current().States["crew-1"] == CrewActive
	}, "resubscribed crew never reactivated")
}

func TestSubscribeFailureEntersErrorState(t *testing.T) {
	r := newRig(t, connectivity.Online)
	r.gw.subErr = errors.New("dial refused")

	if err := r.ctrl.StartListeningToMessages(context.Background(), "crew-1"); err == nil {
		t.Fatal("expected subscribe error")
	}
	snap := r.ctrl.Snapshots().Current()
	if snap.States["crew-1"] != CrewError {
		t.Errorf("state = %s, want error", snap.States["crew-1"])
	}
}

func TestEditAndDeleteApplyLocally(t *testing.T) {
	r := newRig(t, connectivity.Online)

	msg, err := r.ctrl.SendMessage(context.Background(), "crew-1", "draft", delivery.KindText, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.ctrl.EditMessage(context.Background(), "crew-1", msg.ClientID, "final"); err != nil {
		t.Fatal(err)
	}
	got := r.ctrl.Snapshots().Current().Messages["crew-1"][0]
	if got.Body != "final" || got.EditedAt == nil {
		t.Errorf("edit not applied: body=%q edited=%v", got.Body, got.EditedAt)
	}

	if err := r.ctrl.DeleteMessage(context.Background(), "crew-1", msg.ClientID); err != nil {
		t.Fatal(err)
	}
	got = r.ctrl.Snapshots().Current().Messages["crew-1"][0]
	if !got.Deleted || got.Body == "final" {
		t.Errorf("delete left body=%q deleted=%v", got.Body, got.Deleted)
	}

	actions := r.gw.writeActions()
	want := []string{"send", "editMessage", "deleteMessage"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestQueuedEditResolvesStoreIDAtDrain(t *testing.T) {
	r := newRig(t, connectivity.Offline)

	msg, err := r.ctrl.SendMessage(context.Background(), "crew-1", "draft", delivery.KindText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.EditMessage(context.Background(), "crew-1", msg.ClientID, "final"); err != nil {
		t.Fatal(err)
	}
	if r.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", r.queue.Len())
	}

	// The drain executes the send first, which assigns the store id the
	// edit must reference.
	r.conn.set(connectivity.Online)
	waitFor(t, func() bool { return r.queue.Len() == 0 }, "queue never drained")

	r.gw.mu.Lock()
	defer r.gw.mu.Unlock()
	if len(r.gw.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(r.gw.writes))
	}
	edit := r.gw.writes[1]
	if edit.Action != string(queue.ActionEditMessage) {
		t.Fatalf("second write = %s, want %s", edit.Action, queue.ActionEditMessage)
	}
	if edit.MessageID != "srv-1" {
		t.Errorf("edit referenced %q, want store id srv-1", edit.MessageID)
	}
}

func TestMarkMessageReadClearsUnread(t *testing.T) {
	r := newRig(t, connectivity.Online)
	if err := r.ctrl.StartListeningToMessages(context.Background(), "crew-1"); err != nil {
		t.Fatal(err)
	}
	r.gw.stream("crew-1").updates <- []gateway.Message{
		{ID: "m1", CrewID: "crew-1", SenderID: "bob", Body: "morning", Kind: "text",
			SentAtMS: time.Now().UnixMilli(), Recipients: []string{"alice", "bob"}},
	}
	waitFor(t, func() bool {
		return r.ctrl.Snapshots().Current().Unread["crew-1"] == 1
	}, "message never counted unread")

	if err := r.ctrl.MarkMessageRead(context.Background(), "crew-1", "m1"); err != nil {
		t.Fatal(err)
	}
	if got := r.ctrl.Snapshots().Current().Unread["crew-1"]; got != 0 {
		t.Errorf("unread after read = %d, want 0", got)
	}
	r.gw.mu.Lock()
	marks := len(r.gw.marks)
	r.gw.mu.Unlock()
	if marks != 1 {
		t.Errorf("read receipt calls = %d, want 1", marks)
	}
}

func TestTypingFlowsIntoSnapshot(t *testing.T) {
	r := newRig(t, connectivity.Online)

	r.ctrl.SetTyping("crew-1", "bob", true)
	snap := r.ctrl.Snapshots().Current()
	if got := snap.Typing["crew-1"]; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing = %v, want [bob]", got)
	}

	if err := r.clk.WaitAdvance(3*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		return len(r.ctrl.Snapshots().Current().Typing["crew-1"]) == 0
	}, "typing never expired")
}

func TestUploadProgressVisibleInSnapshot(t *testing.T) {
	r := newRig(t, connectivity.Online)

	url, err := r.ctrl.UploadAttachment(context.Background(), "att-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn/att-1" {
		t.Errorf("url = %q", url)
	}
	if got, ok := r.ctrl.Snapshots().Current().Uploads["att-1"]; !ok || got != 1.0 {
		t.Errorf("upload fraction = %v (present=%v), want 1.0", got, ok)
	}
}

func TestUploadRequiresIdentity(t *testing.T) {
	r := newRig(t, connectivity.Online)
	r.ident.err = auth.ErrUnauthenticated

	if _, err := r.ctrl.UploadAttachment(context.Background(), "att-1", nil); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}
