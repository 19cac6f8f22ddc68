package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crewline/crewline/internal/delivery"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second migrate reported changes")
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)
	m := &delivery.Message{
		ID:       "m1",
		CrewID:   "C1",
		SenderID: "alice",
		Body:     "first",
		Kind:     delivery.KindText,
		Status:   delivery.StatusSent,
		SentAt:   time.Now(),
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Body = "edited"
	m.Status = delivery.StatusDelivered
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("C1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (upsert must not duplicate)", len(msgs))
	}
	if msgs[0].Body != "edited" {
		t.Errorf("body = %q, want edited", msgs[0].Body)
	}
	if msgs[0].Status != delivery.StatusDelivered {
		t.Errorf("status = %s, want delivered", msgs[0].Status)
	}
}

func TestUpsertMessageRekeysOptimisticRow(t *testing.T) {
	db := testDB(t)
	optimistic := &delivery.Message{
		ClientID: "c-1",
		CrewID:   "C1",
		SenderID: "alice",
		Body:     "hello",
		Kind:     delivery.KindText,
		Status:   delivery.StatusSending,
		SentAt:   time.Now(),
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	acked := optimistic.Clone()
	acked.ID = "srv-1"
	acked.Status = delivery.StatusSent
	if err := db.UpsertMessage(acked); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("C1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (ack must re-key, not duplicate)", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != delivery.StatusSent {
		t.Errorf("message = id %q status %s, want srv-1/sent", msgs[0].ID, msgs[0].Status)
	}
}

func TestMessageReceiptsRoundTrip(t *testing.T) {
	db := testDB(t)
	ts := time.Now().Truncate(time.Millisecond)
	m := &delivery.Message{
		ID:         "m1",
		CrewID:     "C1",
		SenderID:   "alice",
		Kind:       delivery.KindText,
		Status:     delivery.StatusSent,
		SentAt:     ts,
		Recipients: []string{"alice", "bob"},
		Read:       map[string]time.Time{"bob": ts},
		Delivered:  map[string]time.Time{"bob": ts},
		Attachments: []delivery.Attachment{
			{ID: "a1", URL: "https://cdn/a1", ContentType: "image/jpeg", SizeBytes: 1024},
		},
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("C1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := msgs[0]
	if !got.Read["bob"].Equal(ts) {
		t.Errorf("read receipt = %v, want %v", got.Read["bob"], ts)
	}
	if len(got.Recipients) != 2 {
		t.Errorf("recipients = %v", got.Recipients)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "https://cdn/a1" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestListMessagesAscending(t *testing.T) {
	db := testDB(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3"} {
		m := &delivery.Message{
			ID: id, CrewID: "C1", Kind: delivery.KindText,
			Status: delivery.StatusSent, SentAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := db.ListMessages("C1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestQueueJournal(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	rows := []*QueueRow{
		{EntryID: "e1", CrewID: "C1", Action: "send", Payload: []byte(`{"body":"a"}`), CapturedAt: now},
		{EntryID: "e2", CrewID: "C1", Action: "sendEmergencyAlert", Emergency: true, Payload: []byte(`{}`), CapturedAt: now.Add(time.Second)},
		{EntryID: "e3", CrewID: "C2", Action: "send", Payload: []byte(`{"body":"b"}`), CapturedAt: now.Add(2 * time.Second)},
	}
	for _, r := range rows {
		if err := db.AppendQueue(r); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := db.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 3 {
		t.Fatalf("got %d entries, want 3", len(loaded))
	}
	// Emergency first, then capture order.
	if loaded[0].EntryID != "e2" || loaded[1].EntryID != "e1" || loaded[2].EntryID != "e3" {
		t.Errorf("order = [%s %s %s], want [e2 e1 e3]", loaded[0].EntryID, loaded[1].EntryID, loaded[2].EntryID)
	}

	if err := db.RemoveQueue("e1"); err != nil {
		t.Fatal(err)
	}
	loaded, err = db.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d entries after remove, want 2", len(loaded))
	}
}

func TestCrewUpsertKeepsLatest(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertCrew(&Crew{CrewID: "C1", Name: "North Site", LastMessageAt: 100, LastMessagePreview: "old"}); err != nil {
		t.Fatal(err)
	}
	// Older update must not roll back last_message_at or preview.
	if err := db.UpsertCrew(&Crew{CrewID: "C1", LastMessageAt: 50, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetCrew("C1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 100 || c.LastMessagePreview != "old" {
		t.Errorf("crew = %+v, want last_message_at=100 preview=old", c)
	}
	if c.Name != "North Site" {
		t.Errorf("name = %q, want North Site (empty update must not clear)", c.Name)
	}
}
