package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/whatsappx/matrix-bridge/internal/bus"
	"github.com/whatsappx/matrix-bridge/internal/identity"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
	"github.com/whatsappx/matrix-bridge/internal/state"
	"github.com/whatsappx/matrix-bridge/internal/status"
	"github.com/whatsappx/matrix-bridge/internal/translate"
)

const testSelf = "@bridge:example.org"

type syncResult struct {
	resp *mautrix.RespSync
	err  error
}

// fakeClient serves queued sync results, then blocks like a long poll
// until the context is cancelled.
type fakeClient struct {
	mu    stdsync.Mutex
	queue []syncResult
	since string
}

func (f *fakeClient) Sync(ctx context.Context, since string, fullState bool, timeout time.Duration) (*mautrix.RespSync, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		if next.resp != nil {
			f.since = next.resp.NextBatch
		}
		f.mu.Unlock()
		return next.resp, next.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeClient) SinceToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since
}

func (f *fakeClient) SendMessage(ctx context.Context, roomID id.RoomID, content map[string]any) (id.EventID, error) {
	return "", nil
}
func (f *fakeClient) Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	return id.ContentURI{}, nil
}
func (f *fakeClient) Download(ctx context.Context, mxcURL string) ([]byte, error) { return nil, nil }
func (f *fakeClient) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	return nil
}
func (f *fakeClient) Leave(ctx context.Context, roomID id.RoomID) error { return nil }
func (f *fakeClient) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return nil
}
func (f *fakeClient) Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	return nil
}
func (f *fakeClient) Backfill(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	return nil, nil
}
func (f *fakeClient) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	return nil, nil
}
func (f *fakeClient) CreateRoom(ctx context.Context, name string, invitees []id.UserID) (id.RoomID, error) {
	return "", nil
}
func (f *fakeClient) ToggleIgnore(ctx context.Context, userID id.UserID) (bool, error) {
	return false, nil
}
func (f *fakeClient) SetStatus(ctx context.Context, status string) error { return nil }
func (f *fakeClient) UserID() id.UserID                                  { return id.UserID(testSelf) }
func (f *fakeClient) Close()                                             {}

type fixture struct {
	client    *fakeClient
	coord     *Coordinator
	directory *state.RoomDirectory
	cache     *state.MessageCache
	machine   *status.Machine
	frames    <-chan bus.Event
	unsub     func()
}

func newFixture(t *testing.T, queue []syncResult) *fixture {
	t.Helper()
	b := bus.New()
	frames, unsub := b.Subscribe(bus.NamespaceNotify, 64)
	t.Cleanup(unsub)

	client := &fakeClient{queue: queue}
	mapper := identity.NewMapper()
	cache := state.NewMessageCache(state.DefaultCacheCapacity)
	directory := state.NewRoomDirectory()
	machine := status.NewMachine(b)
	coord := NewCoordinator(
		client,
		translate.New(testSelf, mapper, cache),
		directory,
		cache,
		state.NewProfileTable(),
		mapper,
		b,
		machine,
		zap.NewNop(),
	)
	return &fixture{
		client:    client,
		coord:     coord,
		directory: directory,
		cache:     cache,
		machine:   machine,
		frames:    frames,
		unsub:     unsub,
	}
}

func memberEvent(userID string) *event.Event {
	key := userID
	return &event.Event{
		Type:     event.StateMember,
		StateKey: &key,
		Sender:   id.UserID(userID),
		Content: event.Content{Raw: map[string]any{
			"membership":  "join",
			"displayname": "someone",
		}},
	}
}

func textEvent(eventID, sender, body string) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		ID:        id.EventID(eventID),
		Sender:    id.UserID(sender),
		Timestamp: 1700000000000,
		Content: event.Content{Raw: map[string]any{
			"msgtype": "m.text",
			"body":    body,
		}},
	}
}

func roomResponse(roomID string, joined *mautrix.SyncJoinedRoom) *mautrix.RespSync {
	resp := &mautrix.RespSync{NextBatch: "batch-1"}
	resp.Rooms.Join = map[id.RoomID]*mautrix.SyncJoinedRoom{
		id.RoomID(roomID): joined,
	}
	return resp
}

func waitFrame(t *testing.T, frames <-chan bus.Event, response string) legacy.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-frames:
			frame, ok := evt.Payload.(legacy.Frame)
			if !ok {
				t.Fatalf("payload type %T, want legacy.Frame", evt.Payload)
			}
			if frame.Response == response {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame within timeout", response)
		}
	}
}

func startAndStop(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(f.coord.Stop)
	select {
	case <-f.coord.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never became ready")
	}
}

func TestInitialSyncPopulatesDirectoryAndNotifies(t *testing.T) {
	joined := &mautrix.SyncJoinedRoom{}
	joined.State.Events = []*event.Event{
		memberEvent(testSelf),
		memberEvent("@alice:example.org"),
		memberEvent("@bob:example.org"),
	}
	joined.Timeline.Events = []*event.Event{
		textEvent("$m1", "@alice:example.org", "hi all"),
	}
	joined.UnreadNotifications = &mautrix.UnreadNotificationCounts{NotificationCount: 3}

	f := newFixture(t, []syncResult{{resp: roomResponse("!grp:example.org", joined)}})
	startAndStop(t, f)

	contactID := identity.ContactIDFromRoom("!grp:example.org")
	snap := f.directory.ByContactID(contactID)
	if snap == nil {
		t.Fatal("room not in directory after initial sync")
	}
	if !snap.IsGroup {
		t.Errorf("IsGroup = false, want true for %d participants", len(snap.Participants))
	}
	if snap.UnreadCount != 3 {
		t.Errorf("UnreadCount = %d, want %d", snap.UnreadCount, 3)
	}
	if snap.LastMessageID != "$m1" {
		t.Errorf("LastMessageID = %q, want %q", snap.LastMessageID, "$m1")
	}
	if got := f.cache.RoomLen("!grp:example.org"); got != 1 {
		t.Errorf("cached messages = %d, want 1", got)
	}

	frame := waitFrame(t, f.frames, legacy.EventNewMessage)
	body, ok := frame.Body.(legacy.NewMessageBody)
	if !ok {
		t.Fatalf("body type %T, want NewMessageBody", frame.Body)
	}
	if body.MsgBody != "hi all" {
		t.Errorf("MsgBody = %q, want %q", body.MsgBody, "hi all")
	}
	if body.From != contactID {
		t.Errorf("From = %q, want bare contact id %q", body.From, contactID)
	}

	ack := waitFrame(t, f.frames, legacy.EventAckMessage)
	ackBody := ack.Body.(legacy.AckBody)
	if ackBody.Ack != legacy.AckDelivered {
		t.Errorf("Ack = %d, want %d", ackBody.Ack, legacy.AckDelivered)
	}
	if ackBody.MsgID != "$m1" {
		t.Errorf("MsgID = %q, want %q", ackBody.MsgID, "$m1")
	}
}

func TestDirectChatUsesPersonalSuffix(t *testing.T) {
	joined := &mautrix.SyncJoinedRoom{}
	joined.State.Events = []*event.Event{
		memberEvent(testSelf),
		memberEvent("@alice:example.org"),
	}
	joined.Timeline.Events = []*event.Event{
		textEvent("$d1", "@alice:example.org", "just us"),
	}

	f := newFixture(t, []syncResult{{resp: roomResponse("!dm:example.org", joined)}})
	startAndStop(t, f)

	// Broadcast bodies carry the bare id; the suffixed address lives in
	// the message payload's remote field.
	frame := waitFrame(t, f.frames, legacy.EventNewMessage)
	body := frame.Body.(legacy.NewMessageBody)
	contactID := identity.ContactIDFromRoom("!dm:example.org")
	if body.From != contactID {
		t.Errorf("From = %q, want %q", body.From, contactID)
	}
	rec := f.cache.GetMessage("$d1")
	if rec == nil {
		t.Fatal("message not cached")
	}
	if want := contactID + "@c.us"; rec.Payload.ID.Remote != want {
		t.Errorf("ID.Remote = %q, want %q", rec.Payload.ID.Remote, want)
	}
}

func TestInitialSyncFailureStillBecomesReady(t *testing.T) {
	f := newFixture(t, []syncResult{{err: errors.New("homeserver unreachable")}})
	startAndStop(t, f)

	if f.directory.Len() != 0 {
		t.Errorf("directory len = %d, want 0 after failed initial sync", f.directory.Len())
	}
	if got := f.machine.Current(); got != status.Steady && got != status.ErrorBackoff {
		t.Errorf("state = %s, want steady or backoff", got)
	}
}

func TestRedactionPublishesRevokeAndKeepsCache(t *testing.T) {
	joined := &mautrix.SyncJoinedRoom{}
	joined.State.Events = []*event.Event{
		memberEvent(testSelf),
		memberEvent("@alice:example.org"),
	}
	joined.Timeline.Events = []*event.Event{
		textEvent("$m1", "@alice:example.org", "soon deleted"),
		{
			Type:    event.EventRedaction,
			ID:      id.EventID("$r1"),
			Sender:  id.UserID("@alice:example.org"),
			Redacts: id.EventID("$m1"),
		},
	}

	f := newFixture(t, []syncResult{{resp: roomResponse("!dm:example.org", joined)}})
	startAndStop(t, f)

	frame := waitFrame(t, f.frames, legacy.EventRevoke)
	body := frame.Body.(legacy.RevokeBody)
	if body.MsgID != "$m1" {
		t.Errorf("MsgID = %q, want %q", body.MsgID, "$m1")
	}
	if f.cache.GetMessage("$m1") == nil {
		t.Error("redacted message evicted from cache, want it retained")
	}
}

func TestTypingPublishesContactState(t *testing.T) {
	joined := &mautrix.SyncJoinedRoom{}
	joined.Ephemeral.Events = []*event.Event{
		{
			Type: event.EphemeralEventTyping,
			Content: event.Content{Raw: map[string]any{
				"user_ids": []any{"@alice:example.org"},
			}},
		},
	}

	f := newFixture(t, []syncResult{{resp: roomResponse("!dm:example.org", joined)}})
	startAndStop(t, f)

	frame := waitFrame(t, f.frames, legacy.EventContactState)
	body := frame.Body.(legacy.ContactStateBody)
	if body.Status != "composing" {
		t.Errorf("Status = %q, want %q", body.Status, "composing")
	}
}

func TestSpaceRoomsAreNotBridged(t *testing.T) {
	creator := "@alice:example.org"
	key := ""
	joined := &mautrix.SyncJoinedRoom{}
	joined.State.Events = []*event.Event{
		{
			Type:     event.StateCreate,
			StateKey: &key,
			Sender:   id.UserID(creator),
			Content:  event.Content{Raw: map[string]any{"type": "m.space"}},
		},
		memberEvent(testSelf),
		memberEvent(creator),
	}

	f := newFixture(t, []syncResult{{resp: roomResponse("!space:example.org", joined)}})
	startAndStop(t, f)

	if f.directory.Len() != 0 {
		t.Errorf("directory len = %d, want 0 for a space room", f.directory.Len())
	}
}

func TestStopDuringBackoffDoesNotHang(t *testing.T) {
	f := newFixture(t, []syncResult{
		{err: errors.New("boom")},
		{err: errors.New("boom again")},
	})
	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-f.coord.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never became ready")
	}

	done := make(chan struct{})
	go func() {
		f.coord.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while backing off")
	}
	if got := f.machine.Current(); got != status.Stopped {
		t.Errorf("state = %s, want %s", got, status.Stopped)
	}
}
