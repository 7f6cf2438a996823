// Package sync runs the long-poll loop against the homeserver and folds
// each batch into the in-memory state. The coordinator goroutine is the
// only writer of the directory, cache and profile table; everything it
// learns that clients care about goes out as one frame on the bus.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/whatsappx/matrix-bridge/internal/bus"
	"github.com/whatsappx/matrix-bridge/internal/identity"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
	"github.com/whatsappx/matrix-bridge/internal/matrix"
	"github.com/whatsappx/matrix-bridge/internal/state"
	"github.com/whatsappx/matrix-bridge/internal/status"
	"github.com/whatsappx/matrix-bridge/internal/translate"
)

const (
	steadyPollTimeout = 30 * time.Second
	errorBackoff      = 5 * time.Second
)

// Coordinator owns the sync loop. Batches are processed strictly in
// order: the next poll is not issued until the previous response has
// been folded in completely.
type Coordinator struct {
	client     matrix.Client
	translator *translate.Translator
	directory  *state.RoomDirectory
	cache      *state.MessageCache
	profiles   *state.ProfileTable
	mapper     *identity.Mapper
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger

	ready     chan struct{}
	readyOnce stdsync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator wires the coordinator. It does not start syncing.
func NewCoordinator(
	client matrix.Client,
	translator *translate.Translator,
	directory *state.RoomDirectory,
	cache *state.MessageCache,
	profiles *state.ProfileTable,
	mapper *identity.Mapper,
	b *bus.Bus,
	machine *status.Machine,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		client:     client,
		translator: translator,
		directory:  directory,
		cache:      cache,
		profiles:   profiles,
		mapper:     mapper,
		bus:        b,
		machine:    machine,
		logger:     logger,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Ready is closed once the initial sync attempt has finished, whether or
// not it succeeded.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Start launches the sync loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.machine.Transition(status.InitialSync); err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Stop cancels the in-flight poll and waits for the loop to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if err := c.machine.Transition(status.Stopped); err != nil {
			c.logger.Warn("stop transition rejected", zap.Error(err))
		}
	}()

	c.initialSync(ctx)
	c.readyOnce.Do(func() { close(c.ready) })

	if ctx.Err() != nil {
		return
	}
	if err := c.machine.Transition(status.Steady); err != nil {
		c.logger.Error("cannot enter steady state", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := c.client.Sync(ctx, c.client.SinceToken(), false, steadyPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("sync poll failed, backing off",
				zap.Error(err),
				zap.Duration("backoff", errorBackoff))
			if err := c.machine.Transition(status.ErrorBackoff); err != nil {
				c.logger.Warn("backoff transition rejected", zap.Error(err))
			}
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return
			}
			if err := c.machine.Transition(status.Steady); err != nil {
				c.logger.Warn("steady transition rejected", zap.Error(err))
			}
			continue
		}
		c.processBatch(resp)
	}
}

// initialSync pulls the full current state once. Failure is tolerated:
// the bridge comes up degraded and the steady loop repairs the view as
// events arrive.
func (c *Coordinator) initialSync(ctx context.Context) {
	resp, err := c.client.Sync(ctx, "", true, steadyPollTimeout)
	if err != nil {
		c.logger.Warn("initial sync failed, starting degraded", zap.Error(err))
		return
	}
	c.processBatch(resp)
	c.logger.Info("initial sync complete",
		zap.Int("rooms", c.directory.Len()),
		zap.String("next_batch", resp.NextBatch))
}

func (c *Coordinator) processBatch(resp *mautrix.RespSync) {
	if resp == nil {
		return
	}
	for roomID, joined := range resp.Rooms.Join {
		c.processRoom(roomID, joined)
	}
	for roomID := range resp.Rooms.Leave {
		c.logger.Debug("left room", zap.String("room_id", roomID.String()))
	}
}

func (c *Coordinator) processRoom(roomID id.RoomID, joined *mautrix.SyncJoinedRoom) {
	if isSpace(joined) {
		return
	}
	snap := c.directory.Get(roomID.String())
	if snap == nil {
		snap = &state.RoomSnapshot{
			RoomID:    roomID.String(),
			ContactID: c.mapper.ObserveRoom(roomID.String()),
		}
	}

	for _, evt := range joined.State.Events {
		c.applyStateEvent(snap, evt)
	}
	for _, evt := range joined.Timeline.Events {
		if evt.StateKey != nil {
			c.applyStateEvent(snap, evt)
			continue
		}
		c.applyTimelineEvent(snap, evt)
	}
	// A direct chat has the account plus one peer; anything larger is a
	// group. Flips in either direction as membership changes.
	snap.IsGroup = len(snap.Participants) > 2

	if joined.UnreadNotifications != nil {
		snap.UnreadCount = int(joined.UnreadNotifications.NotificationCount)
	}
	c.directory.Upsert(snap)

	for _, evt := range joined.Ephemeral.Events {
		if evt.Type == event.EphemeralEventTyping {
			c.publishTyping(snap, evt)
		}
	}
}

// isSpace reports whether the room's create event marks it as a space.
// Spaces organize rooms and carry no messages, so they are not bridged.
func isSpace(joined *mautrix.SyncJoinedRoom) bool {
	for _, evt := range joined.State.Events {
		if evt.Type != event.StateCreate {
			continue
		}
		content := matrix.NormalizeCreateContent(evt.Content.Raw, evt.Sender.String())
		return content["type"] == "m.space"
	}
	return false
}

func (c *Coordinator) applyStateEvent(snap *state.RoomSnapshot, evt *event.Event) {
	switch evt.Type {
	case event.StateMember:
		c.applyMember(snap, evt)
	case event.StateRoomName:
		if name, ok := evt.Content.Raw["name"].(string); ok {
			snap.Name = name
		}
	case event.StateTopic:
		if topic, ok := evt.Content.Raw["topic"].(string); ok {
			snap.Topic = topic
		}
	case event.StateRoomAvatar:
		if url, ok := evt.Content.Raw["url"].(string); ok {
			snap.AvatarURL = url
		}
	}
}

func (c *Coordinator) applyMember(snap *state.RoomSnapshot, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	userID := *evt.StateKey
	membership, _ := evt.Content.Raw["membership"].(string)
	switch membership {
	case "join":
		c.profiles.Upsert(userID, translate.MemberProfile(evt))
		c.mapper.ObserveUser(userID)
		if !snap.HasParticipant(userID) {
			snap.Participants = append(snap.Participants, userID)
		}
	case "leave", "ban":
		for i, p := range snap.Participants {
			if p == userID {
				snap.Participants = append(snap.Participants[:i], snap.Participants[i+1:]...)
				break
			}
		}
	}
}

func (c *Coordinator) applyTimelineEvent(snap *state.RoomSnapshot, evt *event.Event) {
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		c.ingestMessage(snap, evt)
	case event.EventRedaction:
		c.publishRevoke(snap, evt)
	}
}

func (c *Coordinator) ingestMessage(snap *state.RoomSnapshot, evt *event.Event) {
	msg := c.translator.Message(snap, evt)
	if msg == nil {
		return
	}
	c.cache.Add(&state.MessageRecord{
		EventID:   evt.ID.String(),
		RoomID:    snap.RoomID,
		ContactID: snap.ContactID,
		IsGroup:   snap.IsGroup,
		Payload:   msg,
	})
	snap.LastEventTS = msg.Timestamp
	snap.LastMessageID = evt.ID.String()

	// Broadcast bodies carry the bare contact id; the suffixed address
	// only appears inside message payloads.
	c.publish("notify.new_message", legacy.Frame{
		Sender:   legacy.SenderServer,
		Response: legacy.EventNewMessage,
		Body: legacy.NewMessageBody{
			MsgBody: msg.Body,
			From:    snap.ContactID,
			Author:  msg.Data.Author.User,
			Type:    msg.Type,
		},
	})
	c.publish("notify.ack", legacy.Frame{
		Sender:   legacy.SenderServer,
		Response: legacy.EventAckMessage,
		Body: legacy.AckBody{
			From:  snap.ContactID,
			MsgID: msg.ID.Serialized,
			Ack:   msg.Ack,
		},
	})
}

// publishRevoke announces a redaction. The cached record is left in
// place so replies quoting the redacted message keep resolving.
func (c *Coordinator) publishRevoke(snap *state.RoomSnapshot, evt *event.Event) {
	if evt.Redacts == "" {
		return
	}
	c.publish("notify.revoke", legacy.Frame{
		Sender:   legacy.SenderServer,
		Response: legacy.EventRevoke,
		Body: legacy.RevokeBody{
			From:  snap.ContactID,
			MsgID: evt.Redacts.String(),
		},
	})
}

func (c *Coordinator) publishTyping(snap *state.RoomSnapshot, evt *event.Event) {
	c.publish("notify.contact_state", legacy.Frame{
		Sender:   legacy.SenderServer,
		Response: legacy.EventContactState,
		Body: legacy.ContactStateBody{
			Status: translate.TypingStatus(evt),
			From:   snap.ContactID,
		},
	})
}

func (c *Coordinator) publish(kind string, frame legacy.Frame) {
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   frame,
	})
}
