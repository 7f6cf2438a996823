// Package bridge is the operation surface of the daemon: everything a
// dispatch layer or an operator tool would call lives here. Reads come
// from the in-memory state; writes go through the Matrix adapter.
package bridge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"github.com/whatsappx/matrix-bridge/internal/identity"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
	"github.com/whatsappx/matrix-bridge/internal/matrix"
	"github.com/whatsappx/matrix-bridge/internal/media"
	"github.com/whatsappx/matrix-bridge/internal/state"
	"github.com/whatsappx/matrix-bridge/internal/translate"
)

// Mute level offsets in seconds. Level -1 unmutes; levels outside the
// map resolve to an offset of zero, an already expired mute.
var muteOffsets = map[int]int64{
	0: 8 * 60 * 60,
	1: 7 * 24 * 60 * 60,
	2: 10 * 365 * 24 * 60 * 60,
}

// Bridge implements the legacy operation contract over the live state
// and the Matrix adapter.
type Bridge struct {
	client     matrix.Client
	translator *translate.Translator
	directory  *state.RoomDirectory
	cache      *state.MessageCache
	profiles   *state.ProfileTable
	mutes      *state.MuteStore
	mapper     *identity.Mapper
	ready      <-chan struct{}
	logger     *zap.Logger
}

// New wires the bridge. ready is closed when the initial sync attempt
// has finished.
func New(
	client matrix.Client,
	translator *translate.Translator,
	directory *state.RoomDirectory,
	cache *state.MessageCache,
	profiles *state.ProfileTable,
	mutes *state.MuteStore,
	mapper *identity.Mapper,
	ready <-chan struct{},
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		client:     client,
		translator: translator,
		directory:  directory,
		cache:      cache,
		profiles:   profiles,
		mutes:      mutes,
		mapper:     mapper,
		ready:      ready,
		logger:     logger,
	}
}

// Ready reports whether the initial sync attempt has finished.
func (b *Bridge) Ready() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the bridge is ready or the context expires.
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) ensureReady() error {
	if !b.Ready() {
		return ErrNotReady
	}
	return nil
}

// Chats returns every known conversation, most recently active first.
func (b *Bridge) Chats() ([]*legacy.Chat, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	snaps := b.directory.All()
	chats := make([]*legacy.Chat, 0, len(snaps))
	for _, snap := range snaps {
		chats = append(chats, b.chatFromSnapshot(snap))
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].Timestamp > chats[j].Timestamp
	})
	return chats, nil
}

// Groups returns only the group conversations, most recent first.
func (b *Bridge) Groups() ([]*legacy.Chat, error) {
	chats, err := b.Chats()
	if err != nil {
		return nil, err
	}
	groups := chats[:0]
	for _, chat := range chats {
		if chat.IsGroup {
			groups = append(groups, chat)
		}
	}
	return groups, nil
}

func (b *Bridge) chatFromSnapshot(snap *state.RoomSnapshot) *legacy.Chat {
	var last *legacy.Message
	if snap.LastMessageID != "" {
		if rec := b.cache.GetMessage(snap.LastMessageID); rec != nil {
			last = rec.Payload
		}
	}
	name := snap.Name
	if name == "" && !snap.IsGroup {
		name = b.peerName(snap)
	}
	server := identity.Server(snap.IsGroup)
	return &legacy.Chat{
		ID:             legacy.Address{User: snap.ContactID, Server: server},
		Name:           name,
		IsGroup:        snap.IsGroup,
		Timestamp:      snap.LastEventTS,
		MuteExpiration: b.mutes.Get(snap.ContactID),
		UnreadCount:    snap.UnreadCount,
		GroupDesc:      snap.Topic,
		LastMessage:    last,
		IDServer:       server,
	}
}

// peerName resolves a direct chat's display name from the other
// participant's profile.
func (b *Bridge) peerName(snap *state.RoomSnapshot) string {
	self := b.client.UserID().String()
	for _, p := range snap.Participants {
		if p == self {
			continue
		}
		if profile, ok := b.profiles.Get(p); ok && profile.DisplayName != "" {
			return profile.DisplayName
		}
		return p
	}
	return ""
}

// Contacts returns every person seen across all rooms, deduplicated by
// contact id. The synthetic self contact always comes first; the rest
// are sorted by name, case-insensitive.
func (b *Bridge) Contacts() ([]*legacy.Contact, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	self := b.client.UserID().String()
	seen := map[string]bool{}
	var contacts []*legacy.Contact
	for _, snap := range b.directory.All() {
		for _, userID := range snap.Participants {
			if userID == self {
				continue
			}
			contactID := identity.ContactIDFromUser(userID)
			if seen[contactID] {
				continue
			}
			seen[contactID] = true
			contacts = append(contacts, b.contactFor(userID, contactID, false))
		}
	}
	sort.Slice(contacts, func(i, j int) bool {
		return strings.ToLower(contacts[i].Name) < strings.ToLower(contacts[j].Name)
	})
	selfContact := b.contactFor(self, identity.ContactIDFromUser(self), true)
	return append([]*legacy.Contact{selfContact}, contacts...), nil
}

func (b *Bridge) contactFor(userID, contactID string, isMe bool) *legacy.Contact {
	name := userID
	var about string
	if profile, ok := b.profiles.Get(userID); ok {
		if profile.DisplayName != "" {
			name = profile.DisplayName
		}
		about = profile.StatusMsg
	}
	return &legacy.Contact{
		ID:              legacy.Address{User: contactID, Server: identity.Server(false)},
		Number:          contactID,
		Name:            name,
		ShortName:       name,
		PushName:        name,
		FormattedNumber: contactID,
		IsWAContact:     true,
		IsMyContact:     true,
		IsMe:            isMe,
		ProfileAbout:    about,
		CommonGroups:    []any{},
	}
}

// RoomByContact resolves a contact id to its room snapshot.
func (b *Bridge) RoomByContact(contactID string) (*state.RoomSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	snap := b.directory.ByContactID(contactID)
	if snap == nil {
		return nil, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	return snap, nil
}

// FetchMessages returns up to limit messages for a chat, oldest first.
// The cached working set is preferred; a short set triggers one
// backfill page from the homeserver.
func (b *Bridge) FetchMessages(ctx context.Context, contactID string, limit int) ([]*legacy.Message, error) {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return nil, err
	}
	records := b.cache.GetRoom(snap.RoomID)
	if len(records) >= limit {
		msgs := make([]*legacy.Message, 0, limit)
		for _, rec := range records[len(records)-limit:] {
			msgs = append(msgs, rec.Payload)
		}
		return msgs, nil
	}

	events, err := b.client.Backfill(ctx, id.RoomID(snap.RoomID), limit)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", contactID, err)
	}
	// Backfill pages arrive newest first. Translated events join the
	// working set so follow-up operations (redact, quote) resolve them.
	msgs := make([]*legacy.Message, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		msg := b.translator.Message(snap, events[i])
		if msg == nil {
			continue
		}
		b.cache.Add(&state.MessageRecord{
			EventID:   events[i].ID.String(),
			RoomID:    snap.RoomID,
			ContactID: snap.ContactID,
			IsGroup:   snap.IsGroup,
			Payload:   msg,
		})
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// SendText sends a plain text message. replyTo optionally references an
// earlier event id to reply to.
func (b *Bridge) SendText(ctx context.Context, contactID, body, replyTo string) (string, error) {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return "", err
	}
	content := map[string]any{
		"msgtype": "m.text",
		"body":    body,
	}
	addReply(content, replyTo)
	eventID, err := b.client.SendMessage(ctx, id.RoomID(snap.RoomID), content)
	if err != nil {
		return "", fmt.Errorf("send text to %s: %w", contactID, err)
	}
	return eventID.String(), nil
}

// SendImage uploads an image and sends it with an optional caption.
func (b *Bridge) SendImage(ctx context.Context, contactID string, data []byte, fileName, caption, replyTo string) (string, error) {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return "", err
	}
	mimeType, ext := media.Sniff(data)
	if fileName == "" {
		fileName = "image" + ext
	}
	uri, err := b.client.Upload(ctx, data, mimeType, fileName)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	body := caption
	if body == "" {
		body = fileName
	}
	content := map[string]any{
		"msgtype": "m.image",
		"body":    body,
		"url":     uri.String(),
		"info": map[string]any{
			"mimetype": mimeType,
			"size":     len(data),
		},
	}
	addReply(content, replyTo)
	eventID, err := b.client.SendMessage(ctx, id.RoomID(snap.RoomID), content)
	if err != nil {
		return "", fmt.Errorf("send image to %s: %w", contactID, err)
	}
	return eventID.String(), nil
}

// SendVoiceNote transcodes audio to the voice-note profile and sends it
// flagged as a voice message.
func (b *Bridge) SendVoiceNote(ctx context.Context, contactID string, data []byte, replyTo string) (string, error) {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return "", err
	}
	ogg, err := media.VoiceNoteToOgg(ctx, data)
	if err != nil {
		return "", fmt.Errorf("transcode voice note: %w", err)
	}
	uri, err := b.client.Upload(ctx, ogg, "audio/ogg", "voice.ogg")
	if err != nil {
		return "", fmt.Errorf("upload voice note: %w", err)
	}
	content := map[string]any{
		"msgtype": "m.audio",
		"body":    "voice.ogg",
		"url":     uri.String(),
		"info": map[string]any{
			"mimetype": "audio/ogg",
			"size":     len(ogg),
		},
		"org.matrix.msc3245.voice": map[string]any{},
		"org.matrix.msc2516.voice": true,
	}
	addReply(content, replyTo)
	eventID, err := b.client.SendMessage(ctx, id.RoomID(snap.RoomID), content)
	if err != nil {
		return "", fmt.Errorf("send voice note to %s: %w", contactID, err)
	}
	return eventID.String(), nil
}

func addReply(content map[string]any, replyTo string) {
	if replyTo == "" {
		return
	}
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": replyTo},
	}
}

// SetTyping signals that the account is composing in a chat.
func (b *Bridge) SetTyping(ctx context.Context, contactID string) error {
	return b.typing(ctx, contactID, true)
}

// ClearTyping withdraws the composing signal.
func (b *Bridge) ClearTyping(ctx context.Context, contactID string) error {
	return b.typing(ctx, contactID, false)
}

func (b *Bridge) typing(ctx context.Context, contactID string, typing bool) error {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return err
	}
	if err := b.client.Typing(ctx, id.RoomID(snap.RoomID), typing, 30*time.Second); err != nil {
		return fmt.Errorf("typing in %s: %w", contactID, err)
	}
	return nil
}

// MarkRead moves the read marker to the chat's latest message.
func (b *Bridge) MarkRead(ctx context.Context, contactID string) error {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return err
	}
	if snap.LastMessageID == "" {
		return nil
	}
	if err := b.client.MarkRead(ctx, id.RoomID(snap.RoomID), id.EventID(snap.LastMessageID)); err != nil {
		return fmt.Errorf("mark read %s: %w", contactID, err)
	}
	return nil
}

// SetMute applies a mute level to a chat and returns the resulting
// expiration in epoch seconds. Level -1 unmutes (returns 0).
func (b *Bridge) SetMute(contactID string, level int) (int64, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	if level == -1 {
		if err := b.mutes.Set(contactID, 0); err != nil {
			return 0, fmt.Errorf("unmute %s: %w", contactID, err)
		}
		return 0, nil
	}
	expiration := time.Now().Unix() + muteOffsets[level]
	if err := b.mutes.Set(contactID, expiration); err != nil {
		return 0, fmt.Errorf("mute %s: %w", contactID, err)
	}
	return expiration, nil
}

// ToggleBlock flips the ignore state of the user behind a contact id.
// Returns the new state: true when now blocked.
func (b *Bridge) ToggleBlock(ctx context.Context, contactID string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	userID, ok := b.mapper.UserFor(contactID)
	if !ok {
		return false, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	blocked, err := b.client.ToggleIgnore(ctx, id.UserID(userID))
	if err != nil {
		return false, fmt.Errorf("toggle block %s: %w", contactID, err)
	}
	return blocked, nil
}

// DeleteChat clears a chat's local working set. The room itself is
// untouched; history reappears only through backfill.
func (b *Bridge) DeleteChat(contactID string) error {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return err
	}
	b.cache.ClearRoom(snap.RoomID)
	return nil
}

// DeleteMessage redacts a message for everyone.
func (b *Bridge) DeleteMessage(ctx context.Context, messageID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	rec := b.cache.GetMessage(messageID)
	if rec == nil {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err := b.client.Redact(ctx, id.RoomID(rec.RoomID), id.EventID(messageID), ""); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// LeaveRoom leaves the room behind a contact id.
func (b *Bridge) LeaveRoom(ctx context.Context, contactID string) error {
	snap, err := b.RoomByContact(contactID)
	if err != nil {
		return err
	}
	if err := b.client.Leave(ctx, id.RoomID(snap.RoomID)); err != nil {
		return fmt.Errorf("leave %s: %w", contactID, err)
	}
	return nil
}

// CreateRoom creates a named room and invites the users behind the
// given contact ids. Unknown contact ids are skipped.
func (b *Bridge) CreateRoom(ctx context.Context, name string, contactIDs []string) (string, error) {
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	var invitees []id.UserID
	for _, contactID := range contactIDs {
		if userID, ok := b.mapper.UserFor(contactID); ok {
			invitees = append(invitees, id.UserID(userID))
		}
	}
	roomID, err := b.client.CreateRoom(ctx, name, invitees)
	if err != nil {
		return "", fmt.Errorf("create room %q: %w", name, err)
	}
	return b.mapper.ObserveRoom(roomID.String()), nil
}

// QuotedMessage returns the condensed quote form of a cached message.
func (b *Bridge) QuotedMessage(messageID string) (*legacy.QuotedMessage, error) {
	rec, err := b.cachedRecord(messageID)
	if err != nil {
		return nil, err
	}
	return &legacy.QuotedMessage{Body: rec.Payload.Body, Type: rec.Payload.Type}, nil
}

func (b *Bridge) cachedRecord(messageID string) (*state.MessageRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rec := b.cache.GetMessage(messageID)
	if rec == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return rec, nil
}

// MessageRecord returns a message by id, fetching it from the
// homeserver when it has aged out of the cache.
func (b *Bridge) MessageRecord(ctx context.Context, messageID string) (*state.MessageRecord, error) {
	rec, err := b.cachedRecord(messageID)
	if err == nil {
		return rec, nil
	}
	if !b.Ready() {
		return nil, err
	}
	b.logger.Debug("message not cached, fetching from homeserver",
		zap.String("event_id", messageID))
	for _, snap := range b.directory.All() {
		evt, fetchErr := b.client.GetEvent(ctx, id.RoomID(snap.RoomID), id.EventID(messageID))
		if fetchErr != nil || evt == nil {
			continue
		}
		msg := b.translator.Message(snap, evt)
		if msg == nil {
			break
		}
		fetched := &state.MessageRecord{
			EventID:   messageID,
			RoomID:    snap.RoomID,
			ContactID: snap.ContactID,
			IsGroup:   snap.IsGroup,
			Payload:   msg,
		}
		b.cache.Add(fetched)
		return fetched, nil
	}
	return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

// DownloadMedia fetches the attachment of a message. Returns the bytes
// and their mime type.
func (b *Bridge) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	rec, err := b.MessageRecord(ctx, messageID)
	if err != nil {
		return nil, "", err
	}
	if rec.Payload.Data.MxcURL == "" {
		return nil, "", fmt.Errorf("message %s: %w", messageID, ErrNoMedia)
	}
	data, err := b.client.Download(ctx, rec.Payload.Data.MxcURL)
	if err != nil {
		return nil, "", fmt.Errorf("download media for %s: %w", messageID, err)
	}
	mimeType := rec.Payload.Data.MimeType
	if mimeType == "" {
		mimeType, _ = media.Sniff(data)
	}
	return data, mimeType, nil
}

// AudioAsMP3 returns a message's audio attachment as mp3, transcoding
// unless it already is one.
func (b *Bridge) AudioAsMP3(ctx context.Context, messageID string) ([]byte, error) {
	data, mimeType, err := b.DownloadMedia(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mimeType, "audio/") {
		return nil, fmt.Errorf("message %s has %s, not audio: %w", messageID, mimeType, ErrNoMedia)
	}
	if mimeType == "audio/mpeg" {
		return data, nil
	}
	out, err := media.AudioToMP3(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("audio to mp3 for %s: %w", messageID, err)
	}
	return out, nil
}

// VideoAsQuickTime returns a message's video attachment in a QuickTime
// container, transcoding unless it already is one.
func (b *Bridge) VideoAsQuickTime(ctx context.Context, messageID string) ([]byte, error) {
	data, mimeType, err := b.DownloadMedia(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mimeType, "video/") {
		return nil, fmt.Errorf("message %s has %s, not video: %w", messageID, mimeType, ErrNoMedia)
	}
	if mimeType == "video/quicktime" {
		return data, nil
	}
	out, err := media.VideoToQuickTime(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("video to quicktime for %s: %w", messageID, err)
	}
	return out, nil
}

// VideoThumbnail returns the first frame of a message's video attachment
// as a jpeg.
func (b *Bridge) VideoThumbnail(ctx context.Context, messageID string) ([]byte, error) {
	data, mimeType, err := b.DownloadMedia(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mimeType, "video/") {
		return nil, fmt.Errorf("message %s has %s, not video: %w", messageID, mimeType, ErrNoMedia)
	}
	out, err := media.VideoThumbnail(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("video thumbnail for %s: %w", messageID, err)
	}
	return out, nil
}

// ProfileMedia fetches the avatar of a contact or group.
func (b *Bridge) ProfileMedia(ctx context.Context, contactID string) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	avatarURL := ""
	if snap := b.directory.ByContactID(contactID); snap != nil {
		avatarURL = snap.AvatarURL
	}
	if avatarURL == "" {
		if userID, ok := b.mapper.UserFor(contactID); ok {
			if profile, found := b.profiles.Get(userID); found {
				avatarURL = profile.AvatarURL
			}
		}
	}
	if avatarURL == "" {
		return nil, fmt.Errorf("contact %s avatar: %w", contactID, ErrNoMedia)
	}
	data, err := b.client.Download(ctx, avatarURL)
	if err != nil {
		return nil, fmt.Errorf("download avatar for %s: %w", contactID, err)
	}
	return data, nil
}

// ProfileHash returns the md5 hex digest of a contact's avatar, or the
// literal "null" when no avatar is available. Legacy clients compare
// the string to detect avatar changes.
func (b *Bridge) ProfileHash(ctx context.Context, contactID string) string {
	data, err := b.ProfileMedia(ctx, contactID)
	if err != nil {
		return "null"
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SetStatusMessage publishes a presence status message for the account.
func (b *Bridge) SetStatusMessage(ctx context.Context, status string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	if err := b.client.SetStatus(ctx, status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}
