// Package translate maps remote Matrix events into the legacy message
// schema. Translation is best-effort: unsupported content degrades to a
// generic chat message and malformed fields are dropped rather than
// failing the event.
package translate

import (
	"strconv"
	"strings"
	"time"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"

	"github.com/whatsappx/matrix-bridge/internal/identity"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
	"github.com/whatsappx/matrix-bridge/internal/state"
)

// Translator converts timeline events for one bridge account.
type Translator struct {
	self   string
	mapper *identity.Mapper
	cache  *state.MessageCache
}

// New creates a translator. The cache is consulted for reply resolution
// only, never written.
func New(self string, mapper *identity.Mapper, cache *state.MessageCache) *Translator {
	return &Translator{self: self, mapper: mapper, cache: cache}
}

// Message translates one m.room.message (or sticker) event against its
// room snapshot. Returns nil when the event carries no usable content.
func (t *Translator) Message(snap *state.RoomSnapshot, evt *event.Event) *legacy.Message {
	content := evt.Content.Raw
	if content == nil {
		return nil
	}

	msgType := rawString(content, "msgtype")
	if evt.Type == event.EventSticker && msgType == "" {
		msgType = "m.sticker"
	}
	if msgType == "" {
		msgType = "m.text"
	}

	fromMe := evt.Sender.String() == t.self
	authorID := t.mapper.ObserveUser(evt.Sender.String())
	remote := identity.LegacyAddress(snap.ContactID, snap.IsGroup)
	info := rawMap(content, "info")

	ack := legacy.AckDelivered
	if fromMe {
		ack = legacy.AckRead
	}

	ts := evt.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	msg := &legacy.Message{
		Type:      mapMsgType(msgType, content),
		Body:      rawString(content, "body"),
		Timestamp: ts / 1000,
		FromMe:    fromMe,
		Ack:       ack,
		Duration:  durationSeconds(content, info),
		ID: legacy.MessageID{
			Serialized:  evt.ID.String(),
			FromMe:      fromMe,
			Remote:      remote,
			ID:          evt.ID.String(),
			Participant: legacy.Address{User: authorID},
		},
		Data: legacy.MessageData{
			Author:   legacy.Address{User: authorID},
			MimeType: rawString(info, "mimetype"),
			Size:     rawInt(info, "size"),
			Width:    rawInt(info, "w"),
			Height:   rawInt(info, "h"),
			Caption:  rawString(content, "body"),
			MxcURL:   rawString(content, "url"),
		},
	}

	if lat, lng, ok := parseGeoURI(rawString(content, "geo_uri")); ok {
		msg.Data.Lat = ptr.Ptr(lat)
		msg.Data.Lng = ptr.Ptr(lng)
	}

	t.resolveReply(msg, content)
	return msg
}

// resolveReply embeds a condensed quote when the replied-to message is
// still in the working set. A cache miss leaves the message unquoted;
// that is a silent degradation, not an error.
func (t *Translator) resolveReply(msg *legacy.Message, content map[string]any) {
	relates := rawMap(content, "m.relates_to")
	reply := rawMap(relates, "m.in_reply_to")
	quotedID := rawString(reply, "event_id")
	if quotedID == "" {
		return
	}
	quoted := t.cache.GetMessage(quotedID)
	if quoted == nil {
		return
	}
	msg.Data.QuotedMsg = &legacy.QuotedMessage{
		Body: quoted.Payload.Body,
		Type: quoted.Payload.Type,
	}
	msg.Data.QuotedParticipant = &legacy.Address{User: quoted.Payload.ID.Participant.User}
	msg.Data.QuotedStanzaID = quoted.Payload.ID.Serialized
	msg.HasQuotedMsg = true
}

// TypingStatus reduces a m.typing ephemeral event to the legacy
// two-state signal.
func TypingStatus(evt *event.Event) string {
	users, _ := evt.Content.Raw["user_ids"].([]any)
	if len(users) > 0 {
		return "composing"
	}
	return "paused"
}

// MemberProfile extracts the profile fields of an m.room.member event.
func MemberProfile(evt *event.Event) state.Profile {
	content := evt.Content.Raw
	return state.Profile{
		DisplayName: rawString(content, "displayname"),
		AvatarURL:   rawString(content, "avatar_url"),
		StatusMsg:   rawString(content, "status_msg"),
	}
}

func mapMsgType(msgType string, content map[string]any) string {
	switch msgType {
	case "m.text", "m.notice", "m.emote":
		return "chat"
	case "m.image":
		return "image"
	case "m.video":
		return "video"
	case "m.file":
		return "document"
	case "m.audio":
		if isVoiceNote(content) {
			return "ptt"
		}
		return "audio"
	case "m.location":
		return "location"
	case "m.sticker":
		return "sticker"
	default:
		return "chat"
	}
}

func isVoiceNote(content map[string]any) bool {
	if _, ok := content["org.matrix.msc3245.voice"]; ok {
		return true
	}
	_, ok := content["org.matrix.msc2516.voice"]
	return ok
}

// durationSeconds normalizes a millisecond duration from the media info
// block (or the content itself) to seconds. Absent durations yield 0.
func durationSeconds(content, info map[string]any) int {
	ms := rawInt(info, "duration")
	if ms == 0 {
		ms = rawInt(content, "duration")
	}
	return ms / 1000
}

// parseGeoURI parses a "geo:lat,lng" shaped string. Malformed input
// reports ok=false instead of failing the translation.
func parseGeoURI(raw string) (lat, lng float64, ok bool) {
	if raw == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, "geo:"), ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLat != nil || errLng != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

func rawString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func rawInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func rawMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}
