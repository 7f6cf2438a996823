// Package legacy defines the wire types of the legacy chat-client schema
// ("wspl"). Field names and JSON tags follow the shapes the legacy client
// expects; changing them breaks deployed clients.
package legacy

// Address identifies a chat endpoint in the legacy schema. User holds the
// derived contact id, Server is "g.us" for groups and "c.us" for direct
// contacts.
type Address struct {
	User   string `json:"user"`
	Server string `json:"server,omitempty"`
}

// MessageID is the composite message identifier the legacy schema uses.
// Serialized carries the remote event id and is the globally unique key.
type MessageID struct {
	Serialized  string  `json:"_serialized"`
	FromMe      bool    `json:"fromMe"`
	Remote      string  `json:"remote"`
	ID          string  `json:"id"`
	Participant Address `json:"participant"`
}

// QuotedMessage is the condensed form of a replied-to message embedded in
// the replying message's payload.
type QuotedMessage struct {
	Body string `json:"body"`
	Type string `json:"type"`
}

// MessageData carries the secondary attributes of a message. Media fields
// are nil when the message has no attachment.
type MessageData struct {
	Author            Address        `json:"author"`
	QuotedMsg         *QuotedMessage `json:"quotedMsg"`
	QuotedParticipant *Address       `json:"quotedParticipant"`
	QuotedStanzaID    string         `json:"quotedStanzaID,omitempty"`
	MimeType          string         `json:"mimetype,omitempty"`
	Size              int            `json:"size,omitempty"`
	Width             int            `json:"width,omitempty"`
	Height            int            `json:"height,omitempty"`
	Caption           string         `json:"caption,omitempty"`
	Lat               *float64       `json:"lat,omitempty"`
	Lng               *float64       `json:"lng,omitempty"`
	MxcURL            string         `json:"mxcUrl,omitempty"`
}

// Message is one translated message in the legacy schema. Type is one of
// chat, image, video, document, audio, ptt, location or sticker.
type Message struct {
	Type         string      `json:"type"`
	Body         string      `json:"body"`
	Timestamp    int64       `json:"timestamp"`
	FromMe       bool        `json:"fromMe"`
	Ack          int         `json:"ack"`
	Duration     int         `json:"duration"`
	ID           MessageID   `json:"id"`
	Data         MessageData `json:"_data"`
	HasQuotedMsg bool        `json:"hasQuotedMsg"`
}

// Chat is the legacy view of a conversation.
type Chat struct {
	ID             Address  `json:"id"`
	Name           string   `json:"name"`
	IsGroup        bool     `json:"isGroup"`
	Timestamp      int64    `json:"timestamp"`
	MuteExpiration int64    `json:"muteExpiration"`
	UnreadCount    int      `json:"unreadCount"`
	GroupDesc      string   `json:"groupDesc"`
	LastMessage    *Message `json:"lastMessage"`
	IDServer       string   `json:"idServer"`
}

// Contact is the legacy view of a person.
type Contact struct {
	ID              Address `json:"id"`
	Number          string  `json:"number"`
	Name            string  `json:"name"`
	ShortName       string  `json:"shortName"`
	PushName        string  `json:"pushname"`
	FormattedNumber string  `json:"formattedNumber"`
	IsWAContact     bool    `json:"isWAContact"`
	IsMyContact     bool    `json:"isMyContact"`
	IsMe            bool    `json:"isMe"`
	ProfileAbout    string  `json:"profileAbout"`
	CommonGroups    []any   `json:"commonGroups"`
}

// Ack levels exposed to the legacy schema.
const (
	AckDelivered = 2
	AckRead      = 4
)
