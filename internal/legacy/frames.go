package legacy

// Frame is one logical unit on the notification socket. Every frame,
// in both directions, is a single JSON object terminated by a newline.
//
// Server→client: greeting {sender, token}, auth result {sender, response},
// and event notifications {sender, response, body}. Client→server: exactly
// one auth frame {sender, token} before anything else.
type Frame struct {
	Sender   string `json:"sender"`
	Token    string `json:"token,omitempty"`
	Response string `json:"response,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// Sender tags asserted on socket frames.
const (
	SenderServer = "wspl-server"
	SenderClient = "wspl-client"
)

// Auth result values.
const (
	AuthOK     = "ok"
	AuthReject = "reject"
)

// Event notification kinds.
const (
	EventNewMessage   = "NEW_MESSAGE_NOTI"
	EventAckMessage   = "ACK_MESSAGE"
	EventRevoke       = "REVOKE_MESSAGE"
	EventContactState = "CONTACT_CHANGE_STATE"
)

// NewMessageBody is the body of a NEW_MESSAGE_NOTI frame.
type NewMessageBody struct {
	MsgBody string `json:"msgBody"`
	From    string `json:"from"`
	Author  string `json:"author"`
	Type    string `json:"type"`
}

// AckBody is the body of an ACK_MESSAGE frame.
type AckBody struct {
	From  string `json:"from"`
	MsgID string `json:"msgId"`
	Ack   int    `json:"ack"`
}

// RevokeBody is the body of a REVOKE_MESSAGE frame.
type RevokeBody struct {
	From  string `json:"from"`
	MsgID string `json:"msgId"`
}

// ContactStateBody is the body of a CONTACT_CHANGE_STATE frame. Status is
// "composing" while anyone is typing in the room and "paused" otherwise.
type ContactStateBody struct {
	Status string `json:"status"`
	From   string `json:"from"`
}
