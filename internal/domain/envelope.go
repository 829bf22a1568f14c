package domain

import (
	"strconv"
	"time"
)

// WebSocket envelope types from client.
const (
	MsgTypeChatMessage = "chat_message"
)

// WebSocket envelope types to client.
const (
	MsgTypeConnected  = "connected"
	MsgTypeAck        = "ack"
	MsgTypeNewMessage = "new_message"
	MsgTypePresence   = "presence"
	MsgTypeError      = "error"
)

// Error codes
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// BaseEnvelope carries the discriminator tag shared by every frame after the
// auth handshake. Frames with an unknown tag are ignored, never fatal.
type BaseEnvelope struct {
	Type string `json:"type"`
}

// AuthFrame is the first frame a client sends after the channel opens.
// It is the only untagged frame in the protocol.
type AuthFrame struct {
	Token string `json:"token"`
}

// Client -> Server envelopes

type ChatMessageEnvelope struct {
	Type        string `json:"type"`
	Nonce       string `json:"nonce"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// Server -> Client envelopes

type ConnectedEnvelope struct {
	Type string `json:"type"`
}

type AckEnvelope struct {
	Type   string    `json:"type"`
	Nonce  string    `json:"nonce"`
	ID     string    `json:"id"`
	SentAt time.Time `json:"sent_at"`
}

type NewMessageEnvelope struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

type PresenceEnvelope struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Nonce correlates a send rejection with the pending client entry.
	Nonce string `json:"nonce,omitempty"`
}

func NewConnectedEnvelope() *ConnectedEnvelope {
	return &ConnectedEnvelope{Type: MsgTypeConnected}
}

func NewAckEnvelope(m *Message) *AckEnvelope {
	return &AckEnvelope{
		Type:   MsgTypeAck,
		Nonce:  m.Nonce,
		ID:     FormatMessageID(m.ID),
		SentAt: m.SentAt,
	}
}

func NewMessagePush(m *Message) *NewMessageEnvelope {
	return &NewMessageEnvelope{
		Type:           MsgTypeNewMessage,
		ID:             FormatMessageID(m.ID),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
	}
}

func NewPresenceEnvelope(userID string, online bool) *PresenceEnvelope {
	return &PresenceEnvelope{Type: MsgTypePresence, UserID: userID, Online: online}
}

func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: MsgTypeError, Code: code, Message: message}
}

// FormatMessageID renders a server-assigned message id for the wire.
// Ids travel as decimal strings so clients never lose precision.
func FormatMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseMessageID parses a wire message id.
func ParseMessageID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
