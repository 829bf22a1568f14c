package domain

import (
	"strings"
	"time"
)

// Account holds a user's spendable credit balance. The balance is only
// mutated through the store's atomic check-and-debit (or an explicit credit),
// never by a read-then-write sequence.
type Account struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a persisted chat message. Created only by an accepted send;
// immutable thereafter. IDs are server-assigned and monotonically increasing,
// so conversation order is defined by (ID, SentAt), never by client clocks.
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"index;not null" json:"conversation_id"`
	SenderID       string    `gorm:"not null;uniqueIndex:ux_sender_nonce,priority:1" json:"sender_id"`
	RecipientID    string    `gorm:"not null" json:"recipient_id"`
	Content        string    `gorm:"not null" json:"content"`
	Nonce          string    `gorm:"not null;uniqueIndex:ux_sender_nonce,priority:2" json:"nonce"`
	SentAt         time.Time `gorm:"not null" json:"sent_at"`
}

// Conversation is the derived per-pair aggregate. The store maintains it as
// part of the send transaction; clients never mutate it directly.
type Conversation struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	UserA         string    `gorm:"index;not null" json:"user_a"`
	UserB         string    `gorm:"index;not null" json:"user_b"`
	LastMessageID int64     `json:"last_message_id"`
	UnreadA       int64     `gorm:"not null;default:0" json:"unread_a"`
	UnreadB       int64     `gorm:"not null;default:0" json:"unread_b"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UnreadFor returns the unread count from the given participant's view.
func (c *Conversation) UnreadFor(userID string) int64 {
	if userID == c.UserA {
		return c.UnreadA
	}
	return c.UnreadB
}

// PartnerOf returns the other participant of the conversation.
func (c *Conversation) PartnerOf(userID string) string {
	if userID == c.UserA {
		return c.UserB
	}
	return c.UserA
}

// CreditLedgerEntry is an append-only record of a balance change. Exactly one
// debit entry exists per accepted message send.
type CreditLedgerEntry struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           string    `gorm:"index;not null" json:"user_id"`
	Delta            int64     `gorm:"not null" json:"delta"`
	Reason           string    `gorm:"not null" json:"reason"`
	ResultingBalance int64     `gorm:"not null" json:"resulting_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// Ledger entry reasons.
const (
	LedgerReasonMessageSend = "message_send"
	LedgerReasonTopUp       = "top_up"
)

// ConversationIDFor derives the canonical conversation id for an unordered
// participant pair.
func ConversationIDFor(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// ParticipantsOf splits a canonical conversation id back into its sorted pair.
func ParticipantsOf(conversationID string) (string, string) {
	parts := strings.SplitN(conversationID, ":", 2)
	if len(parts) != 2 {
		return conversationID, ""
	}
	return parts[0], parts[1]
}
