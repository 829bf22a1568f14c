package store

import (
	"context"
	"errors"

	"github.com/amora-app/messaging/internal/domain"
)

var (
	// ErrInsufficientBalance rejects a send whose debit would overdraw the
	// sender's account. No state changes when it is returned.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMessageNotFound indicates no message matches the lookup.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationNotFound indicates no conversation matches the lookup.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store is the durable state behind the message router: accounts, the
// append-only credit ledger, messages, and the derived conversations.
type Store interface {
	// SendMessage is the single admission operation for a message send.
	// It resolves nonce replays to the original message (created=false),
	// and otherwise debits the sender and persists the message atomically:
	// the debit is never observable without the message nor vice versa.
	// Returns ErrInsufficientBalance when the sender cannot cover the cost.
	SendMessage(ctx context.Context, senderID, recipientID, content, nonce string) (msg *domain.Message, created bool, err error)

	// MessageByNonce returns the message created for (senderID, nonce),
	// or ErrMessageNotFound.
	MessageByNonce(ctx context.Context, senderID, nonce string) (*domain.Message, error)

	// Balance returns the sender's current credit balance. A user without
	// an account has balance zero.
	Balance(ctx context.Context, userID string) (int64, error)

	// CreditAccount appends a top-up ledger entry and raises the balance.
	CreditAccount(ctx context.Context, userID string, amount int64) (*domain.Account, error)

	// LedgerEntries returns a user's ledger entries, newest first.
	LedgerEntries(ctx context.Context, userID string, limit int) ([]domain.CreditLedgerEntry, error)

	// ConversationsFor returns the user's conversations, most recently
	// active first.
	ConversationsFor(ctx context.Context, userID string) ([]domain.Conversation, error)

	// MessagesInConversation returns up to limit messages with id greater
	// than afterID, in ascending id order.
	MessagesInConversation(ctx context.Context, conversationID string, afterID int64, limit int) ([]domain.Message, error)

	// PartnersOf returns the distinct conversation partners of a user.
	PartnersOf(ctx context.Context, userID string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}
