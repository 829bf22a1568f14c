package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/amora-app/messaging/internal/database"
	"github.com/amora-app/messaging/internal/domain"
)

// GormStore implements Store on a relational database. The balance debit and
// the message insert share one transaction, and the debit uses a guarded
// UPDATE (balance >= cost in the WHERE clause) so concurrent sends from the
// same account serialize on the account row instead of racing a read.
type GormStore struct {
	db   *gorm.DB
	cost int64
}

// NewGormStore creates a GormStore and migrates its schema.
// messageCost is the number of credits debited per accepted send.
func NewGormStore(db *gorm.DB, messageCost int64) (*GormStore, error) {
	if messageCost <= 0 {
		return nil, fmt.Errorf("message cost must be positive, got %d", messageCost)
	}

	if err := database.AutoMigrate(db,
		&domain.Account{},
		&domain.Message{},
		&domain.Conversation{},
		&domain.CreditLedgerEntry{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db, cost: messageCost}, nil
}

func (s *GormStore) SendMessage(ctx context.Context, senderID, recipientID, content, nonce string) (*domain.Message, bool, error) {
	// Fast path: nonce replay returns the original message untouched.
	if msg, err := s.MessageByNonce(ctx, senderID, nonce); err == nil {
		return msg, false, nil
	} else if !errors.Is(err, ErrMessageNotFound) {
		return nil, false, err
	}

	var out domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Account{}).
			Where("user_id = ? AND balance >= ?", senderID, s.cost).
			UpdateColumn("balance", gorm.Expr("balance - ?", s.cost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		var acct domain.Account
		if err := tx.Where("user_id = ?", senderID).First(&acct).Error; err != nil {
			return err
		}

		entry := domain.CreditLedgerEntry{
			UserID:           senderID,
			Delta:            -s.cost,
			Reason:           domain.LedgerReasonMessageSend,
			ResultingBalance: acct.Balance,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		msg := domain.Message{
			ConversationID: domain.ConversationIDFor(senderID, recipientID),
			SenderID:       senderID,
			RecipientID:    recipientID,
			Content:        content,
			Nonce:          nonce,
			SentAt:         time.Now().UTC(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		if err := upsertConversation(tx, &msg); err != nil {
			return err
		}

		out = msg
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race against a concurrent retry of the same nonce.
			// The winner's transaction holds the canonical message.
			msg, lookupErr := s.MessageByNonce(ctx, senderID, nonce)
			if lookupErr == nil {
				return msg, false, nil
			}
			return nil, false, lookupErr
		}
		return nil, false, err
	}

	return &out, true, nil
}

func upsertConversation(tx *gorm.DB, msg *domain.Message) error {
	var conv domain.Conversation
	err := tx.Where("id = ?", msg.ConversationID).First(&conv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userA, userB := domain.ParticipantsOf(msg.ConversationID)
		conv = domain.Conversation{
			ID:            msg.ConversationID,
			UserA:         userA,
			UserB:         userB,
			LastMessageID: msg.ID,
		}
		if msg.RecipientID == userA {
			conv.UnreadA = 1
		} else {
			conv.UnreadB = 1
		}
		return tx.Create(&conv).Error
	case err != nil:
		return err
	}

	unreadCol := "unread_b"
	if msg.RecipientID == conv.UserA {
		unreadCol = "unread_a"
	}
	return tx.Model(&domain.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"last_message_id": msg.ID,
			unreadCol:         gorm.Expr(unreadCol+" + ?", 1),
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (s *GormStore) MessageByNonce(ctx context.Context, senderID, nonce string) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND nonce = ?", senderID, nonce).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *GormStore) Balance(ctx context.Context, userID string) (int64, error) {
	var acct domain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (s *GormStore) CreditAccount(ctx context.Context, userID string, amount int64) (*domain.Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var acct domain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&acct).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			acct = domain.Account{UserID: userID, Balance: amount}
			if err := tx.Create(&acct).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			res := tx.Model(&domain.Account{}).
				Where("user_id = ?", userID).
				UpdateColumn("balance", gorm.Expr("balance + ?", amount))
			if res.Error != nil {
				return res.Error
			}
			if err := tx.Where("user_id = ?", userID).First(&acct).Error; err != nil {
				return err
			}
		}

		entry := domain.CreditLedgerEntry{
			UserID:           userID,
			Delta:            amount,
			Reason:           domain.LedgerReasonTopUp,
			ResultingBalance: acct.Balance,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *GormStore) LedgerEntries(ctx context.Context, userID string, limit int) ([]domain.CreditLedgerEntry, error) {
	var entries []domain.CreditLedgerEntry
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) ConversationsFor(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := s.db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", userID, userID).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *GormStore) MessagesInConversation(ctx context.Context, conversationID string, afterID int64, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id > ?", conversationID, afterID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *GormStore) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	partners := make([]string, 0, len(convs))
	for i := range convs {
		partners = append(partners, convs[i].PartnerOf(userID))
	}
	return partners, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
