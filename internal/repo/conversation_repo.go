// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// This repository is designed to be wrapped by the conversation store
// (services.ConversationService), which owns per-conversation mutual
// exclusion and applies the transaction state machine.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new conversation between buyerID and sellerID
// about productID. The transaction starts idle and the conversation is
// reward-eligible. The ID is a randomly generated UUID.
func CreateConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		BuyerID:        buyerID,
		SellerID:       sellerID,
		ProductID:      productID,
		RewardEligible: true,
		Transaction:    domain.Transaction{MeetupStatus: domain.MeetupIdle},
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID. If the record does not
// exist, it returns ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationForUser fetches a conversation by ID, ensuring userID is
// one of the two participants. Returns ErrNotFound otherwise.
func GetConversationForUser(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND (buyer_id = ? OR seller_id = ?)", id, userID, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindConversation returns the existing conversation for the exact
// (buyer, seller, product) triple, or ErrNotFound.
func FindConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("buyer_id = ? AND seller_id = ? AND product_id = ?", buyerID, sellerID, productID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns the total number of conversations the user
// participates in (either role).
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of the user's conversations, most
// recently updated first. Use CountConversations for pagination metadata.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListOpenConversationIDs returns the IDs of every conversation whose
// transaction the sweep still needs to evaluate (proposed, confirmed, or
// window_to_confirm). Only IDs are loaded; the sweep re-reads each
// conversation under its lock.
func ListOpenConversationIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("tx_meetup_status IN ?", []domain.MeetupStatus{
			domain.MeetupProposed,
			domain.MeetupConfirmed,
			domain.MeetupWindowToConfirm,
		}).
		Pluck("id", &ids).Error
	return ids, err
}

// SaveConversation persists the full conversation row, including the
// embedded transaction and welcome bookkeeping. Select("*") forces zero
// values (cleared flags, nil deadlines) to be written.
func SaveConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", c.ID).
		Select("*").
		Omit("id", "created_at", "deleted_at").
		Updates(c)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
