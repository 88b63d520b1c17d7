// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateMessage inserts a new message row. readByBuyer/readBySeller should
// reflect the sender's own role (a sender has trivially read their own
// message); automated marks the injected welcome reply.
func CreateMessage(db *gorm.DB, conversationID, senderID, content string, automated, readByBuyer, readBySeller bool) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		IsAutomated:    automated,
		ReadByBuyer:    readByBuyer,
		ReadBySeller:   readBySeller,
		CreatedAt:      time.Now().UTC(),
	}
	return m, db.Create(m).Error
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error (as tests expect).
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkMessagesRead sets the viewer role's read flag on every message in the
// conversation not authored by viewerID. Flags only ever go false to true;
// already-read rows are excluded from the update. Returns the number of rows
// flipped.
func MarkMessagesRead(db *gorm.DB, conversationID, viewerID string, asBuyer bool) (int64, error) {
	column := "read_by_seller"
	if asBuyer {
		column = "read_by_buyer"
	}
	res := db.Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND "+column+" = ?", conversationID, viewerID, false).
		Update(column, true)
	return res.RowsAffected, res.Error
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
