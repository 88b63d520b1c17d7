// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Appeal model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateAppeal inserts a pending appeal row for the given conversation.
func CreateAppeal(ctx context.Context, db *gorm.DB, a *domain.Appeal) (*domain.Appeal, error) {
	a.ID = uuid.NewString()
	a.Status = domain.AppealPending
	a.CreatedAt = time.Now().UTC()
	a.ReviewedAt = nil
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetAppeal fetches an appeal by ID, or ErrNotFound.
func GetAppeal(ctx context.Context, db *gorm.DB, id string) (*domain.Appeal, error) {
	var a domain.Appeal
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetPendingAppealForConversation returns the conversation's pending appeal,
// or ErrNotFound when none is open.
func GetPendingAppealForConversation(ctx context.Context, db *gorm.DB, conversationID string) (*domain.Appeal, error) {
	var a domain.Appeal
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, domain.AppealPending).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ReviewAppeal stamps the single allowed pending→approved or
// pending→dismissed edge. The WHERE clause on the current status makes the
// write a compare-and-set: if the appeal was already reviewed, zero rows are
// affected and ErrNotFound is returned, so a review can never be applied
// twice.
func ReviewAppeal(ctx context.Context, db *gorm.DB, id string, to domain.AppealStatus, reviewedAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Appeal{}).
		Where("id = ? AND status = ?", id, domain.AppealPending).
		Updates(map[string]any{
			"status":      to,
			"reviewed_at": reviewedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountAppeals returns the number of appeals with the given status.
func CountAppeals(ctx context.Context, db *gorm.DB, status domain.AppealStatus) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Appeal{}).
		Where("status = ?", status).
		Count(&total).Error
	return total, err
}

// ListAppealsPage returns a page of appeals with the given status, oldest
// first so the admin queue is FIFO.
func ListAppealsPage(ctx context.Context, db *gorm.DB, status domain.AppealStatus, offset, limit int) ([]domain.Appeal, error) {
	var out []domain.Appeal
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
