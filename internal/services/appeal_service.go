// Package services – AppealService
//
// This file implements the appeal workflow: a small secondary state machine
// (pending → approved | dismissed, both terminal) adjudicated by an admin.
// Filing is only possible while the transaction is unsuccessful and inside
// the appeal window; approval is the single path that re-opens a
// transaction, and it does so through the same ApplyTransition authority as
// every other transition.
//
// Review happens exactly once. The repository's compare-and-set on the
// pending status makes double invocation safe: the losing call observes the
// already-reviewed record and either no-ops (same verdict) or reports
// ErrAppealAlreadyReviewed (conflicting verdict).
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// AppealRepo defines the repository contract required by AppealService.
type AppealRepo interface {
	// CreateAppeal inserts a pending appeal.
	CreateAppeal(ctx context.Context, db *gorm.DB, a *domain.Appeal) (*domain.Appeal, error)

	// GetAppeal fetches an appeal by ID.
	GetAppeal(ctx context.Context, db *gorm.DB, id string) (*domain.Appeal, error)

	// GetPendingAppealForConversation returns the conversation's open appeal.
	GetPendingAppealForConversation(ctx context.Context, db *gorm.DB, conversationID string) (*domain.Appeal, error)

	// ReviewAppeal performs the one-shot pending review update.
	ReviewAppeal(ctx context.Context, db *gorm.DB, id string, to domain.AppealStatus, reviewedAt time.Time) error

	// CountAppeals / ListAppealsPage drive the admin queue.
	CountAppeals(ctx context.Context, db *gorm.DB, status domain.AppealStatus) (int64, error)
	ListAppealsPage(ctx context.Context, db *gorm.DB, status domain.AppealStatus, offset, limit int) ([]domain.Appeal, error)
}

// AppealService provides filing and adjudication of appeals.
type AppealService struct {
	DB *gorm.DB
	// Convs is the conversation store; the re-open on approval goes through
	// its transition authority.
	Convs *ConversationService
	// Repo is the appeal repository used by this service.
	Repo AppealRepo

	// MaxDescriptionRunes caps the free-text description (0 disables).
	MaxDescriptionRunes int
}

// NewAppealService constructs an AppealService with the default repository.
func NewAppealService(db *gorm.DB, convs *ConversationService) *AppealService {
	return &AppealService{
		DB:                  db,
		Convs:               convs,
		Repo:                appealRepoFuncs{},
		MaxDescriptionRunes: 2000,
	}
}

// Start files an appeal on behalf of actorID against the conversation's
// unsuccessful transaction. The appeal flag on the transaction and the
// pending appeal record commit under the conversation lock.
func (s *AppealService) Start(ctx context.Context, conversationID, actorID string, reason domain.AppealReason, description string) (*domain.Appeal, error) {
	tr := otel.Tracer("services/AppealService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("actor.id", actorID),
			attribute.String("appeal.reason", string(reason)),
		),
	)
	defer span.End()

	if !domain.ValidAppealReason(reason) {
		return nil, ErrInvalidAppealReason
	}
	description = strings.TrimSpace(description)
	if s.MaxDescriptionRunes > 0 && len([]rune(description)) > s.MaxDescriptionRunes {
		description = string([]rune(description)[:s.MaxDescriptionRunes])
	}

	var out *domain.Appeal
	_, err := s.Convs.Update(ctx, conversationID, func(c *domain.Conversation) (bool, error) {
		next, res := domain.FileAppeal(c.Transaction, c.Participants(), actorID, s.Convs.now())
		if !res.Applied {
			switch res.Reason {
			case domain.ReasonNotParticipant:
				return false, ErrNotParticipant
			case domain.ReasonDeadlinePassed:
				return false, ErrAppealWindowClosed
			case domain.ReasonAlreadyAppealed:
				return false, ErrDuplicateAppeal
			default:
				return false, ErrAppealNotOpen
			}
		}
		a, err := s.Repo.CreateAppeal(ctx, s.DB, &domain.Appeal{
			ConversationID: c.ID,
			BuyerID:        c.BuyerID,
			SellerID:       c.SellerID,
			SubmittedByID:  actorID,
			Reason:         reason,
			Description:    description,
		})
		if err != nil {
			return false, err
		}
		out = a
		c.Transaction = next
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve marks the appeal approved and re-opens the transaction's confirm
// window. Idempotent against double invocation: a second call on an
// already-approved appeal is a no-op, not a duplicate re-open.
func (s *AppealService) Approve(ctx context.Context, appealID string) (*domain.Appeal, error) {
	return s.review(ctx, appealID, domain.AppealApproved)
}

// Dismiss marks the appeal dismissed; the transaction remains unsuccessful
// permanently.
func (s *AppealService) Dismiss(ctx context.Context, appealID string) (*domain.Appeal, error) {
	return s.review(ctx, appealID, domain.AppealDismissed)
}

func (s *AppealService) review(ctx context.Context, appealID string, verdict domain.AppealStatus) (*domain.Appeal, error) {
	tr := otel.Tracer("services/AppealService")
	ctx, span := tr.Start(ctx, "Review",
		trace.WithAttributes(
			attribute.String("appeal.id", appealID),
			attribute.String("appeal.verdict", string(verdict)),
		),
	)
	defer span.End()

	a, err := s.Repo.GetAppeal(ctx, s.DB, appealID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAppealNotFound
		}
		return nil, err
	}
	if a.Status == verdict {
		return a, nil // already resolved this way; no-op
	}
	if a.Status != domain.AppealPending {
		return nil, ErrAppealAlreadyReviewed
	}

	reviewedAt := s.Convs.now()
	if err := s.Repo.ReviewAppeal(ctx, s.DB, appealID, verdict, reviewedAt); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Raced with another reviewer; re-read for the verdict.
			cur, gerr := s.Repo.GetAppeal(ctx, s.DB, appealID)
			if gerr != nil {
				return nil, gerr
			}
			if cur.Status == verdict {
				return cur, nil
			}
			return nil, ErrAppealAlreadyReviewed
		}
		return nil, err
	}
	a.Status = verdict
	a.ReviewedAt = &reviewedAt

	if verdict == domain.AppealApproved {
		_, _, err := s.Convs.ApplyTransition(ctx, a.ConversationID, func(t domain.Transaction, _ domain.Participants, now time.Time) (domain.Transaction, domain.Result) {
			return domain.ApproveAppeal(t, now)
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ListPage returns a page of appeals with the given status (admin queue,
// oldest first) plus the total count.
func (s *AppealService) ListPage(ctx context.Context, status domain.AppealStatus, page, pageSize int) ([]domain.Appeal, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := s.Repo.CountAppeals(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Appeal{}, 0, nil
	}
	items, err := s.Repo.ListAppealsPage(ctx, s.DB, status, (page-1)*pageSize, pageSize)
	return items, total, err
}

// appealRepoFuncs adapts the repository free functions to AppealRepo.
type appealRepoFuncs struct{}

func (appealRepoFuncs) CreateAppeal(ctx context.Context, db *gorm.DB, a *domain.Appeal) (*domain.Appeal, error) {
	return repo.CreateAppeal(ctx, db, a)
}

func (appealRepoFuncs) GetAppeal(ctx context.Context, db *gorm.DB, id string) (*domain.Appeal, error) {
	return repo.GetAppeal(ctx, db, id)
}

func (appealRepoFuncs) GetPendingAppealForConversation(ctx context.Context, db *gorm.DB, conversationID string) (*domain.Appeal, error) {
	return repo.GetPendingAppealForConversation(ctx, db, conversationID)
}

func (appealRepoFuncs) ReviewAppeal(ctx context.Context, db *gorm.DB, id string, to domain.AppealStatus, reviewedAt time.Time) error {
	return repo.ReviewAppeal(ctx, db, id, to, reviewedAt)
}

func (appealRepoFuncs) CountAppeals(ctx context.Context, db *gorm.DB, status domain.AppealStatus) (int64, error) {
	return repo.CountAppeals(ctx, db, status)
}

func (appealRepoFuncs) ListAppealsPage(ctx context.Context, db *gorm.DB, status domain.AppealStatus, offset, limit int) ([]domain.Appeal, error) {
	return repo.ListAppealsPage(ctx, db, status, offset, limit)
}
