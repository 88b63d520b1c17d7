// Appeal HTTP handlers.
//
// This file exposes REST endpoints for transaction appeals:
//   - POST /conversations/{id}/appeals  (file an appeal for an unsuccessful transaction)
//   - GET  /appeals                     (admin: list appeals by status, paginated)
//   - POST /appeals/{id}/approve        (admin: uphold an appeal, reopening the transaction)
//   - POST /appeals/{id}/dismiss        (admin: reject an appeal)
//
// Handlers are transport-thin: filing validation and review semantics live in
// AppealService; only HTTP translation happens here.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
)

//
// DTOs
//

// StartAppealRequest is the JSON payload for filing an appeal.
type StartAppealRequest struct {
	// Reason must be one of: forgot_to_click, met_but_issue, technical_issue, other.
	Reason string `json:"reason" binding:"required,min=1" example:"forgot_to_click"`
	// Description optionally elaborates on the dispute (clipped server-side).
	Description string `json:"description" example:"We met on Saturday but I forgot to confirm in the app."`
}

// AppealResponse wraps a single appeal record.
type AppealResponse struct {
	Appeal *domain.Appeal `json:"appeal"`
}

// ListAppealsResponse contains a page of appeals and pagination metadata.
type ListAppealsResponse struct {
	Appeals    []domain.Appeal `json:"appeals"`
	Pagination Pagination      `json:"pagination"`
}

//
// Handlers
//

// StartAppeal godoc
// @ID          startAppeal
// @Summary     File an appeal
// @Description Files an appeal against an unsuccessful transaction. Only
// @Description participants may appeal, only while the appeal window is open,
// @Description and at most one appeal per conversation may be pending.
// @Description Supports idempotency via the Idempotency-Key header.
// @Tags        Appeals
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true   "User ID (must be a participant)"  example(buyer-1)
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true   "Conversation ID (UUID)"           format(uuid)
// @Param       body             body    handlers.StartAppealRequest  true  "Appeal payload"
//
// @Success     200  {object}  handlers.AppealResponse  "Filed appeal"
// @Failure     400  {object}  handlers.ErrorResponse   "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse   "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse   "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse   "Appeal not possible in the current state"
// @Failure     500  {object}  handlers.ErrorResponse   "Internal error"
// @Router      /conversations/{id}/appeals [post]
func (h *Handlers) StartAppeal(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID, okID := pathConversationID(c)
	if !okID {
		return
	}

	var req StartAppealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reason required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – the recorded ref id is the appeal id.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.appealSvc.(*services.AppealService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetAppeal(ctx, svc.DB, rec.RefID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, AppealResponse{Appeal: prev})
					return
				}
			}
		}
	}

	appeal, err := h.appealSvc.Start(ctx, conversationID, currentUser,
		domain.AppealReason(strings.TrimSpace(req.Reason)), req.Description)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrNotParticipant:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a conversation participant")
		case services.ErrInvalidAppealReason:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid appeal reason")
		case services.ErrAppealNotOpen, services.ErrAppealWindowClosed, services.ErrDuplicateAppeal:
			fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAppealFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.appealSvc.(*services.AppealService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, appeal.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, AppealResponse{Appeal: appeal})
}

// ListAppeals godoc
// @ID          listAppeals
// @Summary     List appeals by status
// @Description Returns a page of appeals in the requested status (default
// @Description pending), oldest first so reviewers work the backlog in order.
// @Tags        Appeals
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "Reviewer user ID"  example(ops-1)
// @Param       status     query   string  false  "Appeal status (pending, approved, dismissed; default pending)"
// @Param       page       query   int     false  "Page number (default 1)"
// @Param       page_size  query   int     false  "Page size (default 20, max 100)"
//
// @Success     200  {object}  handlers.ListAppealsResponse  "Page of appeals"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /appeals [get]
func (h *Handlers) ListAppeals(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	status := domain.AppealStatus(strings.TrimSpace(c.Query("status")))
	if status == "" {
		status = domain.AppealPending
	}
	switch status {
	case domain.AppealPending, domain.AppealApproved, domain.AppealDismissed:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be pending, approved, or dismissed")
		return
	}

	items, total, err := h.appealSvc.ListPage(ctx, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListAppealsResponse{
		Appeals: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages(total, pageSize),
			HasNext:    page < totalPages(total, pageSize),
		},
	})
}

// ApproveAppeal godoc
// @ID          approveAppeal
// @Summary     Approve an appeal
// @Description Upholds a pending appeal and reopens the transaction's
// @Description confirmation window. Approving an already-approved appeal is a
// @Description no-op; an appeal that was dismissed cannot be approved.
// @Tags        Appeals
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Reviewer user ID"   example(ops-1)
// @Param       id         path    string  true  "Appeal ID (UUID)"   format(uuid)
//
// @Success     200  {object}  handlers.AppealResponse  "Reviewed appeal"
// @Failure     400  {object}  handlers.ErrorResponse   "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse   "Appeal not found"
// @Failure     409  {object}  handlers.ErrorResponse   "Already reviewed"
// @Router      /appeals/{id}/approve [post]
func (h *Handlers) ApproveAppeal(c *gin.Context) {
	h.reviewAppeal(c, h.appealSvc.Approve)
}

// DismissAppeal godoc
// @ID          dismissAppeal
// @Summary     Dismiss an appeal
// @Description Rejects a pending appeal; the transaction stays unsuccessful.
// @Description Dismissing an already-dismissed appeal is a no-op.
// @Tags        Appeals
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Reviewer user ID"   example(ops-1)
// @Param       id         path    string  true  "Appeal ID (UUID)"   format(uuid)
//
// @Success     200  {object}  handlers.AppealResponse  "Reviewed appeal"
// @Failure     400  {object}  handlers.ErrorResponse   "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse   "Appeal not found"
// @Failure     409  {object}  handlers.ErrorResponse   "Already reviewed"
// @Router      /appeals/{id}/dismiss [post]
func (h *Handlers) DismissAppeal(c *gin.Context) {
	h.reviewAppeal(c, h.appealSvc.Dismiss)
}

// reviewAppeal shares the approve/dismiss plumbing.
func (h *Handlers) reviewAppeal(c *gin.Context, verdict func(ctx context.Context, appealID string) (*domain.Appeal, error)) {
	ctx := c.Request.Context()

	appealID := c.Param("id")
	if _, err := uuid.Parse(appealID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "appeal id must be a UUID")
		return
	}

	appeal, err := verdict(ctx, appealID)
	if err != nil {
		switch err {
		case services.ErrAppealNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "appeal not found")
		case services.ErrAppealAlreadyReviewed:
			fail(c, http.StatusConflict, ErrCodeConflict, "appeal already reviewed")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAppealFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, AppealResponse{Appeal: appeal})
}
