// Conversation HTTP handlers.
//
// This file exposes REST endpoints for marketplace conversations and the
// meetup lifecycle that lives inside them:
//   - POST   /conversations                       (open or fetch)
//   - GET    /conversations                       (list, paginated, ETag support)
//   - GET    /conversations/{id}                  (fetch one)
//   - POST   /conversations/{id}/meetup           (propose a meetup)
//   - POST   /conversations/{id}/meetup/confirm   (confirm the proposal)
//   - DELETE /conversations/{id}/meetup           (cancel the meetup)
//   - POST   /conversations/{id}/complete         (mark the transaction completed)
//   - POST   /conversations/{id}/done             (mark the item done elsewhere)
//   - DELETE /conversations/{id}/done             (undo the done mark)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Lifecycle endpoints never turn a
// rejected transition into an HTTP error: the state machine's verdict is data,
// returned as {"applied": false, "reason": ...} with 200.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
	"github.com/tbourn/go-market-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines conversation and meetup lifecycle operations
// consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Open returns the conversation for (buyer, seller, product), creating it
	// on first contact.
	Open(ctx context.Context, buyerID, sellerID, productID string) (*domain.Conversation, error)
	// Get returns a conversation the user participates in.
	Get(ctx context.Context, id, userID string) (*domain.Conversation, error)
	// ListPage returns a page of the user's conversations and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error)
	// ProposeMeetup proposes a meetup date on behalf of actorID.
	ProposeMeetup(ctx context.Context, id, actorID string, date time.Time) (*domain.Conversation, domain.Result, error)
	// ConfirmMeetup records actorID's confirmation of the proposed meetup.
	ConfirmMeetup(ctx context.Context, id, actorID string) (*domain.Conversation, domain.Result, error)
	// CancelMeetup abandons the meetup and resets the transaction.
	CancelMeetup(ctx context.Context, id string) (*domain.Conversation, domain.Result, error)
	// MarkCompleted records actorID's completion confirmation.
	MarkCompleted(ctx context.Context, id, actorID string) (*domain.Conversation, domain.Result, error)
	// MarkDone marks the item as transacted outside the platform.
	MarkDone(ctx context.Context, id string) (*domain.Conversation, domain.Result, error)
	// CancelDone reverses a done mark and returns the transaction to idle.
	CancelDone(ctx context.Context, id string) (*domain.Conversation, domain.Result, error)
}

// MessageService defines message operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// Send appends a participant message, possibly triggering the daily
	// automatic welcome reply.
	Send(ctx context.Context, conversationID, senderID, content string) (*services.SendOutcome, error)
	// MarkRead marks every message from the counterparty as read and returns
	// how many flipped.
	MarkRead(ctx context.Context, conversationID, viewerID string) (int64, error)
	// ListPage returns a page of messages within a conversation and the total count.
	ListPage(ctx context.Context, conversationID, userID string, page, pageSize int) ([]domain.Message, int64, error)
}

// AppealService defines appeal filing and review operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AppealService interface {
	// Start files an appeal against an unsuccessful transaction.
	Start(ctx context.Context, conversationID, actorID string, reason domain.AppealReason, description string) (*domain.Appeal, error)
	// Approve upholds a pending appeal and reopens the transaction.
	Approve(ctx context.Context, appealID string) (*domain.Appeal, error)
	// Dismiss rejects a pending appeal.
	Dismiss(ctx context.Context, appealID string) (*domain.Appeal, error)
	// ListPage returns a page of appeals in the given status and the total count.
	ListPage(ctx context.Context, status domain.AppealStatus, page, pageSize int) ([]domain.Appeal, int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations, messages, and appeals.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	convSvc   ConversationService
	msgSvc    MessageService
	appealSvc AppealService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(convSvc ConversationService, msgSvc MessageService, appealSvc AppealService) *Handlers {
	return &Handlers{convSvc: convSvc, msgSvc: msgSvc, appealSvc: appealSvc}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// OpenConversationRequest is the JSON payload for opening a conversation.
// The caller is the buyer; the seller and product identify the listing.
type OpenConversationRequest struct {
	// SellerID is the listing owner's user id.
	SellerID string `json:"seller_id" binding:"required,min=1" example:"seller-42"`
	// ProductID is the listing the conversation is about.
	ProductID string `json:"product_id" binding:"required,min=1" example:"prod-7c1"`
}

// OpenConversationResponse wraps the opened (or pre-existing) conversation.
type OpenConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
}

// ProposeMeetupRequest is the JSON payload for proposing a meetup.
type ProposeMeetupRequest struct {
	// Date is the agreed meetup date-time (RFC 3339).
	Date time.Time `json:"date" binding:"required" example:"2026-09-12T15:00:00Z"`
}

// TransitionResponse reports the state machine's verdict on a lifecycle
// request together with the resulting conversation. A rejected transition is
// not an error: Applied is false and Reason names the no-op cause.
type TransitionResponse struct {
	Applied      bool                 `json:"applied"`
	Reason       string               `json:"reason,omitempty"`
	Conversation *domain.Conversation `json:"conversation"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversations and pagination
// information.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// totalPages computes the page count for a total at the given page size.
func totalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// transitionResult writes the uniform TransitionResponse for a lifecycle
// endpoint, translating service errors where needed.
func transitionResult(c *gin.Context, conv *domain.Conversation, res domain.Result, err error) {
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrInvalidMeetupDate):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "meetup date is required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeTransitionFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, TransitionResponse{
		Applied:      res.Applied,
		Reason:       string(res.Reason),
		Conversation: conv,
	})
}

// replayTransition serves the idempotency replay path for lifecycle POSTs.
// A recorded (user, conversation, key) triple means the transition already
// applied, so the handler returns the current conversation state instead of
// re-running the state machine. It reports whether a response was written.
func replayTransition(c *gin.Context, ctx context.Context, svc ConversationService, currentUser, conversationID string) bool {
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey == "" {
		return false
	}
	cs, okSvc := svc.(*services.ConversationService)
	if !okSvc || cs.DB == nil {
		return false
	}
	rec, err := repo.GetIdempotency(ctx, cs.DB, currentUser, conversationID, idemKey, time.Now().UTC())
	if err != nil || rec == nil {
		return false
	}
	conv, err := cs.Get(ctx, conversationID, currentUser)
	if err != nil {
		return false
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, http.StatusOK, TransitionResponse{Applied: true, Conversation: conv})
	return true
}

// storeTransitionKey records the idempotency key after an applied transition.
// Best effort: a storage failure never fails the request.
func storeTransitionKey(c *gin.Context, ctx context.Context, svc ConversationService, currentUser, conversationID string) {
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey == "" {
		return
	}
	if cs, okSvc := svc.(*services.ConversationService); okSvc && cs.DB != nil {
		ttl := 24 * time.Hour
		_, _ = repo.CreateIdempotency(ctx, cs.DB, currentUser, conversationID, idemKey, conversationID, http.StatusOK, ttl)
	}
}

// pathConversationID validates the {id} path parameter as a UUID and writes
// the 400 response itself when the shape is wrong.
func pathConversationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// OpenConversation godoc
// @ID          openConversation
// @Summary     Open a conversation about a listing
// @Description Returns the conversation between the caller (buyer) and the seller
// @Description for the given product, creating it on first contact. Reopening is
// @Description idempotent: the same triple always yields the same conversation.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Buyer user ID"  example(buyer-1)
// @Param       body       body    handlers.OpenConversationRequest  true  "Listing coordinates"
//
// @Success     200  {object}  handlers.OpenConversationResponse  "Conversation"
// @Failure     400  {object}  handlers.ErrorResponse             "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse             "Internal error"
// @Router      /conversations [post]
func (h *Handlers) OpenConversation(c *gin.Context) {
	ctx := c.Request.Context()

	var req OpenConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "seller_id and product_id required")
		return
	}

	conv, err := h.convSvc.Open(ctx, userID(c), strings.TrimSpace(req.SellerID), strings.TrimSpace(req.ProductID))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMissingParty), errors.Is(err, services.ErrSameParty):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, OpenConversationResponse{Conversation: conv})
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List the caller's conversations
// @Description Returns a page of conversations the caller participates in,
// @Description most recently updated first. Supports conditional requests via ETag.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "User ID"  example(buyer-1)
// @Param       page       query   int     false  "Page number (default 1)"
// @Param       page_size  query   int     false  "Page size (default 20, max 100)"
//
// @Success     200  {object}  handlers.ListConversationsResponse  "Page of conversations"
// @Success     304  "Not modified"
// @Failure     500  {object}  handlers.ErrorResponse              "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	items, total, err := h.convSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	// Weak ETag over the page identity; a changed conversation bumps
	// updated_at and therefore the tag.
	var latest int64
	for i := range items {
		if ts := items[i].UpdatedAt.UnixNano(); ts > latest {
			latest = ts
		}
	}
	etag := fmt.Sprintf(`W/"convs-%s-%d-%d-%d-%d"`, uid, page, pageSize, total, latest)
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)

	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages(total, pageSize),
			HasNext:    page < totalPages(total, pageSize),
		},
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Fetch one conversation
// @Description Returns a conversation by id. Only participants can see it.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(buyer-1)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.OpenConversationResponse  "Conversation"
// @Failure     400  {object}  handlers.ErrorResponse             "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse             "Not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}

	conv, err := h.convSvc.Get(ctx, id, userID(c))
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, OpenConversationResponse{Conversation: conv})
}

// ProposeMeetup godoc
// @ID          proposeMeetup
// @Summary     Propose a meetup
// @Description Proposes a meetup date for the transaction. The proposer's own
// @Description confirmation is recorded automatically; the counterparty has a
// @Description fixed window to confirm before the proposal expires.
// @Description Supports idempotency via the Idempotency-Key header.
// @Tags        Meetup
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true   "User ID"  example(buyer-1)
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries (UUID recommended)"
// @Param       id               path    string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       body             body    handlers.ProposeMeetupRequest  true  "Meetup date"
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Failure     500  {object}  handlers.ErrorResponse       "Internal error"
// @Router      /conversations/{id}/meetup [post]
func (h *Handlers) ProposeMeetup(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}

	var req ProposeMeetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "date required (RFC 3339)")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path): a recorded key means the proposal already
	// went through, so return the current conversation state.
	if replayTransition(c, ctx, h.convSvc, currentUser, id) {
		return
	}

	conv, res, err := h.convSvc.ProposeMeetup(ctx, id, currentUser, req.Date)
	if err == nil && res.Applied {
		storeTransitionKey(c, ctx, h.convSvc, currentUser, id)
	}
	transitionResult(c, conv, res, err)
}

// ConfirmMeetup godoc
// @ID          confirmMeetup
// @Summary     Confirm the proposed meetup
// @Description Records the caller's confirmation. When both parties have
// @Description confirmed, the meetup is locked in. Re-confirming is a no-op.
// @Tags        Meetup
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(seller-42)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Router      /conversations/{id}/meetup/confirm [post]
func (h *Handlers) ConfirmMeetup(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}
	conv, res, err := h.convSvc.ConfirmMeetup(ctx, id, userID(c))
	transitionResult(c, conv, res, err)
}

// CancelMeetup godoc
// @ID          cancelMeetup
// @Summary     Cancel the meetup
// @Description Abandons the current meetup and resets the transaction to idle.
// @Tags        Meetup
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(buyer-1)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Router      /conversations/{id}/meetup [delete]
func (h *Handlers) CancelMeetup(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}
	conv, res, err := h.convSvc.CancelMeetup(ctx, id)
	transitionResult(c, conv, res, err)
}

// MarkCompleted godoc
// @ID          markCompleted
// @Summary     Confirm transaction completion
// @Description Records the caller's confirmation that the transaction went
// @Description through. When both parties confirm, the transaction completes.
// @Tags        Meetup
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(buyer-1)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Router      /conversations/{id}/complete [post]
func (h *Handlers) MarkCompleted(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}
	conv, res, err := h.convSvc.MarkCompleted(ctx, id, userID(c))
	transitionResult(c, conv, res, err)
}

// MarkDone godoc
// @ID          markDone
// @Summary     Mark the item as transacted elsewhere
// @Description Flags the listing as handled outside the platform. The
// @Description transaction is parked and reward eligibility is withdrawn.
// @Tags        Meetup
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(seller-42)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Router      /conversations/{id}/done [post]
func (h *Handlers) MarkDone(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}
	conv, res, err := h.convSvc.MarkDone(ctx, id)
	transitionResult(c, conv, res, err)
}

// CancelDone godoc
// @ID          cancelDone
// @Summary     Undo a done mark
// @Description Reverses a prior done mark, restoring reward eligibility and
// @Description returning the transaction to idle.
// @Tags        Meetup
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"              example(seller-42)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.TransitionResponse  "Transition verdict"
// @Failure     400  {object}  handlers.ErrorResponse       "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse       "Not found"
// @Router      /conversations/{id}/done [delete]
func (h *Handlers) CancelDone(c *gin.Context) {
	ctx := c.Request.Context()
	id, okID := pathConversationID(c)
	if !okID {
		return
	}
	conv, res, err := h.convSvc.CancelDone(ctx, id)
	transitionResult(c, conv, res, err)
}
