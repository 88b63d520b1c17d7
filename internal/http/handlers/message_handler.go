// Message HTTP handlers.
//
// This file exposes REST endpoints for conversation messages:
//   - POST /conversations/{id}/messages  (append a message, maybe trigger the daily welcome)
//   - GET  /conversations/{id}/messages  (list paginated messages)
//   - POST /conversations/{id}/read      (mark the counterparty's messages read)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (MessageService)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns the
// recorded message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer. The service also enforces
// a maximum rune count, which can be configured in MessageService.
type SendMessageRequest struct {
	// Content is the message body. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Hi, is the bike still available?"`
}

// SendMessageResponse is the JSON envelope for a newly created message.
// Welcome is present only when the send triggered the automatic seller
// greeting for the day.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
	Welcome *domain.Message `json:"welcome,omitempty"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// MarkReadResponse reports how many messages were newly marked read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxContentRunes inspects the concrete MessageService for a
// configured content-length limit. If unavailable, it returns a conservative
// fallback.
func discoverMaxContentRunes(msgSvc MessageService) int {
	const fallback = 2000
	if ms, ok := msgSvc.(*services.MessageService); ok {
		if ms.MaxContentRunes > 0 {
			return ms.MaxContentRunes
		}
	}
	return fallback
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message in a conversation
// @Description Appends a message from the caller. A buyer message may also
// @Description trigger the seller's automatic welcome reply, at most once per
// @Description UTC day per conversation.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "User ID (must be a participant)"  example(buyer-1)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Conversation ID (UUID)"           format(uuid)
// @Param       body             body    handlers.SendMessageRequest  true  "Message payload"
//
// @Success     200  {object}  handlers.SendMessageResponse  "Created message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse        "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse        "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID, okID := pathConversationID(c)
	if !okID {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxContentRunes(h.msgSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.msgSvc.(*services.MessageService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(svc.DB, rec.RefID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, SendMessageResponse{Message: prev})
					return
				}
			}
		}
	}

	// Normal processing (service has a second guard for length).
	out, err := h.msgSvc.Send(ctx, conversationID, currentUser, content)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrNotParticipant:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a conversation participant")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		case services.ErrEmptyMessage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.msgSvc.(*services.MessageService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, out.Message.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, SendMessageResponse{Message: out.Message, Welcome: out.Welcome})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a page of messages in chronological order. Only
// @Description participants can read the thread. Supports conditional
// @Description requests via ETag.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "User ID (must be a participant)"  example(buyer-1)
// @Param       id         path    string  true   "Conversation ID (UUID)"           format(uuid)
// @Param       page       query   int     false  "Page number (default 1)"
// @Param       page_size  query   int     false  "Page size (default 20, max 100)"
//
// @Success     200  {object}  handlers.ListMessagesResponse  "Page of messages"
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse         "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse         "Conversation not found"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID, okID := pathConversationID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.msgSvc.ListPage(ctx, conversationID, userID(c), page, pageSize)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrNotParticipant:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a conversation participant")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	var latest int64
	for i := range items {
		if ts := items[i].CreatedAt.UnixNano(); ts > latest {
			latest = ts
		}
	}
	etag := fmt.Sprintf(`W/"msgs-%s-%d-%d-%d-%d"`, conversationID, page, pageSize, total, latest)
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages(total, pageSize),
			HasNext:    page < totalPages(total, pageSize),
		},
	})
}

// MarkRead godoc
// @ID          markRead
// @Summary     Mark the counterparty's messages as read
// @Description Marks every message authored by the other participant as read
// @Description by the caller and reports how many flipped. Safe to repeat.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID (must be a participant)"  example(buyer-1)
// @Param       id         path    string  true  "Conversation ID (UUID)"           format(uuid)
//
// @Success     200  {object}  handlers.MarkReadResponse  "Read receipt count"
// @Failure     400  {object}  handlers.ErrorResponse     "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse     "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse     "Conversation not found"
// @Router      /conversations/{id}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID, okID := pathConversationID(c)
	if !okID {
		return
	}

	n, err := h.msgSvc.MarkRead(ctx, conversationID, userID(c))
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrNotParticipant:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a conversation participant")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}
