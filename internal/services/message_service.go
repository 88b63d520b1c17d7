// Package services – MessageService
//
// This file implements the messaging channel: an append-only message log per
// conversation with read-receipt tracking and the daily automatic welcome
// reply. Sends run under the conversation store's lock so the log and the
// welcome bookkeeping commit atomically with respect to concurrent sends and
// sweeps on the same conversation.
//
// Auto-welcome rule: when the buyer sends their first message of a UTC
// calendar day and no automated reply has been injected that day (tracked by
// the conversation's LastAutoWelcomeAt stamp alone), one canned seller-
// authored reply is appended and the stamp is updated. At most one injection
// per conversation per day, regardless of how many buyer messages arrive.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/sender identifiers.
package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/language"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// welcomeLocales are the greetings available for the automatic reply. The
// matcher picks the best supported locale for the configured preference;
// index 0 (English) is the fallback.
var (
	welcomeTags = []language.Tag{
		language.English,
		language.Spanish,
		language.German,
		language.French,
		language.Japanese,
	}
	welcomeGreetings = []string{
		"Hi! Thanks for your interest. I'll get back to you as soon as I can.",
		"¡Hola! Gracias por tu interés. Te responderé lo antes posible.",
		"Hallo! Danke für dein Interesse. Ich melde mich so bald wie möglich.",
		"Bonjour ! Merci de votre intérêt. Je vous réponds dès que possible.",
		"こんにちは！ご興味ありがとうございます。できるだけ早くお返事します。",
	}
	welcomeMatcher = language.NewMatcher(welcomeTags)
)

// WelcomeGreeting returns the canned automatic reply for the preferred
// locale, falling back to English.
func WelcomeGreeting(pref language.Tag) string {
	_, i, _ := welcomeMatcher.Match(pref)
	return welcomeGreetings[i]
}

// MessageService coordinates message persistence, read receipts, and the
// automatic welcome reply.
type MessageService struct {
	DB *gorm.DB
	// Convs is the conversation store; all sends serialize through its
	// per-conversation lock.
	Convs *ConversationService

	// MaxContentRunes caps message content length (0 disables the check).
	MaxContentRunes int
	// WelcomeLocale selects the canned greeting for the automatic reply.
	WelcomeLocale language.Tag
}

// SendOutcome reports what a send produced: the stored message and, when the
// auto-welcome fired, the injected counterparty reply.
type SendOutcome struct {
	Message *domain.Message `json:"message"`
	Welcome *domain.Message `json:"welcome,omitempty"`
}

// sameUTCDay reports whether a and b fall on the same UTC calendar date.
func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Send validates and appends a message from senderID, marking it read for
// the sender's own role, and injects the daily automatic welcome when the
// buyer opens the day's contact. The message rows and the welcome stamp
// commit in one database transaction under the conversation lock.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID, content string) (*SendOutcome, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("sender.id", senderID),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrTooLong
	}

	var out SendOutcome
	_, err := s.Convs.Update(ctx, conversationID, func(c *domain.Conversation) (bool, error) {
		p := c.Participants()
		if !isParticipant(p, senderID) {
			return false, ErrNotParticipant
		}
		fromBuyer := senderID == p.BuyerID
		now := s.Convs.now()

		welcomeDue := fromBuyer &&
			(c.LastAutoWelcomeAt == nil || !sameUTCDay(*c.LastAutoWelcomeAt, now))

		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, err := repo.CreateMessage(tx, c.ID, senderID, content, false, fromBuyer, !fromBuyer)
			if err != nil {
				return err
			}
			out.Message = m
			if !welcomeDue {
				return nil
			}
			w, err := repo.CreateMessage(tx, c.ID, p.SellerID, WelcomeGreeting(s.WelcomeLocale), true, false, true)
			if err != nil {
				return err
			}
			out.Welcome = w
			return nil
		})
		if err != nil {
			return false, err
		}
		if welcomeDue {
			stamp := now
			c.LastAutoWelcomeAt = &stamp
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead sets the viewer role's read flag on every message in the
// conversation not authored by the viewer. Returns how many messages were
// newly marked.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("viewer.id", viewerID),
		),
	)
	defer span.End()

	var flipped int64
	_, err := s.Convs.Update(ctx, conversationID, func(c *domain.Conversation) (bool, error) {
		p := c.Participants()
		if !isParticipant(p, viewerID) {
			return false, ErrNotParticipant
		}
		n, err := repo.MarkMessagesRead(s.DB.WithContext(ctx), c.ID, viewerID, viewerID == p.BuyerID)
		if err != nil {
			return false, err
		}
		flipped = n
		return false, nil
	})
	return flipped, err
}

// ListPage returns a page of the conversation's messages in chronological
// order, scoped to a participant, plus the total count.
func (s *MessageService) ListPage(ctx context.Context, conversationID, userID string, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if _, err := s.Convs.Get(ctx, conversationID, userID); err != nil {
		return nil, 0, err
	}

	db := s.DB.WithContext(ctx)
	total, err := repo.CountMessages(db, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(db, conversationID, (page-1)*pageSize, pageSize)
	return items, total, err
}

func isParticipant(p domain.Participants, id string) bool {
	return id != "" && (id == p.BuyerID || id == p.SellerID)
}
