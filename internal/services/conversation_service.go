// Package services – ConversationService
//
// This file implements the conversation store, the single source of truth
// for conversation state. It owns per-conversation mutual exclusion: every
// mutation (state-machine transitions, message bookkeeping, flag changes)
// runs under the conversation's lock, so callers observe either the pre- or
// post-transition conversation and never an intermediate value. Transitions
// on different conversations run fully in parallel.
//
// The store applies the pure transition functions from the domain package
// and commits their results; it is the only component that writes
// transaction state. User-facing lifecycle operations (propose, confirm,
// cancel, complete, done-mark) and the background sweep all funnel through
// ApplyTransition, guaranteeing a single transition authority.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// ConversationRepo defines the repository contract required by
// ConversationService. Implementations are responsible for persistence of
// conversation aggregates.
type ConversationRepo interface {
	// CreateConversation inserts a new conversation row.
	CreateConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error)

	// GetConversation fetches a conversation by ID.
	GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error)

	// GetConversationForUser fetches a conversation ensuring the user is a
	// participant.
	GetConversationForUser(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error)

	// FindConversation returns the conversation for an exact
	// (buyer, seller, product) triple.
	FindConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error)

	// CountConversations returns the user's conversation total for pagination.
	CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListConversationsPage returns a page of the user's conversations.
	ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error)

	// ListOpenConversationIDs returns IDs of sweep-relevant conversations.
	ListOpenConversationIDs(ctx context.Context, db *gorm.DB) ([]string, error)

	// SaveConversation persists the full conversation row.
	SaveConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) error
}

// ConversationService provides conversation lifecycle operations and is the
// sole writer of transaction state.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo

	// Now returns the current instant; overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time

	// mu guards locks; each conversation gets its own mutex so that
	// unrelated conversations never contend.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{
		DB:    db,
		Repo:  r,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *ConversationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// lockFor returns the mutex owning conversation id, creating it on first use.
// Lock entries are never evicted: the conversation set is bounded by the
// catalog and a bare mutex is small.
func (s *ConversationService) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Update runs fn on the identified conversation under its lock. If fn
// reports dirty, the conversation is persisted before the lock is released.
// fn must not retain the conversation past its return.
func (s *ConversationService) Update(ctx context.Context, id string, fn func(c *domain.Conversation) (dirty bool, err error)) (*domain.Conversation, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	c, err := s.Repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	dirty, err := fn(c)
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := s.Repo.SaveConversation(ctx, s.DB, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ApplyTransition applies one state-machine function to the conversation's
// transaction and commits the result. The returned Result reports whether
// the transition applied or why it was a no-op; errors are reserved for
// storage failures and missing conversations.
func (s *ConversationService) ApplyTransition(ctx context.Context, id string, fn domain.TransitionFunc) (*domain.Conversation, domain.Result, error) {
	var res domain.Result
	c, err := s.Update(ctx, id, func(c *domain.Conversation) (bool, error) {
		var next domain.Transaction
		next, res = fn(c.Transaction, c.Participants(), s.now())
		if !res.Applied {
			return false, nil
		}
		c.Transaction = next
		return true, nil
	})
	return c, res, err
}

// Open returns the conversation between buyerID and sellerID about
// productID, creating it if this is their first contact. Identifiers are
// opaque; only emptiness and buyer==seller are rejected.
func (s *ConversationService) Open(ctx context.Context, buyerID, sellerID, productID string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Open",
		trace.WithAttributes(
			attribute.String("buyer.id", buyerID),
			attribute.String("seller.id", sellerID),
			attribute.String("product.id", productID),
		),
	)
	defer span.End()

	if buyerID == "" || sellerID == "" || productID == "" {
		return nil, ErrMissingParty
	}
	if buyerID == sellerID {
		return nil, ErrSameParty
	}
	if c, err := s.Repo.FindConversation(ctx, s.DB, buyerID, sellerID, productID); err == nil {
		return c, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.Repo.CreateConversation(ctx, s.DB, buyerID, sellerID, productID)
}

// Get fetches a conversation, scoped to a participant.
func (s *ConversationService) Get(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	c, err := s.Repo.GetConversationForUser(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListPage returns a page of the user's conversations and the total count.
// It applies defaults for invalid page/pageSize.
func (s *ConversationService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}

	items, err := s.Repo.ListConversationsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// ProposeMeetup proposes a meetup date on behalf of actorID.
func (s *ConversationService) ProposeMeetup(ctx context.Context, id, actorID string, date time.Time) (*domain.Conversation, domain.Result, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ProposeMeetup",
		trace.WithAttributes(
			attribute.String("conversation.id", id),
			attribute.String("actor.id", actorID),
		),
	)
	defer span.End()

	if date.IsZero() {
		return nil, domain.Result{}, ErrInvalidMeetupDate
	}
	return s.ApplyTransition(ctx, id, func(t domain.Transaction, p domain.Participants, now time.Time) (domain.Transaction, domain.Result) {
		return domain.ProposeMeetup(t, p, actorID, date, now)
	})
}

// ConfirmMeetup records actorID's confirmation of the proposed date.
func (s *ConversationService) ConfirmMeetup(ctx context.Context, id, actorID string) (*domain.Conversation, domain.Result, error) {
	return s.ApplyTransition(ctx, id, func(t domain.Transaction, p domain.Participants, _ time.Time) (domain.Transaction, domain.Result) {
		return domain.ConfirmMeetup(t, p, actorID)
	})
}

// CancelMeetup resets the transaction to idle.
func (s *ConversationService) CancelMeetup(ctx context.Context, id string) (*domain.Conversation, domain.Result, error) {
	return s.ApplyTransition(ctx, id, func(t domain.Transaction, _ domain.Participants, _ time.Time) (domain.Transaction, domain.Result) {
		return domain.CancelMeetup(t)
	})
}

// MarkCompleted records actorID's completion mark inside the confirm window.
func (s *ConversationService) MarkCompleted(ctx context.Context, id, actorID string) (*domain.Conversation, domain.Result, error) {
	return s.ApplyTransition(ctx, id, func(t domain.Transaction, p domain.Participants, _ time.Time) (domain.Transaction, domain.Result) {
		return domain.MarkCompleted(t, p, actorID)
	})
}

// MarkDone applies the manual done override and clears reward eligibility.
func (s *ConversationService) MarkDone(ctx context.Context, id string) (*domain.Conversation, domain.Result, error) {
	var res domain.Result
	c, err := s.Update(ctx, id, func(c *domain.Conversation) (bool, error) {
		var next domain.Transaction
		next, res = domain.MarkDone(c.Transaction)
		if !res.Applied {
			return false, nil
		}
		c.Transaction = next
		c.RewardEligible = false
		return true, nil
	})
	return c, res, err
}

// CancelDone reverts a done-marked conversation to idle and restores reward
// eligibility.
func (s *ConversationService) CancelDone(ctx context.Context, id string) (*domain.Conversation, domain.Result, error) {
	var res domain.Result
	c, err := s.Update(ctx, id, func(c *domain.Conversation) (bool, error) {
		var next domain.Transaction
		next, res = domain.CancelDone(c.Transaction)
		if !res.Applied {
			return false, nil
		}
		c.Transaction = next
		c.RewardEligible = true
		return true, nil
	})
	return c, res, err
}

// SweepOne re-evaluates one conversation's transaction against the current
// time. Used exclusively by the background sweeper; user actions never
// trigger timeout transitions.
func (s *ConversationService) SweepOne(ctx context.Context, id string) (*domain.Conversation, domain.Result, error) {
	return s.ApplyTransition(ctx, id, func(t domain.Transaction, _ domain.Participants, now time.Time) (domain.Transaction, domain.Result) {
		return domain.Sweep(t, now)
	})
}

// OpenConversationIDs lists the conversations the sweep must visit.
func (s *ConversationService) OpenConversationIDs(ctx context.Context) ([]string, error) {
	return s.Repo.ListOpenConversationIDs(ctx, s.DB)
}

// ensure the concrete repo keeps satisfying the contract used in wiring.
var _ ConversationRepo = conversationRepoFuncs{}

// conversationRepoFuncs adapts the repository free functions to the
// ConversationRepo interface.
type conversationRepoFuncs struct{}

// NewConversationRepo returns the default repository implementation backed
// by the repo package's free functions.
func NewConversationRepo() ConversationRepo { return conversationRepoFuncs{} }

func (conversationRepoFuncs) CreateConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, buyerID, sellerID, productID)
}

func (conversationRepoFuncs) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}

func (conversationRepoFuncs) GetConversationForUser(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	return repo.GetConversationForUser(ctx, db, id, userID)
}

func (conversationRepoFuncs) FindConversation(ctx context.Context, db *gorm.DB, buyerID, sellerID, productID string) (*domain.Conversation, error) {
	return repo.FindConversation(ctx, db, buyerID, sellerID, productID)
}

func (conversationRepoFuncs) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}

func (conversationRepoFuncs) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

func (conversationRepoFuncs) ListOpenConversationIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	return repo.ListOpenConversationIDs(ctx, db)
}

func (conversationRepoFuncs) SaveConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) error {
	return repo.SaveConversation(ctx, db, c)
}
