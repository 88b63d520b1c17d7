// Package domain defines the persistence models for conversations, messages,
// and appeals, together with the pure meetup transaction state machine.
// These types are mapped with GORM and form the core data layer of the
// marketplace application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// MeetupStatus enumerates the lifecycle states of a meetup transaction.
type MeetupStatus string

const (
	// MeetupIdle is the initial state: no meetup has been proposed, or a
	// previous proposal expired or was cancelled.
	MeetupIdle MeetupStatus = "idle"
	// MeetupProposed means one party proposed a date and is waiting for the
	// counterparty's confirmation.
	MeetupProposed MeetupStatus = "proposed"
	// MeetupConfirmed means both parties confirmed the date and the meetup
	// has not happened yet.
	MeetupConfirmed MeetupStatus = "confirmed"
	// MeetupWindowToConfirm means the meetup date passed and both parties
	// must now mark the exchange completed before the confirm deadline.
	MeetupWindowToConfirm MeetupStatus = "window_to_confirm"
	// MeetupCompleted is terminal: both parties marked the exchange done.
	MeetupCompleted MeetupStatus = "completed"
	// MeetupUnsuccessful is reached when the confirm window elapses without
	// both completion marks. It can only be re-opened by an approved appeal.
	MeetupUnsuccessful MeetupStatus = "unsuccessful"
	// MeetupDoneMarked is a manual override: the conversation was closed by
	// a participant outside the normal flow. Reversible via cancel-done.
	MeetupDoneMarked MeetupStatus = "done_marked"
)

// Transaction is the meetup state machine's subject. It is embedded in
// Conversation (one transaction per conversation) and mutated exclusively
// through the transition functions in transaction.go.
//
// Optional timestamps are pointers so that unset deadlines round-trip as
// NULL rather than a zero time.
type Transaction struct {
	MeetupStatus               MeetupStatus `json:"meetup_status"            gorm:"type:varchar(32);not null;default:'idle';index"`
	MeetupDate                 *time.Time   `json:"meetup_date,omitempty"`
	ProposerID                 string       `json:"proposer_id,omitempty"    gorm:"type:varchar(64)"`
	BuyerConfirmedMeetup       bool         `json:"buyer_confirmed_meetup"`
	SellerConfirmedMeetup      bool         `json:"seller_confirmed_meetup"`
	MeetupConfirmDeadline      *time.Time   `json:"meetup_confirm_deadline,omitempty"`
	TransactionConfirmDeadline *time.Time   `json:"transaction_confirm_deadline,omitempty"`
	BuyerMarkedCompleted       bool         `json:"buyer_marked_completed"`
	SellerMarkedCompleted      bool         `json:"seller_marked_completed"`
	BuyerAppealed              bool         `json:"buyer_appealed"`
	SellerAppealed             bool         `json:"seller_appealed"`
	AppealDeadline             *time.Time   `json:"appeal_deadline,omitempty"`
}

// Open reports whether the transaction is in a state the background sweep
// still needs to evaluate against wall-clock time.
func (t Transaction) Open() bool {
	switch t.MeetupStatus {
	case MeetupProposed, MeetupConfirmed, MeetupWindowToConfirm:
		return true
	}
	return false
}

// Conversation represents a negotiation between exactly one buyer and one
// seller over one product listing. It owns exactly one Transaction (embedded
// with the tx_ column prefix) and an append-only message log.
//
// Conversations are never hard-deleted; terminal lifecycle states are
// expressed through the transaction status and the soft-delete marker is
// retained for audit.
type Conversation struct {
	ID        string `json:"id"         gorm:"type:char(36);primaryKey"`
	BuyerID   string `json:"buyer_id"   gorm:"type:varchar(64);not null;index:idx_buyer_convs"`
	SellerID  string `json:"seller_id"  gorm:"type:varchar(64);not null;index:idx_seller_convs"`
	ProductID string `json:"product_id" gorm:"type:varchar(64);not null;index"`

	// RewardEligible gates post-completion reward accrual; the done-mark
	// override clears it and cancel-done restores it.
	RewardEligible   bool `json:"reward_eligible"    gorm:"not null;default:true"`
	UserAlreadyRated bool `json:"user_already_rated" gorm:"not null;default:false"`

	// LastAutoWelcomeAt records when the automatic welcome reply was last
	// injected. At most one injection per UTC calendar day.
	LastAutoWelcomeAt *time.Time `json:"last_auto_welcome_at,omitempty"`

	Transaction Transaction `json:"transaction" gorm:"embedded;embeddedPrefix:tx_"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Participants returns the buyer/seller identity pair used by the transition
// functions to resolve an actor's role.
func (c *Conversation) Participants() Participants {
	return Participants{BuyerID: c.BuyerID, SellerID: c.SellerID}
}

// Message represents a single entry in a conversation thread. Messages are
// immutable once created except for the two read flags, which only ever
// transition false to true. The sender's own read flag is set at creation.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID       string    `json:"sender_id"       gorm:"type:varchar(64);not null"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	IsAutomated    bool      `json:"is_automated"    gorm:"not null;default:false"`
	ReadByBuyer    bool      `json:"read_by_buyer"   gorm:"not null;default:false"`
	ReadBySeller   bool      `json:"read_by_seller"  gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`

	// Conversation is the parent negotiation. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Seen reports whether both roles have read the message, which is the
// UI-facing notion of "Seen".
func (m Message) Seen() bool { return m.ReadByBuyer && m.ReadBySeller }

// AppealReason enumerates why a party disputes an unsuccessful transaction.
type AppealReason string

const (
	AppealForgotToClick  AppealReason = "forgot_to_click"
	AppealMetButIssue    AppealReason = "met_but_issue"
	AppealTechnicalIssue AppealReason = "technical_issue"
	AppealOther          AppealReason = "other"
)

// ValidAppealReason reports whether r is one of the accepted reasons.
func ValidAppealReason(r AppealReason) bool {
	switch r {
	case AppealForgotToClick, AppealMetButIssue, AppealTechnicalIssue, AppealOther:
		return true
	}
	return false
}

// AppealStatus enumerates the review outcome of an appeal.
type AppealStatus string

const (
	AppealPending   AppealStatus = "pending"
	AppealApproved  AppealStatus = "approved"
	AppealDismissed AppealStatus = "dismissed"
)

// Appeal represents a dispute filed against an unsuccessful transaction.
// An appeal is reviewed exactly once by an admin: ReviewedAt is stamped on
// the pending→approved or pending→dismissed edge and no further writes are
// permitted afterwards.
type Appeal struct {
	ID             string       `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string       `json:"conversation_id" gorm:"type:char(36);not null;index"`
	BuyerID        string       `json:"buyer_id"        gorm:"type:varchar(64);not null"`
	SellerID       string       `json:"seller_id"       gorm:"type:varchar(64);not null"`
	SubmittedByID  string       `json:"submitted_by_id" gorm:"type:varchar(64);not null"`
	Reason         AppealReason `json:"reason"          gorm:"type:varchar(32);not null"`
	Description    string       `json:"description,omitempty" gorm:"type:text"`
	Status         AppealStatus `json:"status"          gorm:"type:varchar(16);not null;default:'pending';index"`
	CreatedAt      time.Time    `json:"created_at"`
	ReviewedAt     *time.Time   `json:"reviewed_at,omitempty"`

	// Conversation is the disputed negotiation. Appeals are cascade-deleted
	// with their conversation.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Appeal.
func (Appeal) TableName() string { return "appeals" }
