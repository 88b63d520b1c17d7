// Package services defines the business logic for conversations, messages,
// and appeals. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
//
// Note that transaction state-machine no-ops are not errors: transition
// methods return a domain.Result and reserve the error channel for
// infrastructure failures.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not accessible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrSameParty is returned when a conversation is requested with the
	// same identity on both sides.
	ErrSameParty = errors.New("buyer and seller must differ")

	// ErrMissingParty is returned when a buyer, seller, or product
	// identifier is blank.
	ErrMissingParty = errors.New("buyer, seller, and product are required")

	// ErrInvalidMeetupDate is returned when a meetup proposal carries a
	// zero date.
	ErrInvalidMeetupDate = errors.New("meetup date is required")
)

// Message-related errors.
var (
	// ErrEmptyMessage is returned when a send request contains no content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrTooLong is returned when message content exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("message content too long")

	// ErrNotParticipant is returned when the sender or viewer is neither
	// the buyer nor the seller of the conversation.
	ErrNotParticipant = errors.New("not a conversation participant")
)

// Appeal-related errors.
var (
	// ErrAppealNotFound indicates that the requested appeal does not exist.
	ErrAppealNotFound = errors.New("appeal not found")

	// ErrAppealNotOpen is returned when an appeal is filed against a
	// transaction that is not in the unsuccessful state.
	ErrAppealNotOpen = errors.New("transaction is not open to appeal")

	// ErrAppealWindowClosed is returned when the appeal deadline has passed.
	ErrAppealWindowClosed = errors.New("appeal window has closed")

	// ErrDuplicateAppeal is returned when the actor already has a pending
	// appeal on the conversation.
	ErrDuplicateAppeal = errors.New("appeal already filed")

	// ErrInvalidAppealReason is returned when the reason is not one of the
	// accepted values.
	ErrInvalidAppealReason = errors.New("invalid appeal reason")

	// ErrAppealAlreadyReviewed is returned when approving or dismissing an
	// appeal that was already resolved the other way.
	ErrAppealAlreadyReviewed = errors.New("appeal already reviewed")
)
