// Meetup transaction state machine.
//
// Every transition in this file is a pure function: it takes the current
// Transaction by value plus an actor and/or timestamp and returns the next
// Transaction together with a Result. Transitions never fail. An invalid
// actor or state combination yields a no-op with a machine-readable reason,
// keeping the machine total under concurrent, possibly stale client input.
//
// Deadlines are computed by adding whole days (UTC) to a reference instant.
// Deadline comparisons are strict: a sweep at the exact deadline instant does
// not trigger, only a sweep strictly after it does. Entry into the confirm
// window uses now >= meetupDate.
//
// All I/O and locking live in the services layer; nothing here touches a
// database or clock.
package domain

import "time"

// Deadline spans, in whole days.
const (
	// MeetupConfirmDays is how long a counterparty has to confirm a
	// proposed meetup before the proposal expires back to idle.
	MeetupConfirmDays = 3
	// TransactionConfirmDays is how long after the meetup date both
	// parties have to mark the exchange completed.
	TransactionConfirmDays = 7
	// AppealDays is how long after an unsuccessful timeout either party
	// may file an appeal.
	AppealDays = 7
)

// Participants carries the buyer/seller identity pair of a conversation.
// The state machine treats both IDs as opaque comparison keys.
type Participants struct {
	BuyerID  string
	SellerID string
}

// role resolution; empty string means not a participant.
func (p Participants) isBuyer(id string) bool  { return id != "" && id == p.BuyerID }
func (p Participants) isSeller(id string) bool { return id != "" && id == p.SellerID }
func (p Participants) isParty(id string) bool  { return p.isBuyer(id) || p.isSeller(id) }

// NoopReason explains why a transition did not apply.
type NoopReason string

const (
	// ReasonNotParticipant: the actor is neither the buyer nor the seller.
	ReasonNotParticipant NoopReason = "not_participant"
	// ReasonWrongState: the transaction is not in a state the event is
	// defined for.
	ReasonWrongState NoopReason = "wrong_state"
	// ReasonAlreadyConfirmed: the actor's confirmation flag is already set
	// (includes the proposer, who auto-confirms at proposal time).
	ReasonAlreadyConfirmed NoopReason = "already_confirmed"
	// ReasonAlreadyCompleted: the actor already marked completion.
	ReasonAlreadyCompleted NoopReason = "already_completed"
	// ReasonAlreadyAppealed: the actor already filed an appeal.
	ReasonAlreadyAppealed NoopReason = "already_appealed"
	// ReasonDeadlinePassed: the appeal window has closed.
	ReasonDeadlinePassed NoopReason = "deadline_passed"
	// ReasonNotDue: a sweep check found no deadline strictly exceeded.
	ReasonNotDue NoopReason = "not_due"
)

// Result reports whether a transition applied and, if not, why. Callers and
// tests branch on it instead of diffing transaction fields.
type Result struct {
	Applied bool       `json:"applied"`
	Reason  NoopReason `json:"reason,omitempty"`
}

func applied() Result          { return Result{Applied: true} }
func noop(r NoopReason) Result { return Result{Reason: r} }

// TransitionFunc is the shape the conversation store applies under its
// per-conversation lock. Services close over actor-specific arguments.
type TransitionFunc func(t Transaction, p Participants, now time.Time) (Transaction, Result)

// addDays adds n whole days to a UTC-normalized reference instant.
func addDays(ref time.Time, n int) *time.Time {
	d := ref.UTC().AddDate(0, 0, n)
	return &d
}

// ProposeMeetup moves an idle transaction to proposed: it records the date
// and proposer, auto-confirms the proposer's own side, and starts the
// counterparty's confirmation deadline.
func ProposeMeetup(t Transaction, p Participants, actorID string, date, now time.Time) (Transaction, Result) {
	if !p.isParty(actorID) {
		return t, noop(ReasonNotParticipant)
	}
	if t.MeetupStatus != MeetupIdle {
		return t, noop(ReasonWrongState)
	}
	d := date.UTC()
	t.MeetupStatus = MeetupProposed
	t.MeetupDate = &d
	t.ProposerID = actorID
	t.BuyerConfirmedMeetup = p.isBuyer(actorID)
	t.SellerConfirmedMeetup = p.isSeller(actorID)
	t.MeetupConfirmDeadline = addDays(now, MeetupConfirmDays)
	return t, applied()
}

// ConfirmMeetup records the non-proposing party's confirmation. Confirmation
// is idempotent per actor; the transition to confirmed fires only on the edge
// where the second distinct party's flag becomes true, which also fixes the
// transaction confirm deadline relative to the meetup date.
func ConfirmMeetup(t Transaction, p Participants, actorID string) (Transaction, Result) {
	if !p.isParty(actorID) {
		return t, noop(ReasonNotParticipant)
	}
	if t.MeetupStatus != MeetupProposed {
		return t, noop(ReasonWrongState)
	}
	switch {
	case p.isBuyer(actorID):
		if t.BuyerConfirmedMeetup {
			return t, noop(ReasonAlreadyConfirmed)
		}
		t.BuyerConfirmedMeetup = true
	case p.isSeller(actorID):
		if t.SellerConfirmedMeetup {
			return t, noop(ReasonAlreadyConfirmed)
		}
		t.SellerConfirmedMeetup = true
	}
	if t.BuyerConfirmedMeetup && t.SellerConfirmedMeetup && t.MeetupDate != nil {
		t.MeetupStatus = MeetupConfirmed
		t.TransactionConfirmDeadline = addDays(*t.MeetupDate, TransactionConfirmDays)
	}
	return t, applied()
}

// CancelMeetup resets the transaction to idle from any non-idle state,
// clearing every meetup-specific field.
func CancelMeetup(t Transaction) (Transaction, Result) {
	if t.MeetupStatus == MeetupIdle {
		return t, noop(ReasonWrongState)
	}
	return clearMeetup(t), applied()
}

// MarkCompleted records one party's completion mark inside the confirm
// window. When the second distinct party marks, the transaction completes.
func MarkCompleted(t Transaction, p Participants, actorID string) (Transaction, Result) {
	if !p.isParty(actorID) {
		return t, noop(ReasonNotParticipant)
	}
	if t.MeetupStatus != MeetupWindowToConfirm {
		return t, noop(ReasonWrongState)
	}
	switch {
	case p.isBuyer(actorID):
		if t.BuyerMarkedCompleted {
			return t, noop(ReasonAlreadyCompleted)
		}
		t.BuyerMarkedCompleted = true
	case p.isSeller(actorID):
		if t.SellerMarkedCompleted {
			return t, noop(ReasonAlreadyCompleted)
		}
		t.SellerMarkedCompleted = true
	}
	if t.BuyerMarkedCompleted && t.SellerMarkedCompleted {
		t.MeetupStatus = MeetupCompleted
	}
	return t, applied()
}

// MarkDone applies the manual done override, reachable from any state except
// completed. The caller is responsible for clearing the conversation's
// reward eligibility alongside.
func MarkDone(t Transaction) (Transaction, Result) {
	if t.MeetupStatus == MeetupCompleted || t.MeetupStatus == MeetupDoneMarked {
		return t, noop(ReasonWrongState)
	}
	t.MeetupStatus = MeetupDoneMarked
	return t, applied()
}

// CancelDone reverts a done-marked transaction to idle. Idle requires both
// confirmation flags false and no meetup date, so the meetup fields are
// cleared rather than restored.
func CancelDone(t Transaction) (Transaction, Result) {
	if t.MeetupStatus != MeetupDoneMarked {
		return t, noop(ReasonWrongState)
	}
	return clearMeetup(t), applied()
}

// FileAppeal records which party disputes an unsuccessful transaction. Valid
// only while the status is unsuccessful and strictly before the appeal
// deadline; filing is idempotent per actor.
func FileAppeal(t Transaction, p Participants, actorID string, now time.Time) (Transaction, Result) {
	if !p.isParty(actorID) {
		return t, noop(ReasonNotParticipant)
	}
	if t.MeetupStatus != MeetupUnsuccessful {
		return t, noop(ReasonWrongState)
	}
	if t.AppealDeadline == nil || !now.Before(*t.AppealDeadline) {
		return t, noop(ReasonDeadlinePassed)
	}
	switch {
	case p.isBuyer(actorID):
		if t.BuyerAppealed {
			return t, noop(ReasonAlreadyAppealed)
		}
		t.BuyerAppealed = true
	case p.isSeller(actorID):
		if t.SellerAppealed {
			return t, noop(ReasonAlreadyAppealed)
		}
		t.SellerAppealed = true
	}
	return t, applied()
}

// ApproveAppeal re-opens an unsuccessful transaction: it returns to the
// confirm window with both completion flags reset, a fresh transaction
// confirm deadline, and the appeal state cleared.
func ApproveAppeal(t Transaction, now time.Time) (Transaction, Result) {
	if t.MeetupStatus != MeetupUnsuccessful {
		return t, noop(ReasonWrongState)
	}
	t.MeetupStatus = MeetupWindowToConfirm
	t.BuyerMarkedCompleted = false
	t.SellerMarkedCompleted = false
	t.TransactionConfirmDeadline = addDays(now, TransactionConfirmDays)
	t.BuyerAppealed = false
	t.SellerAppealed = false
	t.AppealDeadline = nil
	return t, applied()
}

// Sweep re-evaluates one transaction against the current time, running the
// three timeout checks in their fixed order so that a single pass can chain
// transitions (a late-confirmed meetup whose date already passed enters the
// confirm window in the same pass). The result is applied if any check fired.
//
// Sweep is idempotent: re-running it with no intervening event or time change
// yields the same transaction.
func Sweep(t Transaction, now time.Time) (Transaction, Result) {
	any := false
	var r Result
	if t, r = sweepProposalExpiry(t, now); r.Applied {
		any = true
	}
	if t, r = sweepEnterConfirmWindow(t, now); r.Applied {
		any = true
	}
	if t, r = sweepConfirmExpiry(t, now); r.Applied {
		any = true
	}
	if !any {
		return t, noop(ReasonNotDue)
	}
	return t, applied()
}

// sweepProposalExpiry reverts an unconfirmed proposal to idle once the
// confirmation deadline is strictly exceeded.
func sweepProposalExpiry(t Transaction, now time.Time) (Transaction, Result) {
	if t.MeetupStatus != MeetupProposed || t.MeetupConfirmDeadline == nil {
		return t, noop(ReasonNotDue)
	}
	if !now.After(*t.MeetupConfirmDeadline) {
		return t, noop(ReasonNotDue)
	}
	return clearMeetup(t), applied()
}

// sweepEnterConfirmWindow moves a confirmed transaction into the confirm
// window once the meetup date is reached.
func sweepEnterConfirmWindow(t Transaction, now time.Time) (Transaction, Result) {
	if t.MeetupStatus != MeetupConfirmed || t.MeetupDate == nil || t.TransactionConfirmDeadline == nil {
		return t, noop(ReasonNotDue)
	}
	if now.Before(*t.MeetupDate) {
		return t, noop(ReasonNotDue)
	}
	t.MeetupStatus = MeetupWindowToConfirm
	return t, applied()
}

// sweepConfirmExpiry marks the transaction unsuccessful once the confirm
// window deadline is strictly exceeded, opening the appeal window.
func sweepConfirmExpiry(t Transaction, now time.Time) (Transaction, Result) {
	if t.MeetupStatus != MeetupWindowToConfirm || t.TransactionConfirmDeadline == nil {
		return t, noop(ReasonNotDue)
	}
	if !now.After(*t.TransactionConfirmDeadline) {
		return t, noop(ReasonNotDue)
	}
	t.MeetupStatus = MeetupUnsuccessful
	t.AppealDeadline = addDays(now, AppealDays)
	return t, applied()
}

// clearMeetup returns the transaction to a pristine idle state.
func clearMeetup(t Transaction) Transaction {
	t.MeetupStatus = MeetupIdle
	t.MeetupDate = nil
	t.ProposerID = ""
	t.BuyerConfirmedMeetup = false
	t.SellerConfirmedMeetup = false
	t.MeetupConfirmDeadline = nil
	t.TransactionConfirmDeadline = nil
	t.BuyerMarkedCompleted = false
	t.SellerMarkedCompleted = false
	t.BuyerAppealed = false
	t.SellerAppealed = false
	t.AppealDeadline = nil
	return t
}
