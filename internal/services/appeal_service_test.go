package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// newUnsuccessfulFixture builds a conversation and walks it through
// propose → confirm → window → timeout so it lands in the unsuccessful state
// with an open appeal window. The returned clock value is the timeout
// instant.
func newUnsuccessfulFixture(t *testing.T) (*AppealService, *ConversationService, string, time.Time) {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convs := newConvService(t, start)
	ctx := context.Background()

	c, err := convs.Open(ctx, "buyer", "seller", "prod")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	meetup := time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)
	if _, res, _ := convs.ProposeMeetup(ctx, c.ID, "buyer", meetup); !res.Applied {
		t.Fatalf("propose did not apply")
	}
	if _, res, _ := convs.ConfirmMeetup(ctx, c.ID, "seller"); !res.Applied {
		t.Fatalf("confirm did not apply")
	}

	// Meetup date reached: enter the confirm window.
	convs.Now = func() time.Time { return meetup }
	if got, res, _ := convs.SweepOne(ctx, c.ID); !res.Applied || got.Transaction.MeetupStatus != domain.MeetupWindowToConfirm {
		t.Fatalf("expected window_to_confirm, got %+v", got.Transaction)
	}

	// Confirm deadline (meetup+7d) passes with no completion marks.
	timeout := meetup.AddDate(0, 0, 7).Add(time.Minute)
	convs.Now = func() time.Time { return timeout }
	got, res, _ := convs.SweepOne(ctx, c.ID)
	if !res.Applied || got.Transaction.MeetupStatus != domain.MeetupUnsuccessful {
		t.Fatalf("expected unsuccessful, got %+v", got.Transaction)
	}
	if got.Transaction.AppealDeadline == nil || !got.Transaction.AppealDeadline.Equal(timeout.AddDate(0, 0, 7)) {
		t.Fatalf("appeal deadline = %v, want timeout+7d", got.Transaction.AppealDeadline)
	}

	return NewAppealService(convs.DB, convs), convs, c.ID, timeout
}

// ---------- filing ----------

func TestStart_Validations(t *testing.T) {
	svc, convs, convID, timeout := newUnsuccessfulFixture(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, convID, "buyer", "made-up-reason", ""); !errors.Is(err, ErrInvalidAppealReason) {
		t.Fatalf("bad reason: want ErrInvalidAppealReason, got %v", err)
	}
	if _, err := svc.Start(ctx, convID, "stranger", domain.AppealOther, ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider: want ErrNotParticipant, got %v", err)
	}

	// A conversation whose transaction is not unsuccessful cannot be appealed.
	idle, _ := convs.Open(ctx, "b2", "s2", "p2")
	if _, err := svc.Start(ctx, idle.ID, "b2", domain.AppealOther, ""); !errors.Is(err, ErrAppealNotOpen) {
		t.Fatalf("idle transaction: want ErrAppealNotOpen, got %v", err)
	}

	// Past the appeal deadline the window is closed.
	convs.Now = func() time.Time { return timeout.AddDate(0, 0, 7).Add(time.Second) }
	if _, err := svc.Start(ctx, convID, "buyer", domain.AppealForgotToClick, ""); !errors.Is(err, ErrAppealWindowClosed) {
		t.Fatalf("late appeal: want ErrAppealWindowClosed, got %v", err)
	}
}

func TestStart_CreatesPendingAppealAndFlagsActor(t *testing.T) {
	svc, convs, convID, _ := newUnsuccessfulFixture(t)
	ctx := context.Background()

	a, err := svc.Start(ctx, convID, "buyer", domain.AppealForgotToClick, "we met but I forgot to confirm")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.Status != domain.AppealPending || a.SubmittedByID != "buyer" || a.ConversationID != convID {
		t.Fatalf("bad appeal record: %+v", a)
	}
	if a.Reason != domain.AppealForgotToClick {
		t.Fatalf("reason = %s", a.Reason)
	}

	cur, _ := convs.Get(ctx, convID, "buyer")
	if !cur.Transaction.BuyerAppealed || cur.Transaction.SellerAppealed {
		t.Fatalf("only the filing actor's flag should be set: %+v", cur.Transaction)
	}
	if cur.Transaction.MeetupStatus != domain.MeetupUnsuccessful {
		t.Fatalf("filing must not change the status, got %s", cur.Transaction.MeetupStatus)
	}

	// The same actor cannot file twice.
	if _, err := svc.Start(ctx, convID, "buyer", domain.AppealOther, ""); !errors.Is(err, ErrDuplicateAppeal) {
		t.Fatalf("duplicate: want ErrDuplicateAppeal, got %v", err)
	}
}

func TestStart_ClipsOversizedDescription(t *testing.T) {
	svc, _, convID, _ := newUnsuccessfulFixture(t)
	svc.MaxDescriptionRunes = 10

	long := "0123456789ABCDEF"
	a, err := svc.Start(context.Background(), convID, "seller", domain.AppealMetButIssue, long)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.Description != "0123456789" {
		t.Fatalf("description = %q, want clipped to 10 runes", a.Description)
	}
}

// ---------- review ----------

func TestApprove_ReopensConfirmWindow(t *testing.T) {
	svc, convs, convID, timeout := newUnsuccessfulFixture(t)
	ctx := context.Background()

	a, _ := svc.Start(ctx, convID, "buyer", domain.AppealForgotToClick, "")

	reviewedAt := timeout.Add(2 * time.Hour)
	convs.Now = func() time.Time { return reviewedAt }

	got, err := svc.Approve(ctx, a.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != domain.AppealApproved || got.ReviewedAt == nil || !got.ReviewedAt.Equal(reviewedAt) {
		t.Fatalf("bad reviewed appeal: %+v", got)
	}

	cur, _ := convs.Get(ctx, convID, "buyer")
	tx := cur.Transaction
	if tx.MeetupStatus != domain.MeetupWindowToConfirm {
		t.Fatalf("approval should reopen the confirm window, got %s", tx.MeetupStatus)
	}
	if tx.BuyerMarkedCompleted || tx.SellerMarkedCompleted {
		t.Fatalf("completion marks must reset on reopen: %+v", tx)
	}
	if tx.BuyerAppealed || tx.SellerAppealed || tx.AppealDeadline != nil {
		t.Fatalf("appeal state must clear on reopen: %+v", tx)
	}
	want := reviewedAt.AddDate(0, 0, 7)
	if tx.TransactionConfirmDeadline == nil || !tx.TransactionConfirmDeadline.Equal(want) {
		t.Fatalf("fresh deadline = %v, want %v", tx.TransactionConfirmDeadline, want)
	}

	// Re-approving is a no-op that returns the record.
	again, err := svc.Approve(ctx, a.ID)
	if err != nil || again.Status != domain.AppealApproved {
		t.Fatalf("re-approve should no-op: %+v err=%v", again, err)
	}

	// But flipping the verdict afterwards is a conflict.
	if _, err := svc.Dismiss(ctx, a.ID); !errors.Is(err, ErrAppealAlreadyReviewed) {
		t.Fatalf("dismiss after approve: want ErrAppealAlreadyReviewed, got %v", err)
	}
}

func TestDismiss_LeavesTransactionUnsuccessful(t *testing.T) {
	svc, convs, convID, _ := newUnsuccessfulFixture(t)
	ctx := context.Background()

	a, _ := svc.Start(ctx, convID, "seller", domain.AppealTechnicalIssue, "")
	got, err := svc.Dismiss(ctx, a.ID)
	if err != nil || got.Status != domain.AppealDismissed {
		t.Fatalf("dismiss: %+v err=%v", got, err)
	}

	cur, _ := convs.Get(ctx, convID, "seller")
	if cur.Transaction.MeetupStatus != domain.MeetupUnsuccessful {
		t.Fatalf("dismissal must not touch the transaction, got %s", cur.Transaction.MeetupStatus)
	}
}

func TestReview_UnknownAppeal(t *testing.T) {
	svc, _, _, _ := newUnsuccessfulFixture(t)
	if _, err := svc.Approve(context.Background(), uuid.NewString()); !errors.Is(err, ErrAppealNotFound) {
		t.Fatalf("want ErrAppealNotFound, got %v", err)
	}
}

// ---------- listing ----------

func TestListPage_FiltersByStatus(t *testing.T) {
	svc, _, convID, _ := newUnsuccessfulFixture(t)
	ctx := context.Background()

	a1, _ := svc.Start(ctx, convID, "buyer", domain.AppealForgotToClick, "")
	a2, _ := svc.Start(ctx, convID, "seller", domain.AppealOther, "")
	svc.Dismiss(ctx, a2.ID)

	pending, total, err := svc.ListPage(ctx, domain.AppealPending, 1, 20)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if total != 1 || len(pending) != 1 || pending[0].ID != a1.ID {
		t.Fatalf("pending page = %v (total %d), want only %s", pending, total, a1.ID)
	}

	dismissed, total, err := svc.ListPage(ctx, domain.AppealDismissed, 1, 20)
	if err != nil || total != 1 || dismissed[0].ID != a2.ID {
		t.Fatalf("dismissed page = %v (total %d) err=%v", dismissed, total, err)
	}

	if items, total, err := svc.ListPage(ctx, domain.AppealApproved, 1, 20); err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("approved page should be empty, got %v (total %d) err=%v", items, total, err)
	}
}
