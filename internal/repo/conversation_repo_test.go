package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-backend/internal/domain"
)

func newConvRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("conv_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestCreateConversation_Error_NoTable(t *testing.T) {
	db := newConvRepoDB(t /* no migrations */)
	c, err := CreateConversation(context.Background(), db, "b1", "s1", "p1")
	if err == nil || c != nil {
		t.Fatalf("expected error creating without table, got conv=%v err=%v", c, err)
	}
}

func TestCreateConversation_DefaultsAndRoundTrip(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()

	c, err := CreateConversation(ctx, db, "b1", "s1", "p1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" {
		t.Fatalf("id must be assigned")
	}
	if c.Transaction.MeetupStatus != domain.MeetupIdle || !c.RewardEligible {
		t.Fatalf("bad defaults: %+v", c)
	}

	got, err := GetConversation(ctx, db, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BuyerID != "b1" || got.SellerID != "s1" || got.ProductID != "p1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Transaction.MeetupDate != nil || got.Transaction.MeetupConfirmDeadline != nil {
		t.Fatalf("unset deadlines must round-trip as nil: %+v", got.Transaction)
	}

	if _, err := GetConversation(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id: want ErrNotFound, got %v", err)
	}
}

func TestGetConversationForUser_ParticipantScoping(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "b1", "s1", "p1")

	for _, u := range []string{"b1", "s1"} {
		if _, err := GetConversationForUser(ctx, db, c.ID, u); err != nil {
			t.Fatalf("participant %s: %v", u, err)
		}
	}
	if _, err := GetConversationForUser(ctx, db, c.ID, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outsider: want ErrNotFound, got %v", err)
	}
}

func TestFindConversation_ExactTriple(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "b1", "s1", "p1")

	got, err := FindConversation(ctx, db, "b1", "s1", "p1")
	if err != nil || got.ID != c.ID {
		t.Fatalf("find: got %v err=%v", got, err)
	}

	// Roles are positional: the reverse pairing is a different conversation.
	if _, err := FindConversation(ctx, db, "s1", "b1", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reversed roles: want ErrNotFound, got %v", err)
	}
	if _, err := FindConversation(ctx, db, "b1", "s1", "p2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other product: want ErrNotFound, got %v", err)
	}
}

func TestCountAndListConversationsPage(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()

	a, _ := CreateConversation(ctx, db, "u1", "s1", "p1")
	b, _ := CreateConversation(ctx, db, "other", "u1", "p2") // u1 as seller
	CreateConversation(ctx, db, "x", "y", "p3")              // not u1's

	total, err := CountConversations(ctx, db, "u1")
	if err != nil || total != 2 {
		t.Fatalf("count = %d err=%v, want 2", total, err)
	}

	// Touch conversation a so it becomes the most recently updated.
	db.Model(&domain.Conversation{}).Where("id = ?", a.ID).Update("product_id", "p1")

	items, err := ListConversationsPage(ctx, db, "u1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].ID != a.ID || items[1].ID != b.ID {
		t.Fatalf("expected most recently updated first: %s then %s", items[0].ID, items[1].ID)
	}

	// Offset past the end yields an empty page, not an error.
	empty, err := ListConversationsPage(ctx, db, "u1", 10, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("offset page: len=%d err=%v", len(empty), err)
	}
}

func TestListOpenConversationIDs_FiltersByStatus(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()

	CreateConversation(ctx, db, "b1", "s1", "p1") // idle
	proposed, _ := CreateConversation(ctx, db, "b2", "s2", "p2")
	windowed, _ := CreateConversation(ctx, db, "b3", "s3", "p3")
	done, _ := CreateConversation(ctx, db, "b4", "s4", "p4")

	db.Model(&domain.Conversation{}).Where("id = ?", proposed.ID).Update("tx_meetup_status", domain.MeetupProposed)
	db.Model(&domain.Conversation{}).Where("id = ?", windowed.ID).Update("tx_meetup_status", domain.MeetupWindowToConfirm)
	db.Model(&domain.Conversation{}).Where("id = ?", done.ID).Update("tx_meetup_status", domain.MeetupCompleted)

	ids, err := ListOpenConversationIDs(ctx, db)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	want := map[string]bool{proposed.ID: true, windowed.ID: true}
	if len(ids) != 2 || !want[ids[0]] || !want[ids[1]] {
		t.Fatalf("open ids = %v, want exactly %v", ids, want)
	}
}

func TestSaveConversation_PersistsZeroValues(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "b1", "s1", "p1")

	// Drive into a proposed state with deadline fields populated.
	deadline := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.Transaction.MeetupStatus = domain.MeetupProposed
	c.Transaction.ProposerID = "b1"
	c.Transaction.BuyerConfirmedMeetup = true
	c.Transaction.MeetupConfirmDeadline = &deadline
	if err := SaveConversation(ctx, db, c); err != nil {
		t.Fatalf("save proposed: %v", err)
	}

	// Now clear everything back to idle; Save must write the zero values.
	c.Transaction = domain.Transaction{MeetupStatus: domain.MeetupIdle}
	if err := SaveConversation(ctx, db, c); err != nil {
		t.Fatalf("save cleared: %v", err)
	}

	got, _ := GetConversation(ctx, db, c.ID)
	tx := got.Transaction
	if tx.MeetupStatus != domain.MeetupIdle || tx.ProposerID != "" || tx.BuyerConfirmedMeetup {
		t.Fatalf("cleared fields did not persist: %+v", tx)
	}
	if tx.MeetupConfirmDeadline != nil {
		t.Fatalf("cleared deadline must persist as NULL, got %v", tx.MeetupConfirmDeadline)
	}
}

func TestSaveConversation_UnknownID(t *testing.T) {
	db := newConvRepoDB(t, &domain.Conversation{})
	err := SaveConversation(context.Background(), db, &domain.Conversation{ID: "missing", BuyerID: "b", SellerID: "s", ProductID: "p"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
