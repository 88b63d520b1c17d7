package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/services"
)

// ---------- test env ----------

// handlerEnv bundles a Gin engine with real services over an in-memory
// database, mirroring the router's wiring without its middleware stack.
type handlerEnv struct {
	engine  *gin.Engine
	convs   *services.ConversationService
	appeals *services.AppealService
	now     time.Time
}

func newHandlerEnv(t *testing.T, at time.Time) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.Message{}, &domain.Appeal{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &handlerEnv{now: at}
	convs := services.NewConversationService(db, services.NewConversationRepo())
	convs.Now = func() time.Time { return env.now }
	msgs := &services.MessageService{DB: db, Convs: convs, MaxContentRunes: 2000, WelcomeLocale: language.English}
	appeals := services.NewAppealService(db, convs)
	h := New(convs, msgs, appeals)

	r := gin.New()
	r.POST("/conversations", h.OpenConversation)
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:id", h.GetConversation)
	r.POST("/conversations/:id/meetup", h.ProposeMeetup)
	r.POST("/conversations/:id/meetup/confirm", h.ConfirmMeetup)
	r.DELETE("/conversations/:id/meetup", h.CancelMeetup)
	r.POST("/conversations/:id/complete", h.MarkCompleted)
	r.POST("/conversations/:id/done", h.MarkDone)
	r.DELETE("/conversations/:id/done", h.CancelDone)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/messages", h.SendMessage)
	r.POST("/conversations/:id/read", h.MarkRead)
	r.POST("/conversations/:id/appeals", h.StartAppeal)
	r.GET("/appeals", h.ListAppeals)
	r.POST("/appeals/:id/approve", h.ApproveAppeal)
	r.POST("/appeals/:id/dismiss", h.DismissAppeal)

	env.engine = r
	env.convs = convs
	env.appeals = appeals
	return env
}

// do performs a request as the given user and returns the recorder.
func (e *handlerEnv) do(method, path, user string, body any, headers ...[2]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for _, h := range headers {
		req.Header.Set(h[0], h[1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

// openConv creates a conversation over HTTP and returns its id.
func (e *handlerEnv) openConv(t *testing.T, buyer, seller, product string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/conversations", buyer, OpenConversationRequest{SellerID: seller, ProductID: product})
	if w.Code != http.StatusOK {
		t.Fatalf("open conversation: %d %s", w.Code, w.Body.String())
	}
	var resp OpenConversationResponse
	decodeJSON(t, w, &resp)
	return resp.Conversation.ID
}

// ---------- conversations ----------

func TestOpenConversation_CreatesAndReuses(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	id1 := env.openConv(t, "buyer", "seller", "prod")
	id2 := env.openConv(t, "buyer", "seller", "prod")
	if id1 != id2 {
		t.Fatalf("same triple should reuse the conversation: %s vs %s", id1, id2)
	}

	// Validation failures.
	if w := env.do(http.MethodPost, "/conversations", "buyer", map[string]string{"seller_id": "s"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing product: %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/conversations", "u1", OpenConversationRequest{SellerID: "u1", ProductID: "p"}); w.Code != http.StatusBadRequest {
		t.Fatalf("same party: %d", w.Code)
	}
}

func TestGetConversation_Statuses(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	id := env.openConv(t, "buyer", "seller", "prod")

	if w := env.do(http.MethodGet, "/conversations/not-a-uuid", "buyer", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid: %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/conversations/"+uuid.NewString(), "buyer", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/conversations/"+id, "stranger", nil); w.Code != http.StatusNotFound {
		t.Fatalf("outsider: %d", w.Code)
	}

	w := env.do(http.MethodGet, "/conversations/"+id, "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("participant: %d %s", w.Code, w.Body.String())
	}
	var resp OpenConversationResponse
	decodeJSON(t, w, &resp)
	if resp.Conversation.ID != id {
		t.Fatalf("wrong conversation: %+v", resp.Conversation)
	}
}

func TestListConversations_PaginationAndETag(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	env.openConv(t, "buyer", "s1", "p1")
	env.openConv(t, "buyer", "s2", "p2")

	w := env.do(http.MethodGet, "/conversations?page=1&page_size=1", "buyer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var resp ListConversationsResponse
	decodeJSON(t, w, &resp)
	if resp.Pagination.Total != 2 || len(resp.Conversations) != 1 {
		t.Fatalf("pagination = %+v, items = %d", resp.Pagination, len(resp.Conversations))
	}
	if resp.Pagination.TotalPages != 2 || !resp.Pagination.HasNext {
		t.Fatalf("pagination math off: %+v", resp.Pagination)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	w2 := env.do(http.MethodGet, "/conversations?page=1&page_size=1", "buyer", nil, [2]string{"If-None-Match", etag})
	if w2.Code != http.StatusNotModified {
		t.Fatalf("conditional request: %d, want 304", w2.Code)
	}
}

// ---------- meetup lifecycle ----------

func TestProposeMeetup_VerdictPayload(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	id := env.openConv(t, "buyer", "seller", "prod")

	w := env.do(http.MethodPost, "/conversations/"+id+"/meetup", "buyer",
		ProposeMeetupRequest{Date: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)})
	if w.Code != http.StatusOK {
		t.Fatalf("propose: %d %s", w.Code, w.Body.String())
	}
	var resp TransitionResponse
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupProposed {
		t.Fatalf("bad verdict: %+v", resp)
	}

	// A rejected transition is still HTTP 200; the verdict carries the reason.
	w = env.do(http.MethodPost, "/conversations/"+id+"/meetup", "stranger",
		ProposeMeetupRequest{Date: time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)})
	if w.Code != http.StatusOK {
		t.Fatalf("outsider propose: %d", w.Code)
	}
	decodeJSON(t, w, &resp)
	if resp.Applied || resp.Reason != string(domain.ReasonNotParticipant) {
		t.Fatalf("outsider verdict = %+v", resp)
	}

	// Malformed body is a transport error, not a verdict.
	if w := env.do(http.MethodPost, "/conversations/"+id+"/meetup", "buyer", map[string]string{"date": "yesterday"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad date: %d", w.Code)
	}
}

func TestProposeMeetup_IdempotencyReplay(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	id := env.openConv(t, "buyer", "seller", "prod")
	key := [2]string{"Idempotency-Key", uuid.NewString()}
	body := ProposeMeetupRequest{Date: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}

	w := env.do(http.MethodPost, "/conversations/"+id+"/meetup", "buyer", body, key)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first call: %d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}

	w = env.do(http.MethodPost, "/conversations/"+id+"/meetup", "buyer", body, key)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	var resp TransitionResponse
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupProposed {
		t.Fatalf("replay verdict: %+v", resp)
	}
}

func TestMeetupLifecycle_EndToEnd(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	id := env.openConv(t, "buyer", "seller", "prod")

	env.do(http.MethodPost, "/conversations/"+id+"/meetup", "buyer",
		ProposeMeetupRequest{Date: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)})

	var resp TransitionResponse
	w := env.do(http.MethodPost, "/conversations/"+id+"/meetup/confirm", "seller", nil)
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupConfirmed {
		t.Fatalf("confirm: %+v", resp)
	}

	w = env.do(http.MethodDelete, "/conversations/"+id+"/meetup", "buyer", nil)
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupIdle {
		t.Fatalf("cancel: %+v", resp)
	}

	w = env.do(http.MethodPost, "/conversations/"+id+"/done", "seller", nil)
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupDoneMarked || resp.Conversation.RewardEligible {
		t.Fatalf("done: %+v", resp)
	}

	w = env.do(http.MethodDelete, "/conversations/"+id+"/done", "seller", nil)
	decodeJSON(t, w, &resp)
	if !resp.Applied || resp.Conversation.Transaction.MeetupStatus != domain.MeetupIdle || !resp.Conversation.RewardEligible {
		t.Fatalf("undo done: %+v", resp)
	}
}

func TestMarkCompleted_OutsideWindowIsNoop(t *testing.T) {
	env := newHandlerEnv(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	id := env.openConv(t, "buyer", "seller", "prod")

	var resp TransitionResponse
	w := env.do(http.MethodPost, "/conversations/"+id+"/complete", "buyer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d", w.Code)
	}
	decodeJSON(t, w, &resp)
	if resp.Applied || resp.Reason != string(domain.ReasonWrongState) {
		t.Fatalf("idle completion should no-op with wrong_state: %+v", resp)
	}
}
