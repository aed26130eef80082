package services

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/gorm"
)

type fakeProvider struct {
	calls    int
	body     string
	err      error
	lastMsgs []ChatMessage
}

func (f *fakeProvider) StreamWithFallback(ctx context.Context, logicalID, concreteID string, msgs []ChatMessage) (io.ReadCloser, string, error) {
	f.calls++
	f.lastMsgs = msgs
	if f.err != nil {
		return nil, "", f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), concreteID, nil
}

type fakeTitles struct {
	enqueued []string
}

func (f *fakeTitles) EnqueueTitle(chatID string) error {
	f.enqueued = append(f.enqueued, chatID)
	return nil
}

func newTestChatService(t *testing.T, provider StreamProvider) (*ChatService, *gorm.DB, *fakeTitles) {
	t.Helper()
	db := setupTestDB(t)
	cat := catalog.New(rand.New(rand.NewSource(1)))
	ledger := NewLedger(db, cat, testQuota())
	titles := &fakeTitles{}
	return NewChatService(db, cat, ledger, provider, titles), db, titles
}

func waitDone(t *testing.T, c *Completion) {
	t.Helper()
	go func() {
		for range c.Chunks() {
		}
	}()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("completion did not finish")
	}
}

func TestSend_SuccessPersistsBothMessagesAndCommits(t *testing.T) {
	provider := &fakeProvider{body: "data: {\"content\":\"Hello \"}\n\ndata: {\"content\":\"there\"}\n\ndata: [DONE]\n\n"}
	svc, db, titles := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	c, err := svc.Send(context.Background(), SendRequest{
		UserID:  user.ID,
		ModelID: "lumina-free",
		Content: "What is Go?",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !c.NewChat {
		t.Error("expected a new chat")
	}
	waitDone(t, c)

	if got := c.FinalText(); got != "Hello there" {
		t.Errorf("FinalText = %q, want %q", got, "Hello there")
	}

	var msgs []models.Message
	db.Where("chat_id = ?", c.ChatID).Order("id ASC").Find(&msgs)
	if len(msgs) != 2 {
		t.Fatalf("got %d message rows, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "What is Go?" {
		t.Errorf("first row = %s/%q, want the user message", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello there" {
		t.Errorf("second row = %s/%q, want the assistant reply", msgs[1].Role, msgs[1].Content)
	}

	// The alias is what gets persisted; the backing pool member never
	// appears in storage.
	for _, m := range msgs {
		if m.Model != "lumina-free" {
			t.Errorf("persisted model = %q, want the alias", m.Model)
		}
	}

	var usage models.DailyUsage
	if err := db.Where("user_id = ?", user.ID).First(&usage).Error; err != nil {
		t.Fatalf("usage was not committed: %v", err)
	}
	if usage.RequestsCount != 1 {
		t.Errorf("RequestsCount = %d, want 1", usage.RequestsCount)
	}

	if len(titles.enqueued) != 1 || titles.enqueued[0] != c.ChatID {
		t.Errorf("title enqueued = %v, want the new chat id", titles.enqueued)
	}
}

func TestSend_SystemRulesPrepended(t *testing.T) {
	provider := &fakeProvider{body: "data: {\"content\":\"ok\"}\n\ndata: [DONE]\n\n"}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	c, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitDone(t, c)

	if len(provider.lastMsgs) < 2 {
		t.Fatalf("upstream got %d messages, want at least 2", len(provider.lastMsgs))
	}
	if provider.lastMsgs[0].Role != "system" {
		t.Errorf("first upstream message role = %q, want system", provider.lastMsgs[0].Role)
	}
	if provider.lastMsgs[len(provider.lastMsgs)-1].Content != "hi" {
		t.Errorf("last upstream message = %q, want the user turn", provider.lastMsgs[len(provider.lastMsgs)-1].Content)
	}
}

func TestSend_EmptyStreamSkipsPersistAndCommit(t *testing.T) {
	provider := &fakeProvider{body: "data: [DONE]\n\n"}
	svc, db, titles := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	c, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hello?"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitDone(t, c)

	if got := c.FinalText(); got != "" {
		t.Errorf("FinalText = %q, want empty", got)
	}

	// The user message stays; no assistant row, no usage charged, no title.
	var msgs []models.Message
	db.Where("chat_id = ?", c.ChatID).Find(&msgs)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("got %d rows, want only the user message", len(msgs))
	}

	var usageCount int64
	db.Model(&models.DailyUsage{}).Where("user_id = ?", user.ID).Count(&usageCount)
	if usageCount != 0 {
		t.Errorf("usage rows = %d, want 0 on empty completion", usageCount)
	}
	if len(titles.enqueued) != 0 {
		t.Errorf("title enqueued on empty completion: %v", titles.enqueued)
	}
}

func TestSend_DeniedBeforeProviderCall(t *testing.T) {
	provider := &fakeProvider{body: "data: [DONE]\n\n"}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	db.Create(&models.DailyUsage{
		UserID:        user.ID,
		Date:          models.UsageDate(time.Now()),
		RequestsCount: 20,
	})

	_, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hi"})
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *response.AppError", err)
	}
	if appErr.Reason != response.ReasonDailyRequestLimit {
		t.Errorf("Reason = %q, want DAILY_REQUEST_LIMIT_EXCEEDED", appErr.Reason)
	}
	if appErr.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want 429", appErr.HTTPStatus)
	}

	if provider.calls != 0 {
		t.Errorf("provider called %d times on a denied request, want 0", provider.calls)
	}
	var msgCount int64
	db.Model(&models.Message{}).Count(&msgCount)
	if msgCount != 0 {
		t.Errorf("message rows = %d, want 0 on a denied request", msgCount)
	}
}

func TestSend_UnknownModel(t *testing.T) {
	provider := &fakeProvider{}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	_, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "no-such-model", Content: "hi"})
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *response.AppError", err)
	}
	if appErr.Reason != response.ReasonModelNotFound {
		t.Errorf("Reason = %q, want MODEL_NOT_FOUND", appErr.Reason)
	}
	if provider.calls != 0 {
		t.Errorf("provider called for an unknown model")
	}
}

func TestSend_AllProvidersUnavailable(t *testing.T) {
	provider := &fakeProvider{err: ErrAllProvidersUnavailable}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	_, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hi"})
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *response.AppError", err)
	}
	if appErr.Reason != response.ReasonAllProvidersUnavailable {
		t.Errorf("Reason = %q, want ALL_PROVIDERS_UNAVAILABLE", appErr.Reason)
	}

	// The user message is kept even though no reply happened.
	var msgs []models.Message
	db.Find(&msgs)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("got %d rows, want the orphaned user message", len(msgs))
	}
}

func TestSend_ProviderErrorMapsToBadGateway(t *testing.T) {
	provider := &fakeProvider{err: &ProviderError{Status: 500, Message: "upstream exploded"}}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	_, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hi"})
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *response.AppError", err)
	}
	if appErr.Reason != response.ReasonProviderError {
		t.Errorf("Reason = %q, want PROVIDER_ERROR", appErr.Reason)
	}
	if appErr.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", appErr.HTTPStatus)
	}
}

func TestSend_ExistingChatAppendsAndSkipsTitle(t *testing.T) {
	provider := &fakeProvider{body: "data: {\"content\":\"second reply\"}\n\ndata: [DONE]\n\n"}
	svc, db, titles := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	first, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "first"})
	if err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	waitDone(t, first)

	second, err := svc.Send(context.Background(), SendRequest{
		UserID:  user.ID,
		ChatID:  first.ChatID,
		ModelID: "lumina-free",
		Content: "second",
	})
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if second.NewChat {
		t.Error("continuation marked as a new chat")
	}
	waitDone(t, second)

	var msgCount int64
	db.Model(&models.Message{}).Where("chat_id = ?", first.ChatID).Count(&msgCount)
	if msgCount != 4 {
		t.Errorf("message rows = %d, want 4", msgCount)
	}
	if len(titles.enqueued) != 1 {
		t.Errorf("titles enqueued = %d, want 1 (only for the new chat)", len(titles.enqueued))
	}
}

func TestSend_OtherUsersChatRejected(t *testing.T) {
	provider := &fakeProvider{body: "data: {\"content\":\"x\"}\n\ndata: [DONE]\n\n"}
	svc, db, _ := newTestChatService(t, provider)
	owner := createFreeUser(t, db)
	intruder := models.User{Email: "other@example.com", Role: "user", IsActive: true}
	db.Create(&intruder)

	c, err := svc.Send(context.Background(), SendRequest{UserID: owner.ID, ModelID: "lumina-free", Content: "mine"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitDone(t, c)

	_, err = svc.Send(context.Background(), SendRequest{
		UserID:  intruder.ID,
		ChatID:  c.ChatID,
		ModelID: "lumina-free",
		Content: "theirs",
	})
	var appErr *response.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *response.AppError", err)
	}
	if appErr.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want 404", appErr.HTTPStatus)
	}
}

func TestCompletion_CloseIsSafeConcurrently(t *testing.T) {
	provider := &fakeProvider{body: "data: {\"content\":\"x\"}\n\ndata: [DONE]\n\n"}
	svc, db, _ := newTestChatService(t, provider)
	user := createFreeUser(t, db)

	c, err := svc.Send(context.Background(), SendRequest{UserID: user.ID, ModelID: "lumina-free", Content: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	waitDone(t, c)
}
