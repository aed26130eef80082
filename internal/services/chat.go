package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/logger"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/gorm"
)

// systemRules is prepended to every upstream conversation. Callers never see
// or control it.
const systemRules = "You are Lumina, a helpful assistant. Answer in the language the user writes in. Be concise and accurate; say so when you do not know."

// historyWindow bounds how many prior messages are replayed as context.
const historyWindow = 40

// StreamProvider opens an upstream token stream with rate-limit fallback and
// reports which concrete model served it.
type StreamProvider interface {
	StreamWithFallback(ctx context.Context, logicalID, concreteID string, msgs []ChatMessage) (io.ReadCloser, string, error)
}

// TitleEnqueuer schedules background title generation for a new chat.
type TitleEnqueuer interface {
	EnqueueTitle(chatID string) error
}

// ChatService runs the full lifecycle of one chat turn: limit check, message
// persistence, provider call, relay, and usage commit.
type ChatService struct {
	db     *gorm.DB
	cat    *catalog.Catalog
	ledger *Ledger
	router StreamProvider
	titles TitleEnqueuer // optional
}

func NewChatService(db *gorm.DB, cat *catalog.Catalog, ledger *Ledger, router StreamProvider, titles TitleEnqueuer) *ChatService {
	return &ChatService{db: db, cat: cat, ledger: ledger, router: router, titles: titles}
}

// SendRequest is one user turn. An empty ChatID starts a new chat.
type SendRequest struct {
	UserID  uint
	ChatID  string
	ModelID string
	Content string
}

// Completion is a live in-flight turn. The caller drains Chunks until closed,
// then reads FinalText/Err. Close signals the client went away: the upstream
// call is cancelled but whatever text already accumulated is still persisted
// and billed.
type Completion struct {
	ChatID    string
	NewChat   bool
	UsedModel string // logical id, what gets persisted and priced
	Warning   string

	chunks chan StreamChunk
	done   chan struct{}

	cancelUpstream context.CancelFunc
	clientGone     chan struct{}
	closeOnce      sync.Once

	finalText string
	err       error
}

func (c *Completion) Chunks() <-chan StreamChunk { return c.chunks }

// Done is closed after persistence and usage commit finish.
func (c *Completion) Done() <-chan struct{} { return c.done }

func (c *Completion) FinalText() string {
	<-c.done
	return c.finalText
}

func (c *Completion) Err() error {
	<-c.done
	return c.err
}

// Close marks the client as disconnected. Safe to call more than once.
func (c *Completion) Close() {
	c.closeOnce.Do(func() { close(c.clientGone) })
}

// Send validates, checks limits, persists the user message, then launches the
// provider call and relay. It returns once the stream is open; tokens arrive
// on the Completion. Persisting the assistant reply and committing usage
// happen after the stream ends, and only when at least one token arrived.
func (s *ChatService) Send(ctx context.Context, req SendRequest) (*Completion, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, response.NewBadRequest("message content is required")
	}

	model, ok := s.cat.Get(req.ModelID)
	if !ok {
		return nil, response.NewNotFound(response.ReasonModelNotFound, fmt.Sprintf("unknown model %q", req.ModelID))
	}

	decision := s.ledger.CheckLimits(ctx, LimitCheck{
		UserID:          req.UserID,
		ModelID:         model.ID,
		EstimatedTokens: EstimateTokens(content),
	})
	if !decision.Allowed {
		return nil, decisionError(decision)
	}

	chat, isNew, err := s.ensureChat(req.UserID, req.ChatID, model.ID, content)
	if err != nil {
		return nil, err
	}

	userMsg := models.Message{
		ChatID:     chat.ID,
		Role:       "user",
		Content:    content,
		Model:      model.ID,
		TokensUsed: int(EstimateTokens(content)),
	}
	if err := s.db.Create(&userMsg).Error; err != nil {
		logger.Errorf("[Chat] Failed to persist user message for chat %s: %v", chat.ID, err)
		return nil, response.NewServerError("failed to save message")
	}

	history, err := s.loadHistory(chat.ID)
	if err != nil {
		return nil, response.NewServerError("failed to load chat history")
	}
	msgs := WithSystemRules(history, systemRules)

	concreteID := s.cat.Resolve(model.ID)

	// Upstream lifetime is detached from the HTTP request: a client
	// disconnect cancels it via Close, not via the handler context.
	upstreamCtx, cancel := context.WithCancel(context.Background())

	body, _, err := s.router.StreamWithFallback(upstreamCtx, model.ID, concreteID, msgs)
	if err != nil {
		cancel()
		// User message stays: the turn happened, the reply did not.
		if errors.Is(err, ErrAllProvidersUnavailable) {
			return nil, response.NewBadGateway(response.ReasonAllProvidersUnavailable, "all providers are currently unavailable, please retry shortly")
		}
		var provErr *ProviderError
		if errors.As(err, &provErr) {
			return nil, response.NewBadGateway(response.ReasonProviderError, provErr.Message)
		}
		return nil, response.NewBadGateway(response.ReasonProviderError, err.Error())
	}

	completion := &Completion{
		ChatID:         chat.ID,
		NewChat:        isNew,
		UsedModel:      model.ID,
		Warning:        decision.Warning,
		chunks:         make(chan StreamChunk, 16),
		done:           make(chan struct{}),
		cancelUpstream: cancel,
		clientGone:     make(chan struct{}),
	}

	go s.pump(completion, Relay(body), req.UserID, content)

	return completion, nil
}

// pump forwards relay chunks to the completion, finalizes persistence, and
// commits usage. Runs to relay termination even after client disconnect so
// partial output is not lost.
func (s *ChatService) pump(c *Completion, relay *RelayResult, userID uint, userContent string) {
	defer close(c.done)
	defer close(c.chunks)

	forwarding := true
	for chunk := range relay.Chunks() {
		if chunk.Done {
			break
		}
		if !forwarding {
			continue
		}
		select {
		case c.chunks <- chunk:
		case <-c.clientGone:
			// Stop paying for tokens nobody reads, keep what arrived.
			c.cancelUpstream()
			forwarding = false
		}
	}
	c.cancelUpstream()

	c.finalText = relay.FinalText()
	if relayErr := relay.Err(); relayErr != nil {
		logger.Warnf("[Chat] Relay for chat %s ended early: %v", c.ChatID, relayErr)
	}

	if c.finalText == "" {
		// Nothing arrived: no assistant row, no usage charged.
		logger.Infof("[Chat] Empty completion for chat %s, skipping persist and commit", c.ChatID)
		return
	}

	tokensUsed := int(EstimateTokens(userContent) + EstimateTokens(c.finalText))

	assistantMsg := models.Message{
		ChatID:     c.ChatID,
		Role:       "assistant",
		Content:    c.finalText,
		Model:      c.UsedModel,
		TokensUsed: tokensUsed,
	}
	if err := s.db.Create(&assistantMsg).Error; err != nil {
		logger.Errorf("[Chat] Failed to persist assistant message for chat %s: %v", c.ChatID, err)
		c.err = err
		return
	}

	if err := s.ledger.CommitUsage(context.Background(), userID, c.ChatID, c.UsedModel, tokensUsed, len(userContent)); err != nil {
		logger.Errorf("[Chat] Usage commit failed for user %d chat %s: %v", userID, c.ChatID, err)
		c.err = err
	}

	if c.NewChat && s.titles != nil {
		if err := s.titles.EnqueueTitle(c.ChatID); err != nil {
			logger.Warnf("[Chat] Failed to enqueue title generation for chat %s: %v", c.ChatID, err)
		}
	}
}

func (s *ChatService) ensureChat(userID uint, chatID, modelID, firstMessage string) (*models.Chat, bool, error) {
	if chatID == "" {
		chat := models.Chat{
			ID:     uuid.NewString(),
			UserID: userID,
			Title:  provisionalTitle(firstMessage),
			Model:  modelID,
		}
		if err := s.db.Create(&chat).Error; err != nil {
			logger.Errorf("[Chat] Failed to create chat for user %d: %v", userID, err)
			return nil, false, response.NewServerError("failed to create chat")
		}
		return &chat, true, nil
	}

	var chat models.Chat
	err := s.db.Where("id = ? AND user_id = ?", chatID, userID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, response.NewNotFound("CHAT_NOT_FOUND", "chat not found")
	}
	if err != nil {
		return nil, false, response.NewServerError("failed to load chat")
	}
	return &chat, false, nil
}

func (s *ChatService) loadHistory(chatID string) ([]ChatMessage, error) {
	var rows []models.Message
	err := s.db.Where("chat_id = ?", chatID).
		Order("id DESC").
		Limit(historyWindow).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	msgs := make([]ChatMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, ChatMessage{Role: rows[i].Role, Content: rows[i].Content})
	}
	return msgs, nil
}

// provisionalTitle is shown until background title generation replaces it.
func provisionalTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:50]) + "..."
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}

// decisionError maps a denial reason onto the HTTP error surface.
func decisionError(d *LimitDecision) *response.AppError {
	switch d.Reason {
	case response.ReasonUserNotFound:
		return response.NewNotFound(response.ReasonUserNotFound, d.Message)
	case response.ReasonDatabaseError:
		return response.NewServerError(d.Message)
	case response.ReasonDailyRequestLimit, response.ReasonDailyTokenLimit, response.ReasonDailyMessageLimit:
		return response.NewTooManyRequests(d.Reason, d.Message)
	case response.ReasonNotProUser, response.ReasonSubscriptionExpired, response.ReasonModelNotAvailableForPlan:
		return response.NewForbidden(d.Reason, d.Message)
	case response.ReasonInsufficientCredits:
		return response.NewPaymentRequired(d.Reason, d.Message)
	default:
		return response.NewForbidden(d.Reason, d.Message)
	}
}

// ListChats returns the caller's chats, most recently updated first.
func (s *ChatService) ListChats(userID uint) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&chats).Error
	return chats, err
}

// GetChat returns one chat with its messages, oldest first.
func (s *ChatService) GetChat(userID uint, chatID string) (*models.Chat, []models.Message, error) {
	var chat models.Chat
	err := s.db.Where("id = ? AND user_id = ?", chatID, userID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, response.NewNotFound("CHAT_NOT_FOUND", "chat not found")
	}
	if err != nil {
		return nil, nil, err
	}

	var msgs []models.Message
	if err := s.db.Where("chat_id = ?", chatID).Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, nil, err
	}
	return &chat, msgs, nil
}

// RenameChat updates the title of one of the caller's chats.
func (s *ChatService) RenameChat(userID uint, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return response.NewBadRequest("title is required")
	}
	res := s.db.Model(&models.Chat{}).
		Where("id = ? AND user_id = ?", chatID, userID).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return response.NewNotFound("CHAT_NOT_FOUND", "chat not found")
	}
	return nil
}

// DeleteChat soft-deletes a chat. Messages stay for usage accounting.
func (s *ChatService) DeleteChat(userID uint, chatID string) error {
	res := s.db.Where("id = ? AND user_id = ?", chatID, userID).Delete(&models.Chat{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return response.NewNotFound("CHAT_NOT_FOUND", "chat not found")
	}
	return nil
}
