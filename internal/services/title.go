package services

import (
	"context"
	"errors"
	"strings"

	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/logger"
	"gorm.io/gorm"
)

const titlePrompt = "Write a short title (at most six words) summarizing the following chat message. Reply with the title only, no quotes or punctuation around it."

// Completer performs a non-streaming completion. Satisfied by Router.
type Completer interface {
	Complete(ctx context.Context, modelID string, msgs []ChatMessage) (string, error)
}

// TitleService generates chat titles in the background from the first user
// message. It implements TitleEnqueuer and is wired as the queue processor.
type TitleService struct {
	db        *gorm.DB
	completer Completer
	cfg       *config.TitleConfig
	queue     TaskQueue
}

func NewTitleService(db *gorm.DB, completer Completer, cfg *config.TitleConfig, queue TaskQueue) *TitleService {
	return &TitleService{db: db, completer: completer, cfg: cfg, queue: queue}
}

// EnqueueTitle schedules title generation for a chat. A disabled config or a
// missing queue is a silent no-op: the provisional title stays.
func (s *TitleService) EnqueueTitle(chatID string) error {
	if s.cfg == nil || !s.cfg.Enabled || s.queue == nil {
		return nil
	}
	return s.queue.Enqueue(&TitleTask{ChatID: chatID})
}

// Process generates and stores the title for one chat. Failures leave the
// provisional title in place and are not retried beyond the queue's policy.
func (s *TitleService) Process(ctx context.Context, task *TitleTask) error {
	var first models.Message
	err := s.db.Where("chat_id = ? AND role = ?", task.ChatID, "user").
		Order("id ASC").
		First(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warnf("[Title] Chat %s has no user message, skipping", task.ChatID)
		return nil
	}
	if err != nil {
		return err
	}

	title, err := s.completer.Complete(ctx, s.cfg.Model, []ChatMessage{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: first.Content},
	})
	if err != nil {
		logger.Warnf("[Title] Generation failed for chat %s: %v", task.ChatID, err)
		return err
	}

	title = sanitizeTitle(title)
	if title == "" {
		return nil
	}

	return s.db.Model(&models.Chat{}).
		Where("id = ?", task.ChatID).
		Update("title", title).Error
}

// sanitizeTitle normalizes a model-produced title to a single trimmed line.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, "\"'`")
	runes := []rune(title)
	if len(runes) > 60 {
		title = string(runes[:60])
	}
	return title
}
