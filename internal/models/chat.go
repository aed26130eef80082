package models

import (
	"time"

	"gorm.io/gorm"
)

// Chat is one conversation. Titles start as a truncated copy of the first
// message and are replaced asynchronously after the first completed exchange.
type Chat struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"` // uuid
	UserID    uint           `gorm:"index;not null" json:"user_id"`
	Title     string         `gorm:"size:255" json:"title"`
	Model     string         `gorm:"size:100" json:"model"` // logical model id (alias, never a pool member)
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Chat) TableName() string { return "chats" }

// Message is one row of a conversation. The user row is written before the
// upstream call starts; the assistant row only after the stream has fully
// accumulated, never incrementally.
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChatID     string    `gorm:"index;size:36;not null" json:"chat_id"`
	Role       string    `gorm:"size:20;not null" json:"role"` // user, assistant, system
	Content    string    `gorm:"type:text" json:"content"`
	Model      string    `gorm:"size:100" json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string { return "messages" }
