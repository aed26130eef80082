package handlers

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/backend/internal/middleware"
	"github.com/luminachat/backend/internal/services"
	"github.com/luminachat/backend/pkg/response"
)

type ChatHandler struct {
	chatService *services.ChatService
}

func NewChatHandler(chatService *services.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type completionRequest struct {
	ChatID  string `json:"chat_id"`
	Model   string `json:"model" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// Completions streams one chat turn as Server-Sent Events
// POST /api/chat/completions
func (h *ChatHandler) Completions(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	completion, err := h.chatService.Send(c.Request.Context(), services.SendRequest{
		UserID:  userID,
		ChatID:  req.ChatID,
		ModelID: req.Model,
		Content: req.Content,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Chat-Id", completion.ChatID)
	if completion.Warning != "" {
		c.Header("X-Usage-Warning", completion.Warning)
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case chunk, ok := <-completion.Chunks():
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			if chunk.Done || chunk.Content == "" {
				return true
			}
			payload, _ := json.Marshal(gin.H{"content": chunk.Content})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			return true
		case <-c.Request.Context().Done():
			completion.Close()
			return false
		}
	})
}

// List returns the caller's chats
// GET /api/chats
func (h *ChatHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	chats, err := h.chatService.ListChats(userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, chats)
}

// Get returns one chat with its messages
// GET /api/chats/:id
func (h *ChatHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	chat, msgs, err := h.chatService.GetChat(userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{
		"chat":     chat,
		"messages": msgs,
	})
}

type renameRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename updates a chat title
// PUT /api/chats/:id
func (h *ChatHandler) Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	if err := h.chatService.RenameChat(userID, c.Param("id"), req.Title); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "chat renamed"})
}

// Delete removes a chat
// DELETE /api/chats/:id
func (h *ChatHandler) Delete(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if err := h.chatService.DeleteChat(userID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"message": "chat deleted"})
}
