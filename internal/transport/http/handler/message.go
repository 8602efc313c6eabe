package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gopherai-context/internal/app"
	"gopherai-context/internal/transport/http/response"
)

const defaultHistoryLimit = 100

type MessageHandler struct {
	chatService *app.ChatService
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required,max=32000"`
}

func NewMessageHandler(chatService *app.ChatService) *MessageHandler {
	return &MessageHandler{chatService: chatService}
}

func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.chatService.SendMessage(c.Request.Context(), app.SendMessageInput{
		UserID:    userID,
		SessionID: sessionID,
		Content:   req.Content,
	})
	if err != nil {
		writeError(c, err, "send message failed")
		return
	}
	response.Created(c, result)
}

func (h *MessageHandler) History(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}

	history, err := h.chatService.GetHistory(c.Request.Context(), userID, sessionID, limit)
	if err != nil {
		writeError(c, err, "get history failed")
		return
	}
	response.OK(c, history)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}
	messageID, ok := uintParam(c, "message_id")
	if !ok {
		return
	}

	if err := h.chatService.DeleteMessage(c.Request.Context(), userID, sessionID, messageID); err != nil {
		writeError(c, err, "delete message failed")
		return
	}
	response.OK(c, gin.H{"deleted_message_id": messageID})
}
