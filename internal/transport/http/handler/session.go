package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gopherai-context/internal/app"
	"gopherai-context/internal/transport/http/response"
)

type SessionHandler struct {
	sessionService *app.SessionService
}

type CreateSessionRequest struct {
	Title string `json:"title" binding:"max=128"`
}

type RenameSessionRequest struct {
	Title string `json:"title" binding:"required,max=128"`
}

func NewSessionHandler(sessionService *app.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}

	session, err := h.sessionService.Create(app.CreateSessionInput{UserID: userID, Title: req.Title})
	if err != nil {
		writeError(c, err, "create session failed")
		return
	}
	response.Created(c, session)
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	sessions, err := h.sessionService.List(userID)
	if err != nil {
		writeError(c, err, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}

	session, err := h.sessionService.Authorize(userID, sessionID)
	if err != nil {
		writeError(c, err, "get session failed")
		return
	}
	response.OK(c, session)
}

func (h *SessionHandler) Rename(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.sessionService.Rename(userID, sessionID, req.Title)
	if err != nil {
		writeError(c, err, "rename session failed")
		return
	}
	response.OK(c, session)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}
	sessionID, ok := uintParam(c, "session_id")
	if !ok {
		return
	}

	result, err := h.sessionService.Delete(c.Request.Context(), userID, sessionID)
	if err != nil {
		writeError(c, err, "delete session failed")
		return
	}
	response.OK(c, result)
}
