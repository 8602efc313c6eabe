package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gopherai-context/internal/app"
	"gopherai-context/internal/model"
	"gopherai-context/internal/transport/http/response"
)

// multipartOverhead leaves room for form boundaries and the name field on
// top of the file itself.
const multipartOverhead = 1 << 20

type ArtifactHandler struct {
	artifactService *app.ArtifactService
	maxUploadBytes  int64
}

type CreateArtifactRequest struct {
	Type   string `json:"type" binding:"required"`
	Name   string `json:"name" binding:"max=256"`
	Source string `json:"source" binding:"required,max=1024"`
}

// CreateRepositoryRequest accepts the URL under any of the field names
// older clients send.
type CreateRepositoryRequest struct {
	URL     string `json:"url"`
	Source  string `json:"source"`
	RepoURL string `json:"repo_url"`
	Name    string `json:"name" binding:"max=256"`
}

type UpdateArtifactRequest struct {
	Name     *string        `json:"name" binding:"omitempty,max=256"`
	Metadata map[string]any `json:"metadata"`
}

func NewArtifactHandler(artifactService *app.ArtifactService, maxUploadBytes int64) *ArtifactHandler {
	return &ArtifactHandler{artifactService: artifactService, maxUploadBytes: maxUploadBytes}
}

func (h *ArtifactHandler) scope(c *gin.Context) (userID, sessionID uint, ok bool) {
	if userID, ok = getUserIDFromContext(c); !ok {
		return 0, 0, false
	}
	if sessionID, ok = uintParam(c, "session_id"); !ok {
		return 0, 0, false
	}
	return userID, sessionID, true
}

// Create builds an artifact from a source reference. Only repositories can
// be fetched by reference; files go through Upload.
func (h *ArtifactHandler) Create(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	var req CreateArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	if req.Type != model.ArtifactTypeRepository {
		writeError(c, fmt.Errorf("%w: type %q must be uploaded", app.ErrInvalidSource, req.Type), "create artifact failed")
		return
	}

	artifact, err := h.artifactService.CreateFromRepository(c.Request.Context(), app.RepositoryInput{
		UserID:    userID,
		SessionID: sessionID,
		Name:      req.Name,
		URL:       req.Source,
	})
	if err != nil {
		writeError(c, err, "create artifact failed")
		return
	}
	response.Created(c, artifact)
}

func (h *ArtifactHandler) CreateRepository(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	var req CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	url := firstNonEmpty(req.URL, req.Source, req.RepoURL)
	if url == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "repository url is required")
		return
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}

	artifact, err := h.artifactService.CreateFromRepository(c.Request.Context(), app.RepositoryInput{
		UserID:    userID,
		SessionID: sessionID,
		Name:      req.Name,
		URL:       url,
	})
	if err != nil {
		writeError(c, err, "import repository failed")
		return
	}
	response.Created(c, artifact)
}

func (h *ArtifactHandler) Upload(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, app.ErrUploadTooLarge, "upload failed")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "multipart field file is required")
		return
	}
	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		writeError(c, app.ErrUploadTooLarge, "upload failed")
		return
	}

	f, err := header.Open()
	if err != nil {
		writeError(c, err, "read upload failed")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, err, "read upload failed")
		return
	}

	artifact, err := h.artifactService.CreateFromUpload(c.Request.Context(), app.UploadInput{
		UserID:      userID,
		SessionID:   sessionID,
		Name:        c.PostForm("name"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(c, err, "upload failed")
		return
	}
	response.Created(c, artifact)
}

func (h *ArtifactHandler) List(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	artifacts, err := h.artifactService.List(c.Request.Context(), userID, sessionID)
	if err != nil {
		writeError(c, err, "list artifacts failed")
		return
	}
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	response.OK(c, artifacts)
}

func (h *ArtifactHandler) Get(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	artifact, err := h.artifactService.Get(c.Request.Context(), userID, sessionID, c.Param("artifact_id"))
	if err != nil {
		writeError(c, err, "get artifact failed")
		return
	}
	response.OK(c, artifact)
}

func (h *ArtifactHandler) Update(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	var req UpdateArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	artifact, err := h.artifactService.Update(c.Request.Context(), app.UpdateArtifactInput{
		UserID:     userID,
		SessionID:  sessionID,
		ArtifactID: c.Param("artifact_id"),
		Name:       req.Name,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(c, err, "update artifact failed")
		return
	}
	response.OK(c, artifact)
}

func (h *ArtifactHandler) Delete(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	artifactID := c.Param("artifact_id")
	if err := h.artifactService.Delete(c.Request.Context(), userID, sessionID, artifactID); err != nil {
		writeError(c, err, "delete artifact failed")
		return
	}
	response.OK(c, gin.H{"deleted_artifact_id": artifactID})
}

func (h *ArtifactHandler) ListFiles(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}

	page, err := h.artifactService.ListFiles(c.Request.Context(), userID, sessionID, c.Param("artifact_id"), limit, offset)
	if err != nil {
		writeError(c, err, "list files failed")
		return
	}
	response.OK(c, page)
}

func (h *ArtifactHandler) GetFile(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	// The wildcard keeps its leading slash.
	filePath := strings.TrimPrefix(c.Param("path"), "/")
	file, err := h.artifactService.GetFile(c.Request.Context(), userID, sessionID, c.Param("artifact_id"), filePath)
	if err != nil {
		writeError(c, err, "get file failed")
		return
	}
	response.OK(c, gin.H{
		"path":    file.Path,
		"content": file.Content,
		"size":    file.Size,
	})
}

func (h *ArtifactHandler) Download(c *gin.Context) {
	userID, sessionID, ok := h.scope(c)
	if !ok {
		return
	}

	dl, err := h.artifactService.Download(c.Request.Context(), userID, sessionID, c.Param("artifact_id"))
	if err != nil {
		writeError(c, err, "download failed")
		return
	}
	defer dl.Body.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	c.DataFromReader(http.StatusOK, dl.Size, dl.ContentType, dl.Body, map[string]string{
		"Content-Disposition":    disposition,
		"X-Content-Type-Options": "nosniff",
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
