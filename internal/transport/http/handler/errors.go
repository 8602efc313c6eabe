package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gopherai-context/internal/app"
	"gopherai-context/internal/transport/http/middleware"
	"gopherai-context/internal/transport/http/response"
)

type errorMapping struct {
	err    error
	status int
	code   int
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{app.ErrNoFieldsToUpdate, http.StatusBadRequest, response.CodeNoFieldsToUpdate},
	{app.ErrMessageEmpty, http.StatusBadRequest, response.CodeMessageEmpty},
	{app.ErrInvalidInput, http.StatusBadRequest, response.CodeBadRequest},
	{app.ErrInvalidSource, http.StatusBadRequest, response.CodeInvalidSource},
	{app.ErrInvalidFormat, http.StatusBadRequest, response.CodeInvalidFormat},
	{app.ErrEmptyArtifact, http.StatusUnprocessableEntity, response.CodeEmptyArtifact},
	{app.ErrInvalidPath, http.StatusBadRequest, response.CodeInvalidPath},
	{app.ErrDownloadUnsupported, http.StatusBadRequest, response.CodeDownloadNotAllowed},
	{app.ErrUploadTooLarge, http.StatusRequestEntityTooLarge, response.CodeUploadTooLarge},
	{app.ErrUsernameExists, http.StatusConflict, response.CodeUsernameExists},
	{app.ErrEmailExists, http.StatusConflict, response.CodeEmailExists},
	{app.ErrInvalidCredential, http.StatusUnauthorized, response.CodeInvalidCredentials},
	{app.ErrForbidden, http.StatusForbidden, response.CodeForbidden},
	{app.ErrSessionNotFound, http.StatusNotFound, response.CodeSessionNotFound},
	{app.ErrArtifactNotFound, http.StatusNotFound, response.CodeArtifactNotFound},
	{app.ErrFileNotFound, http.StatusNotFound, response.CodeFileNotFound},
	{app.ErrMessageNotFound, http.StatusNotFound, response.CodeMessageNotFound},
	{app.ErrUserNotFound, http.StatusNotFound, response.CodeUserNotFound},
	{app.ErrAcquisitionFailed, http.StatusBadGateway, response.CodeAcquisitionFailed},
	{app.ErrLLMRequest, http.StatusBadGateway, response.CodeLLMFailed},
	{app.ErrMessageEnqueue, http.StatusServiceUnavailable, response.CodeQueueUnavailable},
	{app.ErrStorageIO, http.StatusInternalServerError, response.CodeStorageFailure},
}

// writeError maps a service error onto the envelope. Unknown errors become
// a 500 carrying fallback; the cause is attached to the gin context so the
// request logger records it.
func writeError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			msg := err.Error()
			if m.status >= http.StatusInternalServerError {
				msg = fallback
			}
			response.Error(c, m.status, m.code, msg)
			return
		}
	}
	response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
	}
	return userID, ok
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}
